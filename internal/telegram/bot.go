package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// ErrChatGone marks a chat the bot can no longer reach: deleted, or the bot
// was removed. Callers use it to trigger unbind-and-recreate flows.
var ErrChatGone = errors.New("telegram chat gone")

const (
	maxSendAttempts = 4
	retryBase       = time.Second
	floodSleep      = 60 * time.Second

	poolSize       = 30
	poolTimeout    = 60 * time.Second
	rwTimeout      = 45 * time.Second
	connectTimeout = 15 * time.Second
)

// retryClass drives the retry loop's reaction to a failed call.
type retryClass int

const (
	classFatal retryClass = iota
	classNetwork
	classPoolExhausted
	classFlood
	classChatGone
)

func classify(err error) retryClass {
	if err == nil {
		return classFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classFatal
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, bot.ErrorTooManyRequests) || strings.Contains(msg, "flood control") || strings.Contains(msg, "too many requests"):
		return classFlood
	case strings.Contains(msg, "chat not found") || strings.Contains(msg, "group chat was deleted") ||
		strings.Contains(msg, "bot was kicked") || strings.Contains(msg, "not enough rights"):
		return classChatGone
	case errors.Is(err, bot.ErrorBadRequest) || errors.Is(err, bot.ErrorUnauthorized) || errors.Is(err, bot.ErrorNotFound):
		return classFatal
	case strings.Contains(msg, "pool timeout") || strings.Contains(msg, "connection pool"):
		return classPoolExhausted
	}
	var netErr net.Error
	if errors.As(err, &netErr) || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "unexpected eof") ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return classNetwork
	}
	return classFatal
}

// BotClient wraps the Bot API with the bridge's retry and formatting
// discipline. The underlying client is recreated when its connection pool
// wedges.
type BotClient struct {
	token string
	log   *slog.Logger

	mu  sync.Mutex
	bot *bot.Bot

	// sleep is swappable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBotClient dials getMe once to validate the token.
func NewBotClient(token string, log *slog.Logger) (*BotClient, error) {
	c := &BotClient{
		token: token,
		log:   log.With("component", "bot-client"),
		sleep: sleepCtx,
	}
	b, err := bot.New(token, bot.WithHTTPClient(poolTimeout, newPooledHTTPClient()))
	if err != nil {
		return nil, fmt.Errorf("create bot client: %w", err)
	}
	c.bot = b
	return c, nil
}

func newPooledHTTPClient() *http.Client {
	return &http.Client{
		Timeout: rwTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        poolSize,
			MaxIdleConnsPerHost: poolSize,
			MaxConnsPerHost:     poolSize,
			IdleConnTimeout:     poolTimeout,
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Raw exposes the underlying client for update polling.
func (c *BotClient) Raw() *bot.Bot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot
}

// recreate discards the wedged client and its pool.
func (c *BotClient) recreate() {
	b, err := bot.New(c.token, bot.WithSkipGetMe(), bot.WithHTTPClient(poolTimeout, newPooledHTTPClient()))
	if err != nil {
		c.log.Error("client recreation failed", "error", err)
		return
	}
	c.mu.Lock()
	c.bot = b
	c.mu.Unlock()
	c.log.Warn("bot client recreated after pool exhaustion")
}

// retryDelay returns the sleep before the given attempt (0-based) for the
// class. Pool exhaustion backs off harder because the pool was just reset.
func retryDelay(class retryClass, attempt int) time.Duration {
	d := retryBase * (1 << attempt)
	if class == classPoolExhausted {
		pow3 := time.Duration(1)
		for i := 0; i < attempt; i++ {
			pow3 *= 3
		}
		d += retryBase * pow3
	}
	return d
}

func (c *BotClient) withRetry(ctx context.Context, op string, fn func(b *bot.Bot) error) error {
	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		err := fn(c.Raw())
		if err == nil {
			return nil
		}
		lastErr = err
		switch class := classify(err); class {
		case classChatGone:
			return fmt.Errorf("%s: %w: %w", op, ErrChatGone, err)
		case classFatal:
			return fmt.Errorf("%s: %w", op, err)
		case classFlood:
			c.log.Warn("flood control, sleeping", "op", op, "attempt", attempt)
			if serr := c.sleep(ctx, floodSleep); serr != nil {
				return serr
			}
		case classPoolExhausted:
			c.recreate()
			fallthrough
		case classNetwork:
			delay := retryDelay(classify(err), attempt)
			c.log.Warn("transient failure, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
			if serr := c.sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}

// Upload names a payload for multipart upload.
type Upload struct {
	Name string
	Data []byte
}

func inputFile(u Upload) models.InputFile {
	return &models.InputFileUpload{Filename: u.Name, Data: newByteReader(u.Data)}
}

// newByteReader exists so retried attempts re-read from the start.
func newByteReader(b []byte) io.Reader { return strings.NewReader(string(b)) }

// SendText sends HTML-formatted text. replyTo of 0 means no reply.
func (c *BotClient) SendText(ctx context.Context, chatID int64, text string, replyTo int) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendMessage", func(b *bot.Bot) error {
		params := &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      EscapeHTML(text),
			ParseMode: models.ParseModeHTML,
			LinkPreviewOptions: &models.LinkPreviewOptions{
				IsDisabled: bot.True(),
			},
		}
		if replyTo != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
		}
		var err error
		msg, err = b.SendMessage(ctx, params)
		return err
	})
	return msg, err
}

// SendPhoto uploads photo bytes with an optional HTML caption.
func (c *BotClient) SendPhoto(ctx context.Context, chatID int64, photo Upload, caption string, replyTo int) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendPhoto", func(b *bot.Bot) error {
		params := &bot.SendPhotoParams{
			ChatID:    chatID,
			Photo:     inputFile(photo),
			Caption:   EscapeHTML(caption),
			ParseMode: models.ParseModeHTML,
		}
		if replyTo != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
		}
		var err error
		msg, err = b.SendPhoto(ctx, params)
		return err
	})
	return msg, err
}

// SendDocument uploads an arbitrary file.
func (c *BotClient) SendDocument(ctx context.Context, chatID int64, doc Upload, caption string, replyTo int) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendDocument", func(b *bot.Bot) error {
		params := &bot.SendDocumentParams{
			ChatID:    chatID,
			Document:  inputFile(doc),
			Caption:   EscapeHTML(caption),
			ParseMode: models.ParseModeHTML,
		}
		if replyTo != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
		}
		var err error
		msg, err = b.SendDocument(ctx, params)
		return err
	})
	return msg, err
}

// SendVideo uploads a video with optional thumbnail and duration seconds.
func (c *BotClient) SendVideo(ctx context.Context, chatID int64, video Upload, thumb *Upload, durationSec int, caption string, replyTo int) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendVideo", func(b *bot.Bot) error {
		params := &bot.SendVideoParams{
			ChatID:            chatID,
			Video:             inputFile(video),
			Duration:          durationSec,
			Caption:           EscapeHTML(caption),
			ParseMode:         models.ParseModeHTML,
			SupportsStreaming: true,
		}
		if thumb != nil {
			params.Thumbnail = inputFile(*thumb)
		}
		if replyTo != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
		}
		var err error
		msg, err = b.SendVideo(ctx, params)
		return err
	})
	return msg, err
}

// SendAudio uploads an audio track.
func (c *BotClient) SendAudio(ctx context.Context, chatID int64, audio Upload, title string, durationSec int) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendAudio", func(b *bot.Bot) error {
		var err error
		msg, err = b.SendAudio(ctx, &bot.SendAudioParams{
			ChatID:   chatID,
			Audio:    inputFile(audio),
			Title:    title,
			Duration: durationSec,
		})
		return err
	})
	return msg, err
}

// SendVoice uploads an OGG/Opus voice note.
func (c *BotClient) SendVoice(ctx context.Context, chatID int64, voice Upload, durationSec int, caption string, replyTo int) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendVoice", func(b *bot.Bot) error {
		params := &bot.SendVoiceParams{
			ChatID:    chatID,
			Voice:     inputFile(voice),
			Duration:  durationSec,
			Caption:   EscapeHTML(caption),
			ParseMode: models.ParseModeHTML,
		}
		if replyTo != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
		}
		var err error
		msg, err = b.SendVoice(ctx, params)
		return err
	})
	return msg, err
}

// SendAnimation uploads a GIF-style animation.
func (c *BotClient) SendAnimation(ctx context.Context, chatID int64, anim Upload, caption string, replyTo int) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendAnimation", func(b *bot.Bot) error {
		params := &bot.SendAnimationParams{
			ChatID:    chatID,
			Animation: inputFile(anim),
			Caption:   EscapeHTML(caption),
			ParseMode: models.ParseModeHTML,
		}
		if replyTo != 0 {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
		}
		var err error
		msg, err = b.SendAnimation(ctx, params)
		return err
	})
	return msg, err
}

// SendSticker sends a cached sticker by file id.
func (c *BotClient) SendSticker(ctx context.Context, chatID int64, fileID string) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendSticker", func(b *bot.Bot) error {
		var err error
		msg, err = b.SendSticker(ctx, &bot.SendStickerParams{
			ChatID:  chatID,
			Sticker: &models.InputFileString{Data: fileID},
		})
		return err
	})
	return msg, err
}

// SendMediaGroup sends an album of photos.
func (c *BotClient) SendMediaGroup(ctx context.Context, chatID int64, photos []Upload, caption string) ([]*models.Message, error) {
	var msgs []*models.Message
	err := c.withRetry(ctx, "sendMediaGroup", func(b *bot.Bot) error {
		media := make([]models.InputMedia, 0, len(photos))
		for i, p := range photos {
			item := &models.InputMediaPhoto{
				Media:           fmt.Sprintf("attach://photo%d", i),
				MediaAttachment: newByteReader(p.Data),
			}
			if i == 0 && caption != "" {
				item.Caption = EscapeHTML(caption)
				item.ParseMode = models.ParseModeHTML
			}
			media = append(media, item)
		}
		var err error
		msgs, err = b.SendMediaGroup(ctx, &bot.SendMediaGroupParams{ChatID: chatID, Media: media})
		return err
	})
	return msgs, err
}

// SendLocation sends a bare coordinate pin.
func (c *BotClient) SendLocation(ctx context.Context, chatID int64, lat, lon float64) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendLocation", func(b *bot.Bot) error {
		var err error
		msg, err = b.SendLocation(ctx, &bot.SendLocationParams{ChatID: chatID, Latitude: lat, Longitude: lon})
		return err
	})
	return msg, err
}

// SendVenue sends a labelled place.
func (c *BotClient) SendVenue(ctx context.Context, chatID int64, lat, lon float64, title, address string) (*models.Message, error) {
	var msg *models.Message
	err := c.withRetry(ctx, "sendVenue", func(b *bot.Bot) error {
		var err error
		msg, err = b.SendVenue(ctx, &bot.SendVenueParams{
			ChatID:    chatID,
			Latitude:  lat,
			Longitude: lon,
			Title:     title,
			Address:   address,
		})
		return err
	})
	return msg, err
}

// EditText rewrites a sent message's text.
func (c *BotClient) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	return c.withRetry(ctx, "editMessageText", func(b *bot.Bot) error {
		_, err := b.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    chatID,
			MessageID: messageID,
			Text:      EscapeHTML(text),
			ParseMode: models.ParseModeHTML,
		})
		return err
	})
}

// EditCaption rewrites a media message's caption.
func (c *BotClient) EditCaption(ctx context.Context, chatID int64, messageID int, caption string) error {
	return c.withRetry(ctx, "editMessageCaption", func(b *bot.Bot) error {
		_, err := b.EditMessageCaption(ctx, &bot.EditMessageCaptionParams{
			ChatID:    chatID,
			MessageID: messageID,
			Caption:   EscapeHTML(caption),
			ParseMode: models.ParseModeHTML,
		})
		return err
	})
}

// EditMediaPhoto replaces a message's media with a fresh photo upload.
func (c *BotClient) EditMediaPhoto(ctx context.Context, chatID int64, messageID int, photo Upload, caption string) error {
	return c.withRetry(ctx, "editMessageMedia", func(b *bot.Bot) error {
		_, err := b.EditMessageMedia(ctx, &bot.EditMessageMediaParams{
			ChatID:    chatID,
			MessageID: messageID,
			Media: &models.InputMediaPhoto{
				Media:           "attach://photo",
				MediaAttachment: newByteReader(photo.Data),
				Caption:         EscapeHTML(caption),
				ParseMode:       models.ParseModeHTML,
			},
		})
		return err
	})
}

// DeleteMessage removes a message the bot can delete.
func (c *BotClient) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return c.withRetry(ctx, "deleteMessage", func(b *bot.Bot) error {
		_, err := b.DeleteMessage(ctx, &bot.DeleteMessageParams{ChatID: chatID, MessageID: messageID})
		return err
	})
}

// DownloadFile fetches a Bot API file's bytes by file id.
func (c *BotClient) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	var data []byte
	var path string
	err := c.withRetry(ctx, "getFile", func(b *bot.Bot) error {
		f, err := b.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
		if err != nil {
			return err
		}
		path = f.FilePath
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.FileDownloadLink(f), nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("file download status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		return err
	})
	return data, path, err
}

// GetChat fetches chat metadata; ErrChatGone when the group no longer
// exists or the bot was removed.
func (c *BotClient) GetChat(ctx context.Context, chatID int64) (*models.ChatFullInfo, error) {
	var info *models.ChatFullInfo
	err := c.withRetry(ctx, "getChat", func(b *bot.Bot) error {
		var err error
		info, err = b.GetChat(ctx, &bot.GetChatParams{ChatID: chatID})
		return err
	})
	return info, err
}

// SetChatTitle renames a mirror group.
func (c *BotClient) SetChatTitle(ctx context.Context, chatID int64, title string) error {
	return c.withRetry(ctx, "setChatTitle", func(b *bot.Bot) error {
		_, err := b.SetChatTitle(ctx, &bot.SetChatTitleParams{ChatID: chatID, Title: title})
		return err
	})
}

// SetChatPhoto uploads a new group avatar.
func (c *BotClient) SetChatPhoto(ctx context.Context, chatID int64, photo Upload) error {
	return c.withRetry(ctx, "setChatPhoto", func(b *bot.Bot) error {
		_, err := b.SetChatPhoto(ctx, &bot.SetChatPhotoParams{
			ChatID: chatID,
			Photo:  inputFile(photo),
		})
		return err
	})
}

// SetChatDescription updates the group description.
func (c *BotClient) SetChatDescription(ctx context.Context, chatID int64, description string) error {
	return c.withRetry(ctx, "setChatDescription", func(b *bot.Bot) error {
		_, err := b.SetChatDescription(ctx, &bot.SetChatDescriptionParams{ChatID: chatID, Description: description})
		return err
	})
}

// DeleteChatPhoto clears the group avatar.
func (c *BotClient) DeleteChatPhoto(ctx context.Context, chatID int64) error {
	return c.withRetry(ctx, "deleteChatPhoto", func(b *bot.Bot) error {
		_, err := b.DeleteChatPhoto(ctx, &bot.DeleteChatPhotoParams{ChatID: chatID})
		return err
	})
}
