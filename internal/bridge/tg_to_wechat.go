package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/wegram/wegram/internal/correlator"
	"github.com/wegram/wegram/internal/database"
	"github.com/wegram/wegram/internal/media"
	"github.com/wegram/wegram/pkg/wechat"
)

// telethonMatchWindow is the send-time tolerance when pairing a bot-path
// send with the user session's view of the same message.
const (
	telethonMatchWindow = 2 * time.Second
	telethonMatchDepth  = 5
)

// StickerIndex caches the gateway-side md5 of stickers already sent once.
type StickerIndex interface {
	Get(ctx context.Context, fileUniqueID string) (*database.StickerRecord, error)
	Put(ctx context.Context, r *database.StickerRecord) error
}

// OutboundTranslator turns Telegram messages into WeChat sends.
type OutboundTranslator struct {
	gw       Gateway
	tg       BotAPI
	session  Session
	registry Registry
	corr     CorrelatorAPI
	stickers StickerIndex
	voice    *media.VoiceConverter
	stickerc *media.StickerConverter
	metrics  *Metrics
	log      *slog.Logger
}

// OutboundConfig wires the Telegram to WeChat translator.
type OutboundConfig struct {
	Gateway    Gateway
	Bot        BotAPI
	Session    Session
	Registry   Registry
	Correlator CorrelatorAPI
	Stickers   StickerIndex
	Voice      *media.VoiceConverter
	StickerGIF *media.StickerConverter
	Metrics    *Metrics
	Log        *slog.Logger
}

func NewOutboundTranslator(cfg OutboundConfig) *OutboundTranslator {
	return &OutboundTranslator{
		gw:       cfg.Gateway,
		tg:       cfg.Bot,
		session:  cfg.Session,
		registry: cfg.Registry,
		corr:     cfg.Correlator,
		stickers: cfg.Stickers,
		voice:    cfg.Voice,
		stickerc: cfg.StickerGIF,
		metrics:  cfg.Metrics,
		log:      cfg.Log.With("component", "tg-to-wechat"),
	}
}

// suppressed reports messages the bridge must never translate: bot senders
// and administrative chat events.
func suppressed(msg *models.Message) bool {
	if msg.From != nil && msg.From.IsBot {
		return true
	}
	if len(msg.NewChatMembers) > 0 || msg.LeftChatMember != nil {
		return true
	}
	if msg.NewChatTitle != "" || len(msg.NewChatPhoto) > 0 || msg.DeleteChatPhoto {
		return true
	}
	if msg.PinnedMessage != nil || msg.GroupChatCreated {
		return true
	}
	return false
}

// Handle bridges one Telegram message into WeChat. Commands are expected to
// be routed away before this is called.
func (t *OutboundTranslator) Handle(ctx context.Context, msg *models.Message) {
	if suppressed(msg) {
		return
	}
	start := time.Now()
	if err := t.handle(ctx, msg); err != nil {
		t.metrics.IncrMessagesFailed()
		t.log.Error("outbound bridging failed", "chat_id", msg.Chat.ID, "msg_id", msg.ID, "error", err)
		return
	}
	t.metrics.ObserveTgToWeChatLatency(time.Since(start))
}

func (t *OutboundTranslator) handle(ctx context.Context, msg *models.Message) error {
	contact, err := t.registry.GetByChatID(ctx, msg.Chat.ID)
	if err != nil {
		return fmt.Errorf("registry lookup chat %d: %w", msg.Chat.ID, err)
	}
	if contact == nil {
		// unbound chats are not bridged
		return nil
	}

	res, content, kind, err := t.translate(ctx, msg, contact)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	t.metrics.IncrMessagesSent()
	t.metrics.IncrMessagesByType("tg_to_wechat", kind)

	rec := correlator.Record{
		TgMsgID:     msg.ID,
		FromWxid:    t.gw.Wxid(),
		ToWxid:      contact.Wxid,
		WxMsgID:     res.NewMsgID,
		ClientMsgID: res.ClientMsgID,
		CreateTime:  res.CreateTime,
		Content:     content,
	}
	if err := t.corr.Put(rec); err != nil {
		return fmt.Errorf("correlate send: %w", err)
	}
	t.captureTelethonID(msg, content)
	return nil
}

// captureTelethonID pairs the just-sent message with the user session's
// message id so owner-side deletes can be correlated later.
func (t *OutboundTranslator) captureTelethonID(msg *models.Message, content string) {
	if t.session == nil {
		return
	}
	own, err := t.session.RecentOwnMessages(msg.Chat.ID, telethonMatchDepth)
	if err != nil {
		t.log.Debug("telethon correlation unavailable", "chat_id", msg.Chat.ID, "error", err)
		return
	}
	sent := int64(msg.Date)
	for _, m := range own {
		if d := m.Date - sent; d > int64(telethonMatchWindow/time.Second) || d < -int64(telethonMatchWindow/time.Second) {
			continue
		}
		if content != "" && m.Text != "" && m.Text != content {
			continue
		}
		if err := t.corr.SetTelethonID(msg.ID, m.ID); err != nil {
			t.log.Warn("telethon id store failed", "tg_msg_id", msg.ID, "error", err)
		}
		return
	}
}

func (t *OutboundTranslator) translate(ctx context.Context, msg *models.Message, contact *database.Contact) (*wechat.SendResult, string, string, error) {
	toWxid := contact.Wxid

	switch {
	case msg.Location != nil:
		label, poi := "", ""
		if msg.Venue != nil {
			label, poi = msg.Venue.Address, msg.Venue.Title
		}
		res, err := t.gw.SendLocation(ctx, toWxid, msg.Location.Latitude, msg.Location.Longitude, label, poi)
		return res, "", "location", err

	case len(msg.Photo) > 0:
		return t.sendPhoto(ctx, msg, toWxid)

	case msg.Video != nil:
		return t.sendVideo(ctx, msg, toWxid)

	case msg.Voice != nil:
		return t.sendVoice(ctx, msg, toWxid)

	case msg.Sticker != nil:
		return t.sendSticker(ctx, msg, toWxid)

	case msg.Document != nil:
		return t.sendDocument(ctx, msg, toWxid)

	case msg.Text != "":
		return t.sendText(ctx, msg, toWxid)

	default:
		return nil, "", "", nil
	}
}

func (t *OutboundTranslator) sendText(ctx context.Context, msg *models.Message, toWxid string) (*wechat.SendResult, string, string, error) {
	text := msg.Text

	// the sender tag of a forwarded-looking message is bridge furniture,
	// not content
	if len(msg.Entities) > 0 && msg.Entities[0].Type == models.MessageEntityTypeExpandableBlockquote && msg.Entities[0].Offset == 0 {
		cut := msg.Entities[0].Length
		if cut < len(text) {
			text = strings.TrimPrefix(text[cut:], "\n")
		}
	}

	// reply threading takes precedence over link rendering
	if msg.ReplyToMessage != nil {
		rec, err := t.corr.TgToWx(msg.ReplyToMessage.ID)
		if err == nil {
			quoted := msg.ReplyToMessage.Text
			xml := wechat.BuildQuoteAppMsg(wechat.CollapseEmoji(text), rec.WxMsgID, rec.FromWxid, quoted)
			res, serr := t.gw.SendApp(ctx, toWxid, xml, int(wechat.AppMsgQuote))
			return res, text, "quote", serr
		}
		// uncorrelated reply degrades to plain text
	}

	for _, e := range msg.Entities {
		if e.Type == models.MessageEntityTypeURL || e.Type == models.MessageEntityTypeTextLink {
			url := e.URL
			if url == "" && e.Offset+e.Length <= len(text) {
				url = text[e.Offset : e.Offset+e.Length]
			}
			title := strings.SplitN(text, "\n", 2)[0]
			xml := wechat.BuildLinkAppMsg(title, text, url)
			res, err := t.gw.SendApp(ctx, toWxid, xml, int(wechat.AppMsgLink))
			return res, text, "link", err
		}
	}

	res, err := t.gw.SendText(ctx, toWxid, wechat.CollapseEmoji(text))
	return res, text, "text", err
}

func (t *OutboundTranslator) sendPhoto(ctx context.Context, msg *models.Message, toWxid string) (*wechat.SendResult, string, string, error) {
	best := msg.Photo[len(msg.Photo)-1]
	data, _, err := t.tg.DownloadFile(ctx, best.FileID)
	if err != nil {
		return nil, "", "", fmt.Errorf("download photo: %w", err)
	}
	t.metrics.IncrMediaUploaded()
	res, err := t.gw.SendImage(ctx, toWxid, base64.StdEncoding.EncodeToString(data))
	return res, msg.Caption, "image", err
}

func (t *OutboundTranslator) sendVideo(ctx context.Context, msg *models.Message, toWxid string) (*wechat.SendResult, string, string, error) {
	data, _, err := t.tg.DownloadFile(ctx, msg.Video.FileID)
	if err != nil {
		return nil, "", "", fmt.Errorf("download video: %w", err)
	}
	thumbB64 := placeholderThumbB64
	if msg.Video.Thumbnail != nil {
		if tdata, _, terr := t.tg.DownloadFile(ctx, msg.Video.Thumbnail.FileID); terr == nil {
			thumbB64 = base64.StdEncoding.EncodeToString(tdata)
		}
	}
	t.metrics.IncrMediaUploaded()
	res, err := t.gw.SendVideo(ctx, toWxid, base64.StdEncoding.EncodeToString(data), thumbB64, msg.Video.Duration)
	return res, msg.Caption, "video", err
}

func (t *OutboundTranslator) sendVoice(ctx context.Context, msg *models.Message, toWxid string) (*wechat.SendResult, string, string, error) {
	ogg, _, err := t.tg.DownloadFile(ctx, msg.Voice.FileID)
	if err != nil {
		return nil, "", "", fmt.Errorf("download voice: %w", err)
	}
	silk, err := t.voice.OggToSilk(ogg)
	if err != nil {
		return nil, "", "", fmt.Errorf("voice transcode: %w", err)
	}
	t.metrics.IncrMediaUploaded()
	res, err := t.gw.SendVoice(ctx, toWxid, base64.StdEncoding.EncodeToString(silk), msg.Voice.Duration*1000)
	return res, "", "voice", err
}

func (t *OutboundTranslator) sendSticker(ctx context.Context, msg *models.Message, toWxid string) (*wechat.SendResult, string, string, error) {
	st := msg.Sticker

	// once a sticker has passed through the gateway its md5 re-sends for
	// free
	if rec, err := t.stickers.Get(ctx, st.FileUniqueID); err == nil && rec != nil {
		res, serr := t.gw.SendEmoji(ctx, toWxid, rec.EmojiMD5, rec.EmojiLen)
		return res, "", "sticker", serr
	}

	data, filePath, err := t.tg.DownloadFile(ctx, st.FileID)
	if err != nil {
		return nil, "", "", fmt.Errorf("download sticker: %w", err)
	}
	gif, err := t.stickerc.ToGIF(data, path.Ext(filePath))
	if err != nil {
		// unconvertible stickers degrade to a text hint
		t.log.Debug("sticker conversion failed", "file_unique_id", st.FileUniqueID, "error", err)
		res, serr := t.gw.SendText(ctx, toWxid, "["+st.Emoji+"]")
		return res, "", "sticker", serr
	}
	t.metrics.IncrMediaUploaded()
	res, err := t.gw.SendEmojiData(ctx, toWxid, base64.StdEncoding.EncodeToString(gif))
	return res, "", "sticker", err
}

func (t *OutboundTranslator) sendDocument(ctx context.Context, msg *models.Message, toWxid string) (*wechat.SendResult, string, string, error) {
	data, _, err := t.tg.DownloadFile(ctx, msg.Document.FileID)
	if err != nil {
		return nil, "", "", fmt.Errorf("download document: %w", err)
	}
	t.metrics.IncrMediaUploaded()
	res, err := t.gw.UploadFile(ctx, toWxid, msg.Document.FileName, base64.StdEncoding.EncodeToString(data))
	return res, msg.Caption, "file", err
}

// placeholderThumbB64 is a 1x1 grey JPEG used when a video carries no
// thumbnail; the gateway rejects videos without one.
var placeholderThumbB64 = base64.StdEncoding.EncodeToString([]byte{
	0xff, 0xd8, 0xff, 0xdb, 0x00, 0x43, 0x00, 0x08, 0x06, 0x06, 0x07, 0x06, 0x05, 0x08, 0x07, 0x07,
	0x07, 0x09, 0x09, 0x08, 0x0a, 0x0c, 0x14, 0x0d, 0x0c, 0x0b, 0x0b, 0x0c, 0x19, 0x12, 0x13, 0x0f,
	0x14, 0x1d, 0x1a, 0x1f, 0x1e, 0x1d, 0x1a, 0x1c, 0x1c, 0x20, 0x24, 0x2e, 0x27, 0x20, 0x22, 0x2c,
	0x23, 0x1c, 0x1c, 0x28, 0x37, 0x29, 0x2c, 0x30, 0x31, 0x34, 0x34, 0x34, 0x1f, 0x27, 0x39, 0x3d,
	0x38, 0x32, 0x3c, 0x2e, 0x33, 0x34, 0x32, 0xff, 0xc0, 0x00, 0x0b, 0x08, 0x00, 0x01, 0x00, 0x01,
	0x01, 0x01, 0x11, 0x00, 0xff, 0xc4, 0x00, 0x1f, 0x00, 0x00, 0x01, 0x05, 0x01, 0x01, 0x01, 0x01,
	0x01, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
	0x07, 0x08, 0x09, 0x0a, 0x0b, 0xff, 0xc4, 0x00, 0xb5, 0x10, 0x00, 0x02, 0x01, 0x03, 0x03, 0x02,
	0x04, 0x03, 0x05, 0x05, 0x04, 0x04, 0x00, 0x00, 0x01, 0x7d, 0x01, 0x02, 0x03, 0x00, 0x04, 0x11,
	0x05, 0x12, 0x21, 0x31, 0x41, 0x06, 0x13, 0x51, 0x61, 0x07, 0x22, 0x71, 0x14, 0x32, 0x81, 0x91,
	0xa1, 0x08, 0x23, 0x42, 0xb1, 0xc1, 0x15, 0x52, 0xd1, 0xf0, 0x24, 0x33, 0x62, 0x72, 0x82, 0x09,
	0x0a, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x25, 0x26, 0x27, 0x28, 0x29, 0x2a, 0x34, 0x35, 0x36, 0x37,
	0x38, 0x39, 0x3a, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49, 0x4a, 0x53, 0x54, 0x55, 0x56, 0x57,
	0x58, 0x59, 0x5a, 0x63, 0x64, 0x65, 0x66, 0x67, 0x68, 0x69, 0x6a, 0x73, 0x74, 0x75, 0x76, 0x77,
	0x78, 0x79, 0x7a, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88, 0x89, 0x8a, 0x92, 0x93, 0x94, 0x95, 0x96,
	0x97, 0x98, 0x99, 0x9a, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7, 0xa8, 0xa9, 0xaa, 0xb2, 0xb3, 0xb4,
	0xb5, 0xb6, 0xb7, 0xb8, 0xb9, 0xba, 0xc2, 0xc3, 0xc4, 0xc5, 0xc6, 0xc7, 0xc8, 0xc9, 0xca, 0xd2,
	0xd3, 0xd4, 0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda, 0xe1, 0xe2, 0xe3, 0xe4, 0xe5, 0xe6, 0xe7, 0xe8,
	0xe9, 0xea, 0xf1, 0xf2, 0xf3, 0xf4, 0xf5, 0xf6, 0xf7, 0xf8, 0xf9, 0xfa, 0xff, 0xda, 0x00, 0x08,
	0x01, 0x01, 0x00, 0x00, 0x3f, 0x00, 0xfb, 0xd0, 0xff, 0xd9,
})
