package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

// awaitTimeout bounds cross-goroutine calls into the session loop.
const awaitTimeout = 30 * time.Second

// ErrSessionBusy is returned when the session loop cannot accept or finish
// a request within the await window.
var ErrSessionBusy = errors.New("user session busy")

// supergroupOffset converts between MTProto channel ids and Bot API chat
// ids (-100XXXXXXXXXX).
const supergroupOffset = int64(-1000000000000)

// UserEvent is a user-originated message observed in a mirror group: the
// account owner typed into Telegram directly, so the bot never saw it.
type UserEvent struct {
	BotChatID int64
	MessageID int
	Message   *tg.Message
	Edited    bool
}

// DeleteEvent reports message ids the account owner deleted.
type DeleteEvent struct {
	// BotChatID is zero for basic-group deletes, which carry no peer.
	BotChatID  int64
	MessageIDs []int
}

// UserClientConfig configures the MTProto session.
type UserClientConfig struct {
	AppID       int
	AppHash     string
	Phone       string
	SessionFile string
	DeviceModel string
	Log         *slog.Logger

	// OnUserMessage and OnDelete receive observed account activity.
	OnUserMessage func(ev UserEvent)
	OnDelete      func(ev DeleteEvent)
}

// UserClient owns a phone-number MTProto session. All Telegram calls run on
// the session goroutine; other goroutines submit closures and await them.
type UserClient struct {
	cfg UserClientConfig
	log *slog.Logger

	client     *telegram.Client
	dispatcher tg.UpdateDispatcher
	requests   chan func(ctx context.Context, api *tg.Client) error
	ready      chan struct{}

	mu       sync.Mutex
	selfID   int64
	chanHash map[int64]int64 // channel id -> access hash
}

// NewUserClient wires the dispatcher but does not connect; Run does.
func NewUserClient(cfg UserClientConfig) *UserClient {
	u := &UserClient{
		cfg:      cfg,
		log:      cfg.Log.With("component", "user-client"),
		requests: make(chan func(ctx context.Context, api *tg.Client) error, 16),
		ready:    make(chan struct{}),
		chanHash: map[int64]int64{},
	}
	u.dispatcher = tg.NewUpdateDispatcher()
	u.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateNewMessage) error {
		u.rememberEntities(e)
		u.observeMessage(upd.Message, false)
		return nil
	})
	u.dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateNewChannelMessage) error {
		u.rememberEntities(e)
		u.observeMessage(upd.Message, false)
		return nil
	})
	u.dispatcher.OnEditMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateEditMessage) error {
		u.rememberEntities(e)
		u.observeMessage(upd.Message, true)
		return nil
	})
	u.dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateEditChannelMessage) error {
		u.rememberEntities(e)
		u.observeMessage(upd.Message, true)
		return nil
	})
	u.dispatcher.OnDeleteMessages(func(ctx context.Context, e tg.Entities, upd *tg.UpdateDeleteMessages) error {
		if u.cfg.OnDelete != nil && len(upd.Messages) > 0 {
			u.cfg.OnDelete(DeleteEvent{MessageIDs: upd.Messages})
		}
		return nil
	})
	u.dispatcher.OnDeleteChannelMessages(func(ctx context.Context, e tg.Entities, upd *tg.UpdateDeleteChannelMessages) error {
		if u.cfg.OnDelete != nil && len(upd.Messages) > 0 {
			u.cfg.OnDelete(DeleteEvent{
				BotChatID:  supergroupOffset - upd.ChannelID,
				MessageIDs: upd.Messages,
			})
		}
		return nil
	})
	u.client = telegram.NewClient(cfg.AppID, cfg.AppHash, telegram.Options{
		SessionStorage: &telegram.FileSessionStorage{Path: cfg.SessionFile},
		UpdateHandler:  u.dispatcher,
		Device: telegram.DeviceConfig{
			DeviceModel: cfg.DeviceModel,
		},
	})
	return u
}

func (u *UserClient) rememberEntities(e tg.Entities) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id, ch := range e.Channels {
		u.chanHash[id] = ch.AccessHash
	}
}

// observeMessage forwards messages the account owner sent from a regular
// Telegram client. Bot-originated and inbound traffic is ignored here.
func (u *UserClient) observeMessage(m tg.MessageClass, edited bool) {
	if u.cfg.OnUserMessage == nil {
		return
	}
	msg, ok := m.(*tg.Message)
	if !ok || !msg.Out {
		return
	}
	chatID, ok := botChatID(msg.PeerID)
	if !ok {
		return
	}
	u.cfg.OnUserMessage(UserEvent{
		BotChatID: chatID,
		MessageID: msg.ID,
		Message:   msg,
		Edited:    edited,
	})
}

// botChatID converts a group peer to Bot API addressing; user peers are not
// bridged.
func botChatID(p tg.PeerClass) (int64, bool) {
	switch v := p.(type) {
	case *tg.PeerChat:
		return -v.ChatID, true
	case *tg.PeerChannel:
		return supergroupOffset - v.ChannelID, true
	default:
		return 0, false
	}
}

type codePrompt struct{}

func (codePrompt) Code(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
	fmt.Print("login code: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(code), nil
}

// Run connects, authenticates if needed, then serves submitted requests
// until ctx is cancelled.
func (u *UserClient) Run(ctx context.Context) error {
	return u.client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(auth.CodeOnly(u.cfg.Phone, codePrompt{}), auth.SendCodeOptions{})
		if err := u.client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("user session auth: %w", err)
		}
		self, err := u.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("fetch self: %w", err)
		}
		u.mu.Lock()
		u.selfID = self.ID
		u.mu.Unlock()
		u.log.Info("user session online", "user_id", self.ID)
		close(u.ready)

		api := u.client.API()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case fn := <-u.requests:
				if err := fn(ctx, api); err != nil {
					u.log.Error("session request failed", "error", err)
				}
			}
		}
	})
}

// Ready closes once the session is authenticated.
func (u *UserClient) Ready() <-chan struct{} { return u.ready }

// submit runs fn on the session goroutine and waits for it.
func (u *UserClient) submit(fn func(ctx context.Context, api *tg.Client) error) error {
	done := make(chan error, 1)
	wrapped := func(ctx context.Context, api *tg.Client) error {
		err := fn(ctx, api)
		done <- err
		return err
	}
	select {
	case u.requests <- wrapped:
	case <-time.After(awaitTimeout):
		return fmt.Errorf("submit: %w", ErrSessionBusy)
	}
	select {
	case err := <-done:
		return err
	case <-time.After(awaitTimeout):
		return fmt.Errorf("await: %w", ErrSessionBusy)
	}
}

// inputPeer addresses a Bot API chat id for MTProto calls.
func (u *UserClient) inputPeer(botID int64) (tg.InputPeerClass, error) {
	if botID <= supergroupOffset {
		channelID := supergroupOffset - botID
		u.mu.Lock()
		hash, ok := u.chanHash[channelID]
		u.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no access hash for channel %d", channelID)
		}
		return &tg.InputPeerChannel{ChannelID: channelID, AccessHash: hash}, nil
	}
	if botID < 0 {
		return &tg.InputPeerChat{ChatID: -botID}, nil
	}
	return &tg.InputPeerUser{UserID: botID}, nil
}

// resolveBot turns the bot's username into an input user.
func resolveBot(ctx context.Context, api *tg.Client, username string) (*tg.InputUser, error) {
	res, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
		Username: strings.TrimPrefix(username, "@"),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", username, err)
	}
	for _, uc := range res.Users {
		if user, ok := uc.(*tg.User); ok && user.Bot {
			return &tg.InputUser{UserID: user.ID, AccessHash: user.AccessHash}, nil
		}
	}
	return nil, fmt.Errorf("resolve %s: no bot user in response", username)
}

// CreateMirrorGroup creates a basic group containing only the bot, promotes
// the bot to admin, and returns the Bot API chat id. Avatar and folder
// placement are separate calls so their failures stay non-fatal.
func (u *UserClient) CreateMirrorGroup(title, botUsername string) (int64, error) {
	var chatID int64
	err := u.submit(func(ctx context.Context, api *tg.Client) error {
		botUser, err := resolveBot(ctx, api, botUsername)
		if err != nil {
			return err
		}
		invited, err := api.MessagesCreateChat(ctx, &tg.MessagesCreateChatRequest{
			Users: []tg.InputUserClass{botUser},
			Title: title,
		})
		if err != nil {
			return fmt.Errorf("create chat %q: %w", title, err)
		}
		id, ok := chatIDFromUpdates(invited.Updates)
		if !ok {
			// some server responses omit the chat; fall back to a dialog scan
			id, err = u.findChatByTitle(ctx, api, title)
			if err != nil {
				return fmt.Errorf("locate created chat %q: %w", title, err)
			}
		}
		if _, err := api.MessagesEditChatAdmin(ctx, &tg.MessagesEditChatAdminRequest{
			ChatID:  id,
			UserID:  botUser,
			IsAdmin: true,
		}); err != nil {
			return fmt.Errorf("promote bot in %d: %w", id, err)
		}
		chatID = -id
		return nil
	})
	return chatID, err
}

func chatIDFromUpdates(upd tg.UpdatesClass) (int64, bool) {
	var chats []tg.ChatClass
	switch v := upd.(type) {
	case *tg.Updates:
		chats = v.Chats
	case *tg.UpdatesCombined:
		chats = v.Chats
	default:
		return 0, false
	}
	for _, c := range chats {
		if chat, ok := c.(*tg.Chat); ok {
			return chat.ID, true
		}
	}
	return 0, false
}

// findChatByTitle scans recent dialogs for an exact title match.
func (u *UserClient) findChatByTitle(ctx context.Context, api *tg.Client, title string) (int64, error) {
	res, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return 0, fmt.Errorf("get dialogs: %w", err)
	}
	var chats []tg.ChatClass
	switch v := res.(type) {
	case *tg.MessagesDialogs:
		chats = v.Chats
	case *tg.MessagesDialogsSlice:
		chats = v.Chats
	default:
		return 0, fmt.Errorf("unexpected dialogs type %T", res)
	}
	for _, c := range chats {
		if chat, ok := c.(*tg.Chat); ok && chat.Title == title {
			return chat.ID, nil
		}
	}
	return 0, fmt.Errorf("no dialog titled %q", title)
}

// SetGroupPhoto uploads avatar bytes as the group photo.
func (u *UserClient) SetGroupPhoto(botChatID int64, avatar []byte) error {
	return u.submit(func(ctx context.Context, api *tg.Client) error {
		file, err := uploader.NewUploader(api).FromBytes(ctx, "avatar.jpg", avatar)
		if err != nil {
			return fmt.Errorf("upload avatar: %w", err)
		}
		p, err := u.inputPeer(botChatID)
		if err != nil {
			return err
		}
		photo := &tg.InputChatUploadedPhoto{}
		photo.SetFile(file)
		switch v := p.(type) {
		case *tg.InputPeerChat:
			_, err = api.MessagesEditChatPhoto(ctx, &tg.MessagesEditChatPhotoRequest{
				ChatID: v.ChatID,
				Photo:  photo,
			})
		case *tg.InputPeerChannel:
			_, err = api.ChannelsEditPhoto(ctx, &tg.ChannelsEditPhotoRequest{
				Channel: &tg.InputChannel{ChannelID: v.ChannelID, AccessHash: v.AccessHash},
				Photo:   photo,
			})
		default:
			return fmt.Errorf("peer %T cannot take a photo", p)
		}
		if err != nil {
			return fmt.Errorf("edit chat photo: %w", err)
		}
		return nil
	})
}

// MoveToFolder puts the chat into the dialog folder with the given title,
// creating the folder when absent.
func (u *UserClient) MoveToFolder(botChatID int64, folderTitle string) error {
	return u.submit(func(ctx context.Context, api *tg.Client) error {
		target, err := u.inputPeer(botChatID)
		if err != nil {
			return err
		}
		res, err := api.MessagesGetDialogFilters(ctx)
		if err != nil {
			return fmt.Errorf("get dialog filters: %w", err)
		}

		maxID := 1
		var existing *tg.DialogFilter
		for _, fc := range res.Filters {
			f, ok := fc.(*tg.DialogFilter)
			if !ok {
				// the default filter carries no title and cannot hold chats
				continue
			}
			if f.ID > maxID {
				maxID = f.ID
			}
			if f.Title.Text == folderTitle {
				existing = f
			}
		}

		var filter *tg.DialogFilter
		if existing != nil {
			for _, p := range existing.IncludePeers {
				if samePeer(p, target) {
					return nil
				}
			}
			existing.IncludePeers = append(existing.IncludePeers, target)
			filter = existing
		} else {
			filter = &tg.DialogFilter{
				ID:           maxID + 1,
				Title:        tg.TextWithEntities{Text: folderTitle},
				Groups:       true,
				IncludePeers: []tg.InputPeerClass{target},
			}
		}
		req := &tg.MessagesUpdateDialogFilterRequest{ID: filter.ID}
		req.SetFilter(filter)
		if _, err := api.MessagesUpdateDialogFilter(ctx, req); err != nil {
			return fmt.Errorf("update dialog filter %q: %w", folderTitle, err)
		}
		return nil
	})
}

// OwnMessage is a compact view of a message the account owner sent,
// used for send-time correlation.
type OwnMessage struct {
	ID   int
	Date int64
	Text string
}

// RecentOwnMessages returns the newest owner-sent messages in a chat,
// newest first, up to limit.
func (u *UserClient) RecentOwnMessages(botChatID int64, limit int) ([]OwnMessage, error) {
	var out []OwnMessage
	err := u.submit(func(ctx context.Context, api *tg.Client) error {
		p, err := u.inputPeer(botChatID)
		if err != nil {
			return err
		}
		res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:  p,
			Limit: limit * 3,
		})
		if err != nil {
			return fmt.Errorf("get history: %w", err)
		}
		var msgs []tg.MessageClass
		switch v := res.(type) {
		case *tg.MessagesMessages:
			msgs = v.Messages
		case *tg.MessagesMessagesSlice:
			msgs = v.Messages
		case *tg.MessagesChannelMessages:
			msgs = v.Messages
		default:
			return fmt.Errorf("unexpected history type %T", res)
		}
		for _, mc := range msgs {
			m, ok := mc.(*tg.Message)
			if !ok || !m.Out {
				continue
			}
			out = append(out, OwnMessage{ID: m.ID, Date: int64(m.Date), Text: m.Message})
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func samePeer(a, b tg.InputPeerClass) bool {
	switch av := a.(type) {
	case *tg.InputPeerChat:
		bv, ok := b.(*tg.InputPeerChat)
		return ok && av.ChatID == bv.ChatID
	case *tg.InputPeerChannel:
		bv, ok := b.(*tg.InputPeerChannel)
		return ok && av.ChannelID == bv.ChannelID
	case *tg.InputPeerUser:
		bv, ok := b.(*tg.InputPeerUser)
		return ok && av.UserID == bv.UserID
	default:
		return false
	}
}

// DeleteMessages removes messages as the account owner. Used when a WeChat
// peer revokes something the user client mirrored.
func (u *UserClient) DeleteMessages(botChatID int64, ids []int) error {
	return u.submit(func(ctx context.Context, api *tg.Client) error {
		p, err := u.inputPeer(botChatID)
		if err != nil {
			return err
		}
		if ch, ok := p.(*tg.InputPeerChannel); ok {
			_, err = api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
				Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
				ID:      ids,
			})
		} else {
			_, err = api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
				Revoke: true,
				ID:     ids,
			})
		}
		if err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
}
