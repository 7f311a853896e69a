// Package bridge contains the translation core: it routes WeChat sync
// messages into Telegram mirror groups and Telegram updates back into
// WeChat sends, keeping both sides correlated for replies and revocations.
package bridge

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot/models"

	"github.com/wegram/wegram/internal/database"
	"github.com/wegram/wegram/internal/ingress"
	"github.com/wegram/wegram/internal/telegram"
	"github.com/wegram/wegram/pkg/wechat"
)

// Gateway is the WeChat-side surface the bridge consumes.
type Gateway interface {
	Wxid() string
	SendText(ctx context.Context, toWxid, content string) (*wechat.SendResult, error)
	SendImage(ctx context.Context, toWxid, b64 string) (*wechat.SendResult, error)
	SendVideo(ctx context.Context, toWxid, b64, thumbB64 string, playLength int) (*wechat.SendResult, error)
	SendVoice(ctx context.Context, toWxid, b64 string, voiceTimeMs int) (*wechat.SendResult, error)
	SendApp(ctx context.Context, toWxid, appXML string, appType int) (*wechat.SendResult, error)
	SendEmoji(ctx context.Context, toWxid, md5 string, totalLen int64) (*wechat.SendResult, error)
	SendEmojiData(ctx context.Context, toWxid, b64 string) (*wechat.SendResult, error)
	SendLocation(ctx context.Context, toWxid string, lat, lon float64, label, poiName string) (*wechat.SendResult, error)
	UploadFile(ctx context.Context, toWxid, fileName, b64 string) (*wechat.SendResult, error)
	Revoke(ctx context.Context, toWxid string, clientMsgID, createTime, newMsgID int64) error
	UserInfo(ctx context.Context, wxid string) (*wechat.ContactProfile, error)
	UserSearch(ctx context.Context, query string) (*wechat.ContactProfile, error)
	UserAdd(ctx context.Context, userName, ticket, greeting string, scene int) error
	UserRemark(ctx context.Context, wxid, remark string) error
	UserList(ctx context.Context) ([]wechat.ContactProfile, error)
	GroupMember(ctx context.Context, chatroomID string) (*wechat.ChatroomInfo, error)
	GroupQuit(ctx context.Context, chatroomID string) error
	TwiceLogin(ctx context.Context) error
	DownloadImage(ctx context.Context, msg *wechat.AddMsg, info *wechat.ImageInfo) (string, []byte, error)
	DownloadVideo(ctx context.Context, msg *wechat.AddMsg, info *wechat.VideoInfo) (string, []byte, error)
	DownloadFile(ctx context.Context, attach *wechat.AttachInfo, title string) (string, []byte, error)
	DownloadVoice(ctx context.Context, msg *wechat.AddMsg, info *wechat.VoiceInfo) (string, []byte, error)
	DownloadEmoji(ctx context.Context, info *wechat.EmojiInfo) (string, []byte, error)
	FetchURL(ctx context.Context, url string) ([]byte, error)
}

// BotAPI is the Bot-API surface the bridge consumes.
type BotAPI interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int) (*models.Message, error)
	SendPhoto(ctx context.Context, chatID int64, photo Upload, caption string, replyTo int) (*models.Message, error)
	SendDocument(ctx context.Context, chatID int64, doc Upload, caption string, replyTo int) (*models.Message, error)
	SendVideo(ctx context.Context, chatID int64, video Upload, thumb *Upload, durationSec int, caption string, replyTo int) (*models.Message, error)
	SendVoice(ctx context.Context, chatID int64, voice Upload, durationSec int, caption string, replyTo int) (*models.Message, error)
	SendAnimation(ctx context.Context, chatID int64, anim Upload, caption string, replyTo int) (*models.Message, error)
	SendSticker(ctx context.Context, chatID int64, fileID string) (*models.Message, error)
	SendLocation(ctx context.Context, chatID int64, lat, lon float64) (*models.Message, error)
	SendVenue(ctx context.Context, chatID int64, lat, lon float64, title, address string) (*models.Message, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
	SetChatTitle(ctx context.Context, chatID int64, title string) error
	SetChatPhoto(ctx context.Context, chatID int64, photo Upload) error
}

// Session is the user-session surface (group creation and owner-side
// deletes).
type Session interface {
	CreateMirrorGroup(title, botUsername string) (int64, error)
	SetGroupPhoto(botChatID int64, avatar []byte) error
	MoveToFolder(botChatID int64, folderTitle string) error
	DeleteMessages(botChatID int64, ids []int) error
	RecentOwnMessages(botChatID int64, limit int) ([]telegram.OwnMessage, error)
}

// Registry is the contact store surface.
type Registry interface {
	Get(ctx context.Context, wxid string) (*database.Contact, error)
	GetByChatID(ctx context.Context, chatID int64) (*database.Contact, error)
	SearchByName(ctx context.Context, query string) ([]*database.Contact, error)
	Save(ctx context.Context, c *database.Contact) error
	Delete(ctx context.Context, wxid string) error
	DeleteByChatID(ctx context.Context, chatID int64) error
	UpdateByChatID(ctx context.Context, chatID int64, p database.ContactPatch) (*database.Contact, error)
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, data []byte) (int, error)
	Stats(ctx context.Context) (*database.ContactStats, error)
}

// Upload aliases the bot client's upload payload so the interfaces above
// read naturally.
type Upload = telegram.Upload

// Dispatcher is the ingress fan-in: control-message handling, dedup,
// system-sender filtering, and per-contact ordered dispatch into the
// translator.
type Dispatcher struct {
	myWxid    string
	dedup     *ingress.DedupCache
	pool      *ingress.Pool
	translate func(ctx context.Context, msg *wechat.AddMsg)
	onControl func(offline bool)
	metrics   *Metrics
	log       *slog.Logger
}

// DispatcherConfig wires the dispatcher.
type DispatcherConfig struct {
	MyWxid        string
	DedupCapacity int
	Translate     func(ctx context.Context, msg *wechat.AddMsg)
	OnControl     func(offline bool)
	Metrics       *Metrics
	Log           *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		myWxid:    cfg.MyWxid,
		dedup:     ingress.NewDedupCache(cfg.DedupCapacity),
		pool:      ingress.NewPool(cfg.Log),
		translate: cfg.Translate,
		onControl: cfg.OnControl,
		metrics:   cfg.Metrics,
		log:       cfg.Log.With("component", "dispatcher"),
	}
}

// HandleEnvelope is the entry point for all three ingress sources.
func (d *Dispatcher) HandleEnvelope(env *wechat.SyncEnvelope) {
	switch env.Message {
	case wechat.SyncOK:
	case wechat.SyncMaybeLoggedOut:
		d.log.Warn("gateway reports possible logout")
		if d.onControl != nil {
			d.onControl(true)
		}
		return
	default:
		// unknown control strings carry no messages worth processing
		if len(env.Data.AddMsgs) == 0 {
			return
		}
	}
	for i := range env.Data.AddMsgs {
		d.handleOne(&env.Data.AddMsgs[i])
	}
}

// HandleEnvelopeErr adapts HandleEnvelope for the broker path, which wants
// an error to drive its ack decision. Envelope-level handling never fails
// once decoded, so this always acks.
func (d *Dispatcher) HandleEnvelopeErr(env *wechat.SyncEnvelope) error {
	d.HandleEnvelope(env)
	return nil
}

func (d *Dispatcher) handleOne(msg *wechat.AddMsg) {
	if msg.From() == wechat.SystemSender {
		return
	}
	msgID := msg.MsgID
	if !d.dedup.Mark(msgID) {
		d.log.Debug("duplicate message dropped", "msg_id", msgID)
		d.metrics.IncrDedupDropped()
		return
	}
	key := msg.From()
	d.metrics.IncrMessagesReceived()
	d.pool.Dispatch(key, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				d.dedup.Remove(msgID)
				d.log.Error("translator panic", "msg_id", msgID, "panic", r)
			}
		}()
		d.translate(ctx, msg)
	})
}

// Close drains the worker pool.
func (d *Dispatcher) Close() { d.pool.Close() }
