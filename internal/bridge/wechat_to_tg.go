package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/wegram/wegram/internal/correlator"
	"github.com/wegram/wegram/internal/database"
	"github.com/wegram/wegram/internal/media"
	"github.com/wegram/wegram/internal/telegram"
	"github.com/wegram/wegram/pkg/wechat"
)

// sysmsg variants the bridge knowingly ignores.
var sysmsgBlacklist = map[string]bool{
	"open_chat":      true,
	"bizlivenotify":  true,
	"qy_chat_update": true,
	"74":             true,
}

// MemberCache resolves chatroom member display names, backed by the
// database with the gateway as authority.
type MemberCache interface {
	Get(ctx context.Context, chatroomID string) (*wechat.ChatroomInfo, bool, error)
	Put(ctx context.Context, info *wechat.ChatroomInfo) error
}

// CorrelatorAPI is the message-id correlation surface the translators use.
type CorrelatorAPI interface {
	Put(rec correlator.Record) error
	SetTelethonID(tgMsgID, telethonMsgID int) error
	TgToWx(tgMsgID int) (*correlator.Record, error)
	WxToTg(wxMsgID int64) (int, error)
	TelethonToWx(telethonMsgID int) (*correlator.Record, error)
}

// ProvisionerAPI creates mirror groups on demand.
type ProvisionerAPI interface {
	Provision(ctx context.Context, wxid string) (*database.Contact, error)
}

// InboundTranslator turns WeChat AddMsgs into Telegram messages.
type InboundTranslator struct {
	gw        Gateway
	tg        BotAPI
	registry  Registry
	members   MemberCache
	corr      CorrelatorAPI
	prov      ProvisionerAPI
	voice     *media.VoiceConverter
	photos    media.PhotoPolicy
	metrics   *Metrics
	log       *slog.Logger
	myWxid    string
	blacklist func(wxid string) bool
	autoGroup bool
}

// InboundConfig wires the WeChat to Telegram translator.
type InboundConfig struct {
	Gateway     Gateway
	Bot         BotAPI
	Registry    Registry
	Members     MemberCache
	Correlator  CorrelatorAPI
	Provisioner ProvisionerAPI
	Voice       *media.VoiceConverter
	Photos      media.PhotoPolicy
	Metrics     *Metrics
	Log         *slog.Logger
	MyWxid      string
	Blacklisted func(wxid string) bool
	AutoCreate  bool
}

func NewInboundTranslator(cfg InboundConfig) *InboundTranslator {
	t := &InboundTranslator{
		gw:        cfg.Gateway,
		tg:        cfg.Bot,
		registry:  cfg.Registry,
		members:   cfg.Members,
		corr:      cfg.Correlator,
		prov:      cfg.Provisioner,
		voice:     cfg.Voice,
		photos:    cfg.Photos,
		metrics:   cfg.Metrics,
		log:       cfg.Log.With("component", "wechat-to-tg"),
		myWxid:    cfg.MyWxid,
		blacklist: cfg.Blacklisted,
		autoGroup: cfg.AutoCreate,
	}
	if t.blacklist == nil {
		t.blacklist = func(string) bool { return false }
	}
	return t
}

// Translate bridges one AddMsg. It is invoked on the per-contact worker, so
// messages from one conversation arrive here strictly in order.
func (t *InboundTranslator) Translate(ctx context.Context, msg *wechat.AddMsg) {
	start := time.Now()
	if err := t.translate(ctx, msg); err != nil {
		t.metrics.IncrMessagesFailed()
		t.log.Error("bridging failed", "msg_id", msg.MsgID, "type", msg.MsgType.String(), "error", err)
		return
	}
	t.metrics.ObserveWeChatToTgLatency(time.Since(start))
}

func (t *InboundTranslator) translate(ctx context.Context, msg *wechat.AddMsg) error {
	peerWxid := msg.From()
	selfSent := peerWxid == t.myWxid
	if selfSent {
		// own sends echo back with the peer in ToUserName
		peerWxid = msg.To()
	}
	if t.blacklist(peerWxid) {
		t.metrics.IncrBlacklistDropped()
		return nil
	}

	contact, err := t.lookupOrProvision(ctx, peerWxid)
	if err != nil {
		return err
	}
	if contact == nil || !contact.IsReceive || !contact.Bound() {
		return nil
	}

	senderLine := ""
	if contact.IsGroup && !selfSent {
		senderWxid, _ := msg.GroupContent()
		senderLine = t.resolveSender(ctx, peerWxid, senderWxid)
	}

	sent, err := t.deliver(ctx, msg, contact, senderLine, selfSent)
	if errors.Is(err, telegram.ErrChatGone) {
		// the mirror group was deleted externally: forget the binding and
		// provision a fresh group, once
		t.log.Warn("mirror group gone, recreating", "wxid", peerWxid, "chat_id", contact.ChatID)
		if derr := t.registry.Delete(ctx, peerWxid); derr != nil {
			return fmt.Errorf("drop stale binding: %w", derr)
		}
		contact, err = t.lookupOrProvision(ctx, peerWxid)
		if err != nil || contact == nil || !contact.Bound() {
			return fmt.Errorf("recreate mirror group: %w", err)
		}
		sent, err = t.deliver(ctx, msg, contact, senderLine, selfSent)
	}
	if err != nil {
		return err
	}
	if sent != nil {
		t.metrics.IncrMessagesBridged()
		t.metrics.IncrMessagesByType("wechat_to_tg", msg.MsgType.String())
		return t.corr.Put(correlator.Record{
			TgMsgID:    sent.ID,
			FromWxid:   msg.From(),
			ToWxid:     msg.To(),
			WxMsgID:    msg.NewMsgID,
			CreateTime: msg.CreateTime,
			Content:    string(msg.Content),
		})
	}
	return nil
}

func (t *InboundTranslator) lookupOrProvision(ctx context.Context, wxid string) (*database.Contact, error) {
	contact, err := t.registry.Get(ctx, wxid)
	if err != nil {
		return nil, fmt.Errorf("registry lookup %s: %w", wxid, err)
	}
	if contact != nil {
		return contact, nil
	}
	if !t.autoGroup {
		return nil, nil
	}
	contact, err = t.prov.Provision(ctx, wxid)
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", wxid, err)
	}
	return contact, nil
}

// resolveSender fetches the in-group display name, using the 2h member
// cache and refreshing from the gateway on miss.
func (t *InboundTranslator) resolveSender(ctx context.Context, chatroomID, senderWxid string) string {
	if senderWxid == "" {
		return ""
	}
	info, fresh, err := t.members.Get(ctx, chatroomID)
	if err != nil {
		t.log.Warn("member cache read failed", "chatroom", chatroomID, "error", err)
	}
	if info == nil || !fresh {
		live, gerr := t.gw.GroupMember(ctx, chatroomID)
		if gerr != nil {
			t.log.Warn("member fetch failed", "chatroom", chatroomID, "error", gerr)
		} else {
			info = live
			if perr := t.members.Put(ctx, live); perr != nil {
				t.log.Warn("member cache write failed", "chatroom", chatroomID, "error", perr)
			}
		}
	}
	if info == nil {
		return senderWxid
	}
	return info.DisplayNameOf(senderWxid)
}

// withSender prefixes the collapsed-quote sender line for group chats.
func withSender(senderLine, body string) string {
	if senderLine == "" {
		return telegram.EscapeHTML(body)
	}
	return fmt.Sprintf("<blockquote expandable>%s</blockquote>\n%s",
		htmlEscape(senderLine), htmlEscape(body))
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func htmlEscape(s string) string { return htmlReplacer.Replace(s) }

func (t *InboundTranslator) deliver(ctx context.Context, msg *wechat.AddMsg, contact *database.Contact, senderLine string, selfSent bool) (*models.Message, error) {
	chatID := contact.ChatID
	_, content := msg.GroupContent()

	switch msg.MsgType {
	case wechat.MsgText:
		text := wechat.ExpandAliases(content)
		return t.tg.SendText(ctx, chatID, withSender(senderLine, text), 0)

	case wechat.MsgImage:
		return t.sendImage(ctx, msg, chatID, content, senderLine)

	case wechat.MsgVoice:
		return t.sendVoice(ctx, msg, chatID, content, senderLine)

	case wechat.MsgVideo:
		return t.sendVideo(ctx, msg, chatID, content, senderLine)

	case wechat.MsgEmoji:
		return t.sendSticker(ctx, chatID, content, senderLine)

	case wechat.MsgLocation:
		loc, err := wechat.ParseLocation(content)
		if err != nil {
			return nil, err
		}
		if loc.Label != "" || loc.PoiName != "" {
			return t.tg.SendVenue(ctx, chatID, loc.X, loc.Y, loc.PoiName, loc.Label)
		}
		return t.tg.SendLocation(ctx, chatID, loc.X, loc.Y)

	case wechat.MsgApp:
		return t.sendApp(ctx, msg, chatID, content, senderLine)

	case wechat.MsgVoIP:
		return t.tg.SendText(ctx, chatID, withSender(senderLine, "[voice/video call]"), 0)

	case wechat.MsgSysNotif:
		return t.sendSystem(ctx, msg, chatID, content)

	case wechat.MsgSystem:
		// join/leave notices etc. are visible but unattributed
		return t.tg.SendText(ctx, chatID, withSender("", content), 0)

	default:
		t.log.Debug("unhandled message type dropped", "type", int(msg.MsgType), "msg_id", msg.MsgID)
		return nil, nil
	}
}

func (t *InboundTranslator) sendImage(ctx context.Context, msg *wechat.AddMsg, chatID int64, content, senderLine string) (*models.Message, error) {
	info, err := wechat.ParseImage(content)
	if err != nil {
		return nil, err
	}
	_, data, err := t.gw.DownloadImage(ctx, msg, info)
	if err != nil {
		t.log.Warn("image download failed, sending placeholder", "msg_id", msg.MsgID, "error", err)
		return t.tg.SendText(ctx, chatID, withSender(senderLine, "[image]"), 0)
	}
	t.metrics.IncrMediaDownloaded()
	caption := ""
	if senderLine != "" {
		caption = fmt.Sprintf("<blockquote expandable>%s</blockquote>", htmlEscape(senderLine))
	}
	upload := Upload{Name: info.MD5 + ".jpg", Data: data}
	// extreme aspect ratios and oversized images survive only as documents
	if t.photos.SendAsDocument(data) {
		return t.tg.SendDocument(ctx, chatID, upload, caption, 0)
	}
	return t.tg.SendPhoto(ctx, chatID, upload, caption, 0)
}

func (t *InboundTranslator) sendVoice(ctx context.Context, msg *wechat.AddMsg, chatID int64, content, senderLine string) (*models.Message, error) {
	info, err := wechat.ParseVoice(content)
	if err != nil {
		return nil, err
	}
	_, silk, err := t.gw.DownloadVoice(ctx, msg, info)
	if err != nil {
		t.log.Warn("voice download failed, sending placeholder", "msg_id", msg.MsgID, "error", err)
		return t.tg.SendText(ctx, chatID, withSender(senderLine, "[voice]"), 0)
	}
	t.metrics.IncrMediaDownloaded()
	ogg, err := t.voice.SilkToOgg(silk)
	if err != nil {
		return nil, fmt.Errorf("voice transcode: %w", err)
	}
	caption := ""
	if senderLine != "" {
		caption = fmt.Sprintf("<blockquote expandable>%s</blockquote>", htmlEscape(senderLine))
	}
	durationSec := (info.VoiceLength + 999) / 1000
	return t.tg.SendVoice(ctx, chatID, Upload{Name: "voice.ogg", Data: ogg}, durationSec, caption, 0)
}

func (t *InboundTranslator) sendVideo(ctx context.Context, msg *wechat.AddMsg, chatID int64, content, senderLine string) (*models.Message, error) {
	info, err := wechat.ParseVideo(content)
	if err != nil {
		return nil, err
	}
	_, data, err := t.gw.DownloadVideo(ctx, msg, info)
	if err != nil {
		t.log.Warn("video download failed, sending placeholder", "msg_id", msg.MsgID, "error", err)
		return t.tg.SendText(ctx, chatID, withSender(senderLine, "[video]"), 0)
	}
	t.metrics.IncrMediaDownloaded()
	caption := ""
	if senderLine != "" {
		caption = fmt.Sprintf("<blockquote expandable>%s</blockquote>", htmlEscape(senderLine))
	}
	return t.tg.SendVideo(ctx, chatID, Upload{Name: info.MD5 + ".mp4", Data: data}, nil, info.PlayLength, caption, 0)
}

func (t *InboundTranslator) sendSticker(ctx context.Context, chatID int64, content, senderLine string) (*models.Message, error) {
	info, err := wechat.ParseEmoji(content)
	if err != nil {
		return nil, err
	}
	_, data, err := t.gw.DownloadEmoji(ctx, info)
	if err != nil {
		return t.tg.SendText(ctx, chatID, withSender(senderLine, "[sticker]"), 0)
	}
	t.metrics.IncrMediaDownloaded()
	caption := ""
	if senderLine != "" {
		caption = fmt.Sprintf("<blockquote expandable>%s</blockquote>", htmlEscape(senderLine))
	}
	return t.tg.SendAnimation(ctx, chatID, Upload{Name: info.MD5 + ".gif", Data: data}, caption, 0)
}

func (t *InboundTranslator) sendApp(ctx context.Context, msg *wechat.AddMsg, chatID int64, content, senderLine string) (*models.Message, error) {
	app, err := wechat.ParseAppMessage(content)
	if err != nil {
		return nil, err
	}
	switch app.Type {
	case wechat.AppMsgLink:
		return t.tg.SendText(ctx, chatID, linkBlock(senderLine, app), 0)

	case wechat.AppMsgFile:
		if app.Attach == nil {
			return nil, fmt.Errorf("file appmsg without appattach")
		}
		_, data, err := t.gw.DownloadFile(ctx, app.Attach, app.Title)
		if err != nil {
			t.log.Warn("file download failed, sending placeholder", "msg_id", msg.MsgID, "error", err)
			return t.tg.SendText(ctx, chatID, withSender(senderLine, "[file] "+app.Title), 0)
		}
		t.metrics.IncrMediaDownloaded()
		caption := ""
		if senderLine != "" {
			caption = fmt.Sprintf("<blockquote expandable>%s</blockquote>", htmlEscape(senderLine))
		}
		return t.tg.SendDocument(ctx, chatID, Upload{Name: app.Title, Data: data}, caption, 0)

	case wechat.AppMsgChatHistory:
		return t.tg.SendText(ctx, chatID, historyBlock(senderLine, app), 0)

	case wechat.AppMsgMiniProgram:
		text := app.Title
		if app.MiniProgram != nil && app.MiniProgram.SourceName != "" {
			text = fmt.Sprintf("[mini-program] %s\n%s", app.MiniProgram.SourceName, app.Title)
		}
		return t.tg.SendText(ctx, chatID, withSender(senderLine, text), 0)

	case wechat.AppMsgChannel:
		text := "[video channel]"
		if app.Channel != nil {
			text = fmt.Sprintf("[video channel] %s\n%s", app.Channel.Nickname, app.Channel.Description)
		}
		return t.tg.SendText(ctx, chatID, withSender(senderLine, text), 0)

	case wechat.AppMsgNote:
		return t.tg.SendText(ctx, chatID, withSender(senderLine, "[group note] "+app.Title), 0)

	case wechat.AppMsgQuote:
		return t.sendQuote(ctx, chatID, app, senderLine)

	case wechat.AppMsgTransfer:
		amount := ""
		if app.Transfer != nil {
			amount = app.Transfer.FeeDesc
		}
		return t.tg.SendText(ctx, chatID, withSender(senderLine, "[transfer] "+amount), 0)

	default:
		t.log.Debug("unhandled appmsg type dropped", "app_type", int(app.Type), "msg_id", msg.MsgID)
		return nil, nil
	}
}

// sendQuote resolves the quoted WeChat message to its Telegram mirror and
// replies to it.
func (t *InboundTranslator) sendQuote(ctx context.Context, chatID int64, app *wechat.AppMessage, senderLine string) (*models.Message, error) {
	replyTo := 0
	if app.Quote != nil {
		if id, err := t.corr.WxToTg(app.Quote.SvrID); err == nil {
			replyTo = id
		}
	}
	return t.tg.SendText(ctx, chatID, withSender(senderLine, app.Title), replyTo)
}

func (t *InboundTranslator) sendSystem(ctx context.Context, msg *wechat.AddMsg, chatID int64, content string) (*models.Message, error) {
	sys, err := wechat.ParseSysMessage(content)
	if err != nil {
		return nil, err
	}
	switch {
	case sys.Revoke != nil:
		return t.handleRevoke(ctx, msg, chatID, sys.Revoke)
	case sys.Pat != nil:
		text := wechat.ExpandPatTemplate(sys.Pat.Template, func(wxid string) string {
			return t.resolveSender(ctx, msg.From(), wxid)
		})
		return t.tg.SendText(ctx, chatID, withSender("", text), 0)
	default:
		if !sysmsgBlacklist[sys.Kind] {
			t.log.Debug("unhandled sysmsg dropped", "kind", sys.Kind, "msg_id", msg.MsgID)
		}
		return nil, nil
	}
}

// handleRevoke mirrors an inbound WeChat revocation as a reply to the
// original Telegram message. The original stays visible.
func (t *InboundTranslator) handleRevoke(ctx context.Context, msg *wechat.AddMsg, chatID int64, rev *wechat.RevokeNotice) (*models.Message, error) {
	sender, _ := msg.GroupContent()
	if sender == t.myWxid || msg.From() == t.myWxid {
		// own revocations are already visible to the user
		return nil, nil
	}
	replyTo, err := t.corr.WxToTg(rev.NewMsgID)
	if err != nil {
		t.log.Warn("revoked message not correlated", "newmsgid", rev.NewMsgID)
		replyTo = 0
	}
	text := rev.ReplaceMsg
	if text == "" {
		text = "[message revoked]"
	}
	t.metrics.IncrRevokes()
	return t.tg.SendText(ctx, chatID, withSender("", text), replyTo)
}

// linkBlock renders a type-5 link share, including any published-article
// list from official accounts.
func linkBlock(senderLine string, app *wechat.AppMessage) string {
	var b strings.Builder
	if senderLine != "" {
		fmt.Fprintf(&b, "<blockquote expandable>%s</blockquote>\n", htmlEscape(senderLine))
	}
	if len(app.Articles) > 0 {
		for i, art := range app.Articles {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "<a href=%q>%s</a>", art.URL, htmlEscape(art.Title))
			if art.Digest != "" {
				b.WriteString("\n")
				b.WriteString(htmlEscape(art.Digest))
			}
		}
		return b.String()
	}
	fmt.Fprintf(&b, "<a href=%q>%s</a>", app.URL, htmlEscape(app.Title))
	if app.Desc != "" {
		b.WriteString("\n")
		b.WriteString(htmlEscape(app.Desc))
	}
	return b.String()
}

// historyBlock renders a forwarded chat-history bundle as an expandable
// quote of its entries.
func historyBlock(senderLine string, app *wechat.AppMessage) string {
	var b strings.Builder
	if senderLine != "" {
		fmt.Fprintf(&b, "<blockquote expandable>%s</blockquote>\n", htmlEscape(senderLine))
	}
	b.WriteString(htmlEscape(app.Title))
	if len(app.History) > 0 {
		b.WriteString("\n<blockquote expandable>")
		for i, item := range app.History {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "%s %s: %s", htmlEscape(item.SourceTime), htmlEscape(item.SourceName), htmlEscape(item.DataDesc))
		}
		b.WriteString("</blockquote>")
	}
	return b.String()
}
