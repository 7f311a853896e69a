package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/wegram/wegram/internal/database"
	"github.com/wegram/wegram/internal/locale"
)

// Commands implements the slash-command surface. Every command is gated to
// a scope: a mirror group (a chat bound in the registry) or the bot DM.
type Commands struct {
	gw       Gateway
	tg       BotAPI
	registry Registry
	corr     CorrelatorAPI
	prov     *Provisioner
	loc      *locale.Table
	metrics  *Metrics
	log      *slog.Logger

	// now is swappable in tests
	now func() time.Time
}

// CommandsConfig wires the command surface.
type CommandsConfig struct {
	Gateway     Gateway
	Bot         BotAPI
	Registry    Registry
	Correlator  CorrelatorAPI
	Provisioner *Provisioner
	Locale      *locale.Table
	Metrics     *Metrics
	Log         *slog.Logger
}

func NewCommands(cfg CommandsConfig) *Commands {
	return &Commands{
		gw:       cfg.Gateway,
		tg:       cfg.Bot,
		registry: cfg.Registry,
		corr:     cfg.Correlator,
		prov:     cfg.Provisioner,
		loc:      cfg.Locale,
		metrics:  cfg.Metrics,
		log:      cfg.Log.With("component", "commands"),
		now:      time.Now,
	}
}

// IsCommand reports whether a message should be routed here instead of the
// outbound translator.
func IsCommand(msg *models.Message) bool {
	return msg.Text != "" && strings.HasPrefix(msg.Text, "/")
}

// Dispatch runs one command message. The command message itself is deleted
// after execution.
func (c *Commands) Dispatch(ctx context.Context, msg *models.Message) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	args := fields[1:]

	var err error
	switch name {
	case "update":
		err = c.inMirrorGroup(ctx, msg, c.cmdUpdate)
	case "receive":
		err = c.inMirrorGroup(ctx, msg, c.cmdReceive)
	case "unbind":
		err = c.inMirrorGroup(ctx, msg, func(ctx context.Context, m *models.Message, ct *database.Contact) error {
			return c.cmdUnbind(ctx, m, ct, args)
		})
	case "remark":
		err = c.inMirrorGroup(ctx, msg, func(ctx context.Context, m *models.Message, ct *database.Contact) error {
			return c.cmdRemark(ctx, m, ct, args)
		})
	case "quit":
		err = c.inMirrorGroup(ctx, msg, c.cmdQuit)
	case "rm", "revoke":
		err = c.inMirrorGroup(ctx, msg, c.cmdRevoke)
	case "timer":
		err = c.inMirrorGroup(ctx, msg, func(ctx context.Context, m *models.Message, ct *database.Contact) error {
			return c.cmdTimer(ctx, m, ct, args)
		})
	case "friend":
		err = c.inBotDM(ctx, msg, func(ctx context.Context, m *models.Message) error {
			return c.cmdFriend(ctx, m, args)
		})
	case "add":
		err = c.inBotDM(ctx, msg, func(ctx context.Context, m *models.Message) error {
			return c.cmdAdd(ctx, m, args)
		})
	case "login":
		err = c.inBotDM(ctx, msg, c.cmdLogin)
	default:
		c.log.Debug("unknown command ignored", "command", name)
		return
	}
	if err != nil {
		c.log.Error("command failed", "command", name, "error", err)
		c.reply(ctx, msg, c.loc.T(locale.Failed))
	}
	c.deleteCommand(ctx, msg)
}

// inMirrorGroup runs fn only when the chat is bound in the registry.
func (c *Commands) inMirrorGroup(ctx context.Context, msg *models.Message, fn func(context.Context, *models.Message, *database.Contact) error) error {
	contact, err := c.registry.GetByChatID(ctx, msg.Chat.ID)
	if err != nil {
		return err
	}
	if contact == nil {
		c.reply(ctx, msg, c.loc.T(locale.WrongScope))
		return nil
	}
	return fn(ctx, msg, contact)
}

// inBotDM runs fn only in a private chat with the bot.
func (c *Commands) inBotDM(ctx context.Context, msg *models.Message, fn func(context.Context, *models.Message) error) error {
	if msg.Chat.Type != models.ChatTypePrivate {
		c.reply(ctx, msg, c.loc.T(locale.WrongScope))
		return nil
	}
	return fn(ctx, msg)
}

func (c *Commands) reply(ctx context.Context, msg *models.Message, text string) {
	if _, err := c.tg.SendText(ctx, msg.Chat.ID, text, 0); err != nil {
		c.log.Warn("command reply failed", "chat_id", msg.Chat.ID, "error", err)
	}
}

func (c *Commands) deleteCommand(ctx context.Context, msg *models.Message) {
	if err := c.tg.DeleteMessage(ctx, msg.Chat.ID, msg.ID); err != nil {
		c.log.Debug("command cleanup failed", "chat_id", msg.Chat.ID, "msg_id", msg.ID, "error", err)
	}
}

func (c *Commands) cmdUpdate(ctx context.Context, msg *models.Message, contact *database.Contact) error {
	if _, err := c.prov.Refresh(ctx, c.tg, contact); err != nil {
		return err
	}
	c.reply(ctx, msg, c.loc.T(locale.UpdateDone))
	return nil
}

func (c *Commands) cmdReceive(ctx context.Context, msg *models.Message, contact *database.Contact) error {
	updated, err := c.registry.UpdateByChatID(ctx, msg.Chat.ID, database.ContactPatch{ToggleReceive: true})
	if err != nil {
		return err
	}
	if updated != nil && updated.IsReceive {
		c.reply(ctx, msg, c.loc.T(locale.ReceiveOn))
	} else {
		c.reply(ctx, msg, c.loc.T(locale.ReceiveOff))
	}
	return nil
}

func (c *Commands) cmdUnbind(ctx context.Context, msg *models.Message, contact *database.Contact, args []string) error {
	if len(args) > 0 && args[0] == "del" {
		if err := c.registry.DeleteByChatID(ctx, msg.Chat.ID); err != nil {
			return err
		}
	} else {
		unbound := database.UnboundChatID
		if _, err := c.registry.UpdateByChatID(ctx, msg.Chat.ID, database.ContactPatch{ChatID: &unbound}); err != nil {
			return err
		}
	}
	c.reply(ctx, msg, c.loc.T(locale.Unbind))
	return nil
}

func (c *Commands) cmdRemark(ctx context.Context, msg *models.Message, contact *database.Contact, args []string) error {
	if len(args) == 0 {
		c.reply(ctx, msg, c.loc.T(locale.Failed))
		return nil
	}
	remark := strings.Join(args, " ")
	if err := c.gw.UserRemark(ctx, contact.Wxid, remark); err != nil {
		return err
	}
	if _, err := c.registry.UpdateByChatID(ctx, msg.Chat.ID, database.ContactPatch{WxName: &remark}); err != nil {
		return err
	}
	if err := c.tg.SetChatTitle(ctx, msg.Chat.ID, remark); err != nil {
		c.log.Warn("rename after remark failed", "chat_id", msg.Chat.ID, "error", err)
	}
	c.reply(ctx, msg, c.loc.T(locale.RemarkSet))
	return nil
}

func (c *Commands) cmdQuit(ctx context.Context, msg *models.Message, contact *database.Contact) error {
	if !contact.IsGroup {
		c.reply(ctx, msg, c.loc.T(locale.WrongScope))
		return nil
	}
	if err := c.gw.GroupQuit(ctx, contact.Wxid); err != nil {
		return err
	}
	if err := c.registry.Delete(ctx, contact.Wxid); err != nil {
		return err
	}
	c.reply(ctx, msg, c.loc.T(locale.Done))
	return nil
}

// cmdRevoke recalls the WeChat copy of the replied-to message.
func (c *Commands) cmdRevoke(ctx context.Context, msg *models.Message, contact *database.Contact) error {
	if msg.ReplyToMessage == nil {
		c.reply(ctx, msg, c.loc.T(locale.NoReply))
		return nil
	}
	rec, err := c.corr.TgToWx(msg.ReplyToMessage.ID)
	if err != nil {
		c.reply(ctx, msg, c.loc.T(locale.RevokeNotFound))
		return nil
	}
	if err := c.gw.Revoke(ctx, rec.ToWxid, rec.ClientMsgID, rec.CreateTime, rec.WxMsgID); err != nil {
		c.reply(ctx, msg, c.loc.T(locale.RevokeFailed))
		return nil
	}
	c.metrics.IncrRevokes()
	c.reply(ctx, msg, c.loc.T(locale.Revoked))
	return nil
}

// cmdTimer schedules a single-shot send at HHMM today.
func (c *Commands) cmdTimer(ctx context.Context, msg *models.Message, contact *database.Contact, args []string) error {
	if len(args) < 2 {
		c.reply(ctx, msg, c.loc.T(locale.Failed))
		return nil
	}
	delay, err := untilClockToday(c.now(), args[0])
	if err != nil {
		c.reply(ctx, msg, c.loc.T(locale.Failed))
		return nil
	}
	text := strings.Join(args[1:], " ")
	wxid := contact.Wxid
	time.AfterFunc(delay, func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.gw.SendText(sendCtx, wxid, text); err != nil {
			c.log.Error("timed send failed", "wxid", wxid, "error", err)
		}
	})
	c.reply(ctx, msg, c.loc.T(locale.TimerSet))
	return nil
}

// untilClockToday parses "HHMM" and returns the wait until that wall time
// today; times already past schedule for tomorrow.
func untilClockToday(now time.Time, hhmm string) (time.Duration, error) {
	if len(hhmm) != 4 {
		return 0, fmt.Errorf("want HHMM, got %q", hhmm)
	}
	hour, err := strconv.Atoi(hhmm[:2])
	if err != nil || hour > 23 {
		return 0, fmt.Errorf("bad hour in %q", hhmm)
	}
	minute, err := strconv.Atoi(hhmm[2:])
	if err != nil || minute > 59 {
		return 0, fmt.Errorf("bad minute in %q", hhmm)
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !at.After(now) {
		at = at.Add(24 * time.Hour)
	}
	return at.Sub(now), nil
}

func (c *Commands) cmdFriend(ctx context.Context, msg *models.Message, args []string) error {
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "update":
		profiles, err := c.gw.UserList(ctx)
		if err != nil {
			return err
		}
		saved := 0
		for i := range profiles {
			p := &profiles[i]
			wxid := string(p.UserName)
			if wxid == "" {
				continue
			}
			existing, err := c.registry.Get(ctx, wxid)
			if err != nil {
				return err
			}
			if existing != nil {
				// a refresh must not clobber the binding
				existing.WxName = p.DisplayName()
				existing.AvatarLink = p.AvatarURL()
				if err := c.registry.Save(ctx, existing); err != nil {
					return err
				}
			} else {
				if err := c.registry.Save(ctx, &database.Contact{
					Wxid:       wxid,
					ChatID:     database.UnboundChatID,
					WxName:     p.DisplayName(),
					AvatarLink: p.AvatarURL(),
					IsReceive:  true,
				}); err != nil {
					return err
				}
			}
			saved++
		}
		c.reply(ctx, msg, fmt.Sprintf("%s (%d)", c.loc.T(locale.Done), saved))
		return nil

	case "export":
		data, err := c.registry.Export(ctx)
		if err != nil {
			return err
		}
		_, err = c.tg.SendDocument(ctx, msg.Chat.ID, Upload{Name: "contacts.json", Data: data}, "", 0)
		return err

	case "import":
		if msg.ReplyToMessage == nil || msg.ReplyToMessage.Document == nil {
			c.reply(ctx, msg, c.loc.T(locale.NoReply))
			return nil
		}
		data, _, err := c.tg.DownloadFile(ctx, msg.ReplyToMessage.Document.FileID)
		if err != nil {
			return err
		}
		n, err := c.registry.Import(ctx, data)
		if err != nil {
			return err
		}
		c.reply(ctx, msg, fmt.Sprintf("%s (%d)", c.loc.T(locale.Done), n))
		return nil

	case "":
		stats, err := c.registry.Stats(ctx)
		if err != nil {
			return err
		}
		c.reply(ctx, msg, fmt.Sprintf("total %d, groups %d, personal %d, bound %d, receiving %d",
			stats.Total, stats.Groups, stats.Personal, stats.Bound, stats.Receiving))
		return nil

	default:
		contacts, err := c.registry.SearchByName(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			c.reply(ctx, msg, c.loc.T(locale.Failed))
			return nil
		}
		var b strings.Builder
		for i, ct := range contacts {
			if i >= 50 {
				fmt.Fprintf(&b, "… %d more\n", len(contacts)-i)
				break
			}
			bound := ""
			if ct.Bound() {
				bound = " *"
			}
			fmt.Fprintf(&b, "%s — %s%s\n", ct.WxName, ct.Wxid, bound)
		}
		c.reply(ctx, msg, b.String())
		return nil
	}
}

// cmdAdd searches a contact and sends a friend request.
func (c *Commands) cmdAdd(ctx context.Context, msg *models.Message, args []string) error {
	if len(args) == 0 {
		c.reply(ctx, msg, c.loc.T(locale.Failed))
		return nil
	}
	greeting := ""
	if len(args) > 1 {
		greeting = args[1]
	}
	scene := 3
	if len(args) > 2 {
		if s, err := strconv.Atoi(args[2]); err == nil {
			scene = s
		}
	}
	profile, err := c.gw.UserSearch(ctx, args[0])
	if err != nil {
		return err
	}
	if err := c.gw.UserAdd(ctx, string(profile.UserName), profile.Ticket, greeting, scene); err != nil {
		return err
	}
	c.reply(ctx, msg, fmt.Sprintf("%s: %s", c.loc.T(locale.FriendRequested), profile.DisplayName()))
	return nil
}

func (c *Commands) cmdLogin(ctx context.Context, msg *models.Message) error {
	if err := c.gw.TwiceLogin(ctx); err != nil {
		c.reply(ctx, msg, c.loc.T(locale.TwiceLoginFailed))
		return nil
	}
	c.reply(ctx, msg, c.loc.T(locale.TwiceLoginSuccess))
	return nil
}

// HandleUserDeletes is the user-session delete path: each deleted message
// id that correlates to a WeChat send is revoked there too.
func (c *Commands) HandleUserDeletes(ctx context.Context, ids []int) {
	for _, id := range ids {
		rec, err := c.corr.TelethonToWx(id)
		if err != nil {
			continue
		}
		if err := c.gw.Revoke(ctx, rec.ToWxid, rec.ClientMsgID, rec.CreateTime, rec.WxMsgID); err != nil {
			c.log.Warn("owner-delete revoke failed", "telethon_id", id, "error", err)
			continue
		}
		c.metrics.IncrRevokes()
	}
}
