package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wegram/wegram/internal/database"
	"github.com/wegram/wegram/internal/media"
	"github.com/wegram/wegram/pkg/wechat"
)

// Provisioner creates the Telegram mirror group for a WeChat peer: basic
// group with the bot as sole member and admin, avatar applied, chat filed
// into the right dialog folder, and the binding saved in the registry.
type Provisioner struct {
	gw          Gateway
	session     Session
	registry    Registry
	metrics     *Metrics
	log         *slog.Logger
	botUsername string
	chatFolder  string
	offFolder   string
}

// ProvisionerConfig wires the provisioner.
type ProvisionerConfig struct {
	Gateway       Gateway
	Session       Session
	Registry      Registry
	Metrics       *Metrics
	Log           *slog.Logger
	BotUsername   string
	ChatFolder    string
	OfficalFolder string
}

func NewProvisioner(cfg ProvisionerConfig) *Provisioner {
	return &Provisioner{
		gw:          cfg.Gateway,
		session:     cfg.Session,
		registry:    cfg.Registry,
		metrics:     cfg.Metrics,
		log:         cfg.Log.With("component", "provisioner"),
		botUsername: cfg.BotUsername,
		chatFolder:  cfg.ChatFolder,
		offFolder:   cfg.OfficalFolder,
	}
}

// Provision creates the mirror group and registry row for wxid. Failures
// after group creation leave the group partially configured but still
// usable; the registry insert happens whenever a chat id was obtained.
func (p *Provisioner) Provision(ctx context.Context, wxid string) (*database.Contact, error) {
	if existing, err := p.registry.Get(ctx, wxid); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	name := wxid
	avatarURL := ""
	profile, err := p.gw.UserInfo(ctx, wxid)
	if err != nil {
		p.log.Warn("peer profile unavailable, using wxid as title", "wxid", wxid, "error", err)
	} else {
		if n := profile.DisplayName(); n != "" {
			name = n
		}
		avatarURL = profile.AvatarURL()
	}

	chatID, err := p.session.CreateMirrorGroup(name, p.botUsername)
	if err != nil {
		return nil, fmt.Errorf("create mirror group for %s: %w", wxid, err)
	}
	p.metrics.IncrGroupsCreated()

	if avatarURL != "" {
		if err := p.applyAvatar(ctx, chatID, avatarURL); err != nil {
			p.log.Warn("avatar setup failed", "wxid", wxid, "error", err)
		}
	}
	if err := p.session.MoveToFolder(chatID, p.folderFor(wxid)); err != nil {
		p.log.Warn("folder placement failed", "wxid", wxid, "error", err)
	}

	contact := &database.Contact{
		Wxid:       wxid,
		ChatID:     chatID,
		WxName:     name,
		AvatarLink: avatarURL,
		IsGroup:    wechat.IsChatroom(wxid),
		IsReceive:  true,
	}
	if err := p.registry.Save(ctx, contact); err != nil {
		return nil, fmt.Errorf("save binding for %s: %w", wxid, err)
	}
	p.log.Info("mirror group provisioned", "wxid", wxid, "chat_id", chatID, "name", name)
	return contact, nil
}

// applyAvatar downloads, normalizes to a square JPEG of at least 512px, and
// assigns the group photo.
func (p *Provisioner) applyAvatar(ctx context.Context, chatID int64, avatarURL string) error {
	raw, err := p.gw.FetchURL(ctx, avatarURL)
	if err != nil {
		return fmt.Errorf("fetch avatar: %w", err)
	}
	normalized, err := media.NormalizeAvatar(raw)
	if err != nil {
		return fmt.Errorf("normalize avatar: %w", err)
	}
	if err := p.session.SetGroupPhoto(chatID, normalized); err != nil {
		return fmt.Errorf("set group photo: %w", err)
	}
	return nil
}

// folderFor picks the dialog folder: official accounts go to their own.
func (p *Provisioner) folderFor(wxid string) string {
	if wechat.IsOfficial(strings.TrimSpace(wxid)) {
		return p.offFolder
	}
	return p.chatFolder
}

// Refresh re-fetches peer info and updates the group title, avatar, and
// registry row. Used by the /update command.
func (p *Provisioner) Refresh(ctx context.Context, bot BotAPI, contact *database.Contact) (*database.Contact, error) {
	profile, err := p.gw.UserInfo(ctx, contact.Wxid)
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", contact.Wxid, err)
	}
	name := profile.DisplayName()
	if name == "" {
		name = contact.Wxid
	}
	avatarURL := profile.AvatarURL()

	if name != contact.WxName {
		if err := bot.SetChatTitle(ctx, contact.ChatID, name); err != nil {
			p.log.Warn("rename failed", "wxid", contact.Wxid, "error", err)
		}
	}
	if avatarURL != "" && avatarURL != contact.AvatarLink {
		if raw, ferr := p.gw.FetchURL(ctx, avatarURL); ferr == nil {
			if normalized, nerr := media.NormalizeAvatar(raw); nerr == nil {
				if serr := bot.SetChatPhoto(ctx, contact.ChatID, Upload{Name: "avatar.jpg", Data: normalized}); serr != nil {
					p.log.Warn("avatar update failed", "wxid", contact.Wxid, "error", serr)
				}
			}
		}
	}

	contact.WxName = name
	contact.AvatarLink = avatarURL
	if err := p.registry.Save(ctx, contact); err != nil {
		return nil, fmt.Errorf("update binding %s: %w", contact.Wxid, err)
	}
	return contact, nil
}
