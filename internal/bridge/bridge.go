package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/sync/errgroup"

	"github.com/wegram/wegram/internal/config"
	"github.com/wegram/wegram/internal/correlator"
	"github.com/wegram/wegram/internal/database"
	"github.com/wegram/wegram/internal/ingress"
	"github.com/wegram/wegram/internal/locale"
	"github.com/wegram/wegram/internal/media"
	"github.com/wegram/wegram/internal/telegram"
	wxclient "github.com/wegram/wegram/internal/wechat"
	"github.com/wegram/wegram/pkg/wechat"
)

// Bridge owns the full component graph and its lifecycle.
type Bridge struct {
	cfg *config.Config
	log *slog.Logger

	db      *database.Database
	corr    *correlator.Correlator
	gw      *wxclient.Client
	monitor *wxclient.SessionMonitor
	botc    *telegram.BotClient
	user    *telegram.UserClient
	metrics *Metrics
	loc     *locale.Table

	voice      *media.VoiceConverter
	stickerGIF *media.StickerConverter

	dispatcher *Dispatcher
	inbound    *InboundTranslator
	outbound   *OutboundTranslator
	commands   *Commands
	prov       *Provisioner

	// ownerChatID is the owner's DM chat with the bot, learned from the
	// first private message. Session notices go there.
	ownerChatID atomic.Int64
}

// New builds the bridge's infrastructure layer. The translation layer needs
// the bot's username and is finished inside Run.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Bridge, error) {
	db, err := database.New(cfg.Database.URI, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	corr, err := correlator.New(cfg.Bridge.MsgIDDir, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open correlator: %w", err)
	}

	voice, err := media.NewVoiceConverter(cfg.Media.FFmpegPath, cfg.Media.SilkDecoder, cfg.Media.SilkEncoder, cfg.Media.CacheDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init voice converter: %w", err)
	}

	botc, err := telegram.NewBotClient(cfg.Telegram.BotToken, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bot client: %w", err)
	}

	b := &Bridge{
		cfg:        cfg,
		log:        log.With("component", "bridge"),
		db:         db,
		corr:       corr,
		botc:       botc,
		metrics:    NewMetrics(),
		loc:        locale.ForLanguage(cfg.Bridge.Lang),
		voice:      voice,
		stickerGIF: media.NewStickerConverter(voice),
	}

	b.gw = wxclient.NewClient(wxclient.Config{
		BaseURL:      cfg.WeChat.BaseURL,
		Wxid:         cfg.WeChat.Wxid,
		SendInterval: time.Duration(cfg.WeChat.SendIntervalMs) * time.Millisecond,
		CacheDir:     cfg.Media.CacheDir,
		Logger:       log,
	})

	b.user = telegram.NewUserClient(telegram.UserClientConfig{
		AppID:       cfg.Telegram.APIID,
		AppHash:     cfg.Telegram.APIHash,
		Phone:       cfg.Telegram.PhoneNumber,
		SessionFile: cfg.Telegram.SessionFile,
		DeviceModel: cfg.WeChat.DeviceModel,
		Log:         log,
		OnDelete:    b.onOwnerDelete,
	})

	b.monitor = wxclient.NewSessionMonitor(wxclient.MonitorConfig{
		Client:    b.gw,
		Log:       log,
		OnOnline:  func() { b.onSessionState(true) },
		OnOffline: func() { b.onSessionState(false) },
	})
	return b, nil
}

// Run wires the translation layer and drives all components until the
// context is cancelled or one of them fails.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.user.Run(ctx) })
	select {
	case <-b.user.Ready():
	case <-ctx.Done():
		return g.Wait()
	}

	me, err := b.botc.Me(ctx)
	if err != nil {
		return fmt.Errorf("identify bot: %w", err)
	}
	b.log.Info("bot identified", "username", me.Username)
	b.wire(me.Username)

	b.monitor.Start()
	defer b.monitor.Stop()
	defer b.dispatcher.Close()

	switch b.cfg.Ingress.Mode {
	case config.ModeCallback:
		srv := ingress.NewCallbackServer(b.cfg.Ingress.CallbackPort, b.cfg.WeChat.Wxid, b.handleEnvelope, b.log)
		g.Go(func() error { return srv.Run(ctx) })
	case config.ModeQueue:
		q := ingress.NewQueueConsumer(b.cfg.Ingress.RabbitURL, b.cfg.WeChat.Wxid, b.handleEnvelopeErr, b.log)
		g.Go(func() error { return q.Run(ctx) })
	case config.ModeWs:
		ws := ingress.NewWsSource(b.cfg.Ingress.WsURL, b.cfg.WeChat.Wxid, b.handleEnvelope, b.log)
		g.Go(func() error { return ws.Run(ctx) })
	}

	runner := telegram.NewUpdateRunner(b.cfg.Telegram.BotToken, b.onUpdate, b.log)
	if b.cfg.Telegram.Mode == config.TgWebhook {
		g.Go(func() error {
			return runner.RunWebhook(ctx, telegram.WebhookOptions{
				Domain:   b.cfg.Telegram.WebhookDomain,
				Port:     b.cfg.Telegram.WebhookPort,
				CertFile: b.cfg.Telegram.SSLCertName,
				KeyFile:  b.cfg.Telegram.SSLKeyName,
			})
		})
	} else {
		g.Go(func() error { return runner.RunPolling(ctx) })
	}

	if b.cfg.Metrics.Enabled {
		g.Go(func() error { return b.serveMetrics(ctx) })
	}

	b.log.Info("bridge running",
		"wxid", b.cfg.WeChat.Wxid,
		"ingress", b.cfg.Ingress.Mode,
		"tg_mode", b.cfg.Telegram.Mode)
	err = g.Wait()
	b.db.Close()
	return err
}

// wire finishes the component graph once the bot username is known.
func (b *Bridge) wire(botUsername string) {
	b.prov = NewProvisioner(ProvisionerConfig{
		Gateway:       b.gw,
		Session:       b.user,
		Registry:      b.db.Contact,
		Metrics:       b.metrics,
		Log:           b.log,
		BotUsername:   botUsername,
		ChatFolder:    b.cfg.Telegram.ChatFolder,
		OfficalFolder: b.cfg.Telegram.OfficialFolder,
	})

	b.inbound = NewInboundTranslator(InboundConfig{
		Gateway:     b.gw,
		Bot:         b.botc,
		Registry:    b.db.Contact,
		Members:     b.db.GroupMember,
		Correlator:  b.corr,
		Provisioner: b.prov,
		Voice:       b.voice,
		Photos: media.PhotoPolicy{
			MaxRatio:  b.cfg.Media.MaxRatio,
			MaxSizeMB: b.cfg.Media.MaxSizeMB,
		},
		Metrics:     b.metrics,
		Log:         b.log,
		MyWxid:      b.cfg.WeChat.Wxid,
		Blacklisted: b.cfg.IsBlacklisted,
		AutoCreate:  b.cfg.Bridge.AutoCreateGroups,
	})

	b.outbound = NewOutboundTranslator(OutboundConfig{
		Gateway:    b.gw,
		Bot:        b.botc,
		Session:    b.user,
		Registry:   b.db.Contact,
		Correlator: b.corr,
		Stickers:   b.db.Sticker,
		Voice:      b.voice,
		StickerGIF: b.stickerGIF,
		Metrics:    b.metrics,
		Log:        b.log,
	})

	b.commands = NewCommands(CommandsConfig{
		Gateway:     b.gw,
		Bot:         b.botc,
		Registry:    b.db.Contact,
		Correlator:  b.corr,
		Provisioner: b.prov,
		Locale:      b.loc,
		Metrics:     b.metrics,
		Log:         b.log,
	})

	b.dispatcher = NewDispatcher(DispatcherConfig{
		MyWxid:        b.cfg.WeChat.Wxid,
		DedupCapacity: b.cfg.Ingress.DedupCapacity,
		Translate:     b.inbound.Translate,
		OnControl: func(offline bool) {
			if offline {
				b.monitor.HandleControlMessage(wechat.SyncMaybeLoggedOut)
			}
		},
		Metrics: b.metrics,
		Log:     b.log,
	})
}

func (b *Bridge) handleEnvelope(env *wechat.SyncEnvelope) { b.dispatcher.HandleEnvelope(env) }

func (b *Bridge) handleEnvelopeErr(env *wechat.SyncEnvelope) error {
	return b.dispatcher.HandleEnvelopeErr(env)
}

// onUpdate routes one Bot API update: commands to the command surface,
// everything else to the outbound translator.
func (b *Bridge) onUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	if msg.Chat.Type == models.ChatTypePrivate && msg.From != nil && !msg.From.IsBot {
		b.ownerChatID.Store(msg.Chat.ID)
	}
	if IsCommand(msg) {
		b.commands.Dispatch(ctx, msg)
		return
	}
	b.outbound.Handle(ctx, msg)
}

// onOwnerDelete receives message deletions observed by the user session and
// revokes the correlated WeChat copies.
func (b *Bridge) onOwnerDelete(ev telegram.DeleteEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b.commands.HandleUserDeletes(ctx, ev.MessageIDs)
}

// onSessionState notifies the owner's DM about gateway state changes.
func (b *Bridge) onSessionState(online bool) {
	b.metrics.SetGatewayOnline(online)
	if !online {
		b.metrics.IncrReconnectAttempts()
	}
	chatID := b.ownerChatID.Load()
	if chatID == 0 {
		return
	}
	token := locale.Offline
	if online {
		token = locale.Online
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.botc.SendText(ctx, chatID, b.loc.T(token), 0); err != nil {
		b.log.Warn("session notice failed", "online", online, "error", err)
	}
}

func (b *Bridge) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", b.metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		st := b.monitor.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"wechat_online":   st.Online,
			"reconnect_count": st.ReconnectCount,
		})
	})
	srv := &http.Server{
		Addr:              b.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	b.log.Info("metrics listening", "addr", b.cfg.Metrics.Listen)
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}
