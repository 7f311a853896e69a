package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Me fetches the bot's own profile. The username is needed when the user
// session invites the bot into freshly created groups.
func (c *BotClient) Me(ctx context.Context) (*models.User, error) {
	var me *models.User
	err := c.withRetry(ctx, "getMe", func(b *bot.Bot) error {
		var err error
		me, err = b.GetMe(ctx)
		return err
	})
	return me, err
}

// UpdateRunner delivers Bot API updates to a single handler, by long polling
// or by webhook. It holds its own client so a wedged send pool never stalls
// update delivery.
type UpdateRunner struct {
	token   string
	handler bot.HandlerFunc
	log     *slog.Logger
}

// WebhookOptions configures webhook delivery.
type WebhookOptions struct {
	Domain   string
	Port     int
	CertFile string
	KeyFile  string
}

func NewUpdateRunner(token string, handler bot.HandlerFunc, log *slog.Logger) *UpdateRunner {
	return &UpdateRunner{
		token:   token,
		handler: handler,
		log:     log.With("component", "updates"),
	}
}

// RunPolling long-polls until the context is cancelled. A leftover webhook
// registration would make getUpdates fail, so it is cleared first.
func (r *UpdateRunner) RunPolling(ctx context.Context) error {
	b, err := bot.New(r.token, bot.WithSkipGetMe(), bot.WithDefaultHandler(r.handler))
	if err != nil {
		return fmt.Errorf("create polling client: %w", err)
	}
	if _, err := b.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
		r.log.Warn("delete webhook failed", "error", err)
	}
	r.log.Info("polling for updates")
	b.Start(ctx)
	return ctx.Err()
}

// RunWebhook registers the webhook and serves it over TLS until the context
// is cancelled.
func (r *UpdateRunner) RunWebhook(ctx context.Context, opts WebhookOptions) error {
	b, err := bot.New(r.token, bot.WithSkipGetMe(), bot.WithDefaultHandler(r.handler))
	if err != nil {
		return fmt.Errorf("create webhook client: %w", err)
	}

	cert, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return fmt.Errorf("read webhook certificate: %w", err)
	}
	url := fmt.Sprintf("https://%s:%d/webhook", opts.Domain, opts.Port)
	ok, err := b.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:         url,
		Certificate: &models.InputFileUpload{Filename: "cert.pem", Data: newByteReader(cert)},
	})
	if err != nil || !ok {
		return fmt.Errorf("set webhook %s: %w", url, err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           b.WebhookHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServeTLS(opts.CertFile, opts.KeyFile)
	}()
	go b.StartWebhook(ctx)
	r.log.Info("webhook registered", "url", url)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}
