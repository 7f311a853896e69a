package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/wegram/wegram/pkg/wechat"
)

// wsReadDeadline bounds how long we wait for any frame before treating the
// connection as dead. The gateway pushes heartbeats well inside this window.
const wsReadDeadline = 90 * time.Second

// WsSource is the push-mode ingress: a long-lived websocket to the gateway
// carrying sync envelopes as JSON text frames.
type WsSource struct {
	url    string
	wxid   string
	handle EnvelopeHandler
	log    *slog.Logger
}

// NewWsSource builds the websocket source; Run starts it.
func NewWsSource(url, wxid string, handle EnvelopeHandler, log *slog.Logger) *WsSource {
	return &WsSource{
		url:    url,
		wxid:   wxid,
		handle: handle,
		log:    log.With("component", "ws-source"),
	}
}

// Run reads until ctx is cancelled, redialing with backoff when the
// connection drops.
func (s *WsSource) Run(ctx context.Context) error {
	bo := redialBackoff()
	return backoff.Retry(func() error {
		start := time.Now()
		err := s.readOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// a connection that held for a while earns a fresh backoff
		if time.Since(start) > time.Minute {
			bo.Reset()
		}
		s.log.Error("websocket lost", "error", err)
		return err
	}, backoff.WithContext(bo, ctx))
}

func (s *WsSource) readOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	s.log.Info("websocket connected", "url", s.url)

	// unblock ReadJSON when ctx is cancelled
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadDeadline)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		var env wechat.SyncEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if env.Wxid != "" && env.Wxid != s.wxid {
			s.log.Warn("frame for unexpected wxid", "wxid", env.Wxid)
			continue
		}
		if env.Wxid == "" {
			env.Wxid = s.wxid
		}
		s.handle(&env)
	}
}
