package wechat

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wegram/wegram/pkg/wechat"
)

// SessionMonitor watches the gateway session: a heartbeat probes liveness,
// the "用户可能退出" control message flips state immediately, and secondary
// login is attempted with exponential backoff until the session is back.
type SessionMonitor struct {
	mu     sync.Mutex
	log    *slog.Logger
	client *Client
	state  sessionState
	stopCh chan struct{}

	heartbeatInterval time.Duration
	baseBackoff       time.Duration
	maxBackoff        time.Duration

	onOnline  func()
	onOffline func()

	reconnectCount int
	lastOnline     time.Time
	lastOffline    time.Time
}

type sessionState int

const (
	sessionOnline sessionState = iota
	sessionOffline
	sessionRecovering
	sessionStopped
)

// MonitorConfig configures a SessionMonitor.
type MonitorConfig struct {
	Client            *Client
	Log               *slog.Logger
	HeartbeatInterval time.Duration // default: 30s
	BaseBackoff       time.Duration // default: 2s
	MaxBackoff        time.Duration // default: 5min

	// OnOnline fires when the session is established or recovered.
	OnOnline func()
	// OnOffline fires when the session is lost.
	OnOffline func()
}

// NewSessionMonitor creates a monitor; Start begins probing.
func NewSessionMonitor(cfg MonitorConfig) *SessionMonitor {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &SessionMonitor{
		log:               cfg.Log.With("component", "session-monitor"),
		client:            cfg.Client,
		state:             sessionOnline,
		stopCh:            make(chan struct{}),
		heartbeatInterval: cfg.HeartbeatInterval,
		baseBackoff:       cfg.BaseBackoff,
		maxBackoff:        cfg.MaxBackoff,
		onOnline:          cfg.OnOnline,
		onOffline:         cfg.OnOffline,
	}
}

// Start begins the heartbeat loop.
func (m *SessionMonitor) Start() {
	go m.heartbeatLoop()
}

// Stop ends monitoring.
func (m *SessionMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == sessionStopped {
		return
	}
	m.state = sessionStopped
	close(m.stopCh)
}

// Online reports whether the session is currently believed alive.
func (m *SessionMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == sessionOnline
}

// HandleControlMessage inspects the envelope's Message field. The logged-out
// notice flips the session offline without waiting for the next heartbeat.
// Returns true when the envelope was a control message and carries no
// bridgeable payload.
func (m *SessionMonitor) HandleControlMessage(message string) bool {
	switch message {
	case wechat.SyncOK, "":
		return false
	case wechat.SyncMaybeLoggedOut:
		m.log.Warn("gateway reports possible logout")
		m.markOffline()
		return true
	default:
		m.log.Debug("unrecognized control message", "message", message)
		return false
	}
}

func (m *SessionMonitor) markOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != sessionOnline {
		return
	}
	m.state = sessionOffline
	m.lastOffline = time.Now()
	if m.onOffline != nil {
		go m.onOffline()
	}
	go m.recoverWithBackoff()
}

func (m *SessionMonitor) heartbeatLoop() {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *SessionMonitor) probe() {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != sessionOnline {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.client.Heartbeat(ctx); err != nil {
		m.log.Warn("heartbeat failed", "error", err)
		m.markOffline()
	}
}

// recoverWithBackoff retries secondary login until it succeeds or the
// monitor is stopped.
func (m *SessionMonitor) recoverWithBackoff() {
	m.mu.Lock()
	if m.state != sessionOffline {
		m.mu.Unlock()
		return
	}
	m.state = sessionRecovering
	attempt := 0
	m.mu.Unlock()

	for {
		backoff := m.backoff(attempt)
		m.log.Info("attempting secondary login", "attempt", attempt+1, "backoff", backoff)
		select {
		case <-m.stopCh:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := m.client.TwiceLogin(ctx)
		cancel()

		if err == nil {
			m.log.Info("session recovered", "attempt", attempt+1)
			m.mu.Lock()
			m.state = sessionOnline
			m.lastOnline = time.Now()
			m.reconnectCount++
			m.mu.Unlock()
			if m.onOnline != nil {
				m.onOnline()
			}
			return
		}

		m.log.Error("secondary login failed", "attempt", attempt+1, "error", err)
		attempt++
	}
}

func (m *SessionMonitor) backoff(attempt int) time.Duration {
	d := float64(m.baseBackoff) * math.Pow(2, float64(attempt))
	if d > float64(m.maxBackoff) {
		d = float64(m.maxBackoff)
	}
	// jitter 75%-125%
	jitter := 0.75 + 0.5*float64(time.Now().UnixNano()%1000)/1000.0
	return time.Duration(d * jitter)
}

// TriggerLogin forces a secondary login attempt now (the /login command).
func (m *SessionMonitor) TriggerLogin(ctx context.Context) error {
	err := m.client.TwiceLogin(ctx)
	if err == nil {
		m.mu.Lock()
		m.state = sessionOnline
		m.lastOnline = time.Now()
		m.mu.Unlock()
	}
	return err
}

// SessionStats reports monitor state for the health endpoint.
type SessionStats struct {
	Online         bool
	ReconnectCount int
	LastOnline     time.Time
	LastOffline    time.Time
}

// Stats snapshots the monitor.
func (m *SessionMonitor) Stats() SessionStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SessionStats{
		Online:         m.state == sessionOnline,
		ReconnectCount: m.reconnectCount,
		LastOnline:     m.lastOnline,
		LastOffline:    m.lastOffline,
	}
}
