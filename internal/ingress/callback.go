package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wegram/wegram/pkg/wechat"
)

// maxCallbackBody caps the sync-callback payload at 5 MiB.
const maxCallbackBody = 5 << 20

// EnvelopeHandler consumes one decoded sync envelope. Errors are the
// handler's to surface; the callback path has already answered the gateway.
type EnvelopeHandler func(env *wechat.SyncEnvelope)

// CallbackServer is the push-mode ingress: the gateway POSTs sync batches
// and expects an immediate acknowledgement, before any processing.
type CallbackServer struct {
	wxid   string
	handle EnvelopeHandler
	log    *slog.Logger
	srv    *http.Server
}

// NewCallbackServer builds the server; Run starts it.
func NewCallbackServer(port int, wxid string, handle EnvelopeHandler, log *slog.Logger) *CallbackServer {
	s := &CallbackServer{
		wxid:   wxid,
		handle: handle,
		log:    log.With("component", "callback-server"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/msg/SyncMessage/", s.handleSync)
	mux.HandleFunc("/health", s.handleHealth)
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *CallbackServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("callback server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("callback server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func cors(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *CallbackServer) handleSync(w http.ResponseWriter, r *http.Request) {
	cors(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wxid := strings.TrimPrefix(r.URL.Path, "/msg/SyncMessage/")
	if wxid != s.wxid {
		s.log.Warn("callback for unexpected wxid", "wxid", wxid)
		http.NotFound(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBody)
	var env wechat.SyncEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.log.Warn("rejecting callback body", "error", err)
		http.Error(w, `{"success":false,"message":"bad request"}`, http.StatusBadRequest)
		return
	}
	if env.Wxid == "" {
		env.Wxid = wxid
	}

	// acknowledge before processing so the gateway does not retry
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"success":true,"message":"received %d"}`, len(env.Data.AddMsgs))

	go s.handle(&env)
}

func (s *CallbackServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"healthy"}`)
}
