// Package server exposes the provider webhook and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Fechomap/telnyx-sip-server/internal/provider"
	"github.com/Fechomap/telnyx-sip-server/internal/session"
)

const maxBodyBytes = 1 << 20

// Dispatcher applies one notification. orchestrator.Orchestrator
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, n provider.Notification)
}

// Sessions reports live calls and ends one whose handling failed.
// session.Store satisfies it.
type Sessions interface {
	Len() int
	List() []session.CallSession
	Remove(id string) bool
}

// Server is the HTTP front door. Notifications are acknowledged as soon as
// they validate and are applied afterwards, in arrival order per call.
type Server struct {
	router   *mux.Router
	http     *http.Server
	sessions Sessions
	queue    *serialQueue
	log      *zap.Logger
	cancel   context.CancelFunc
}

// New creates a Server listening on addr.
func New(addr string, d Dispatcher, sessions Sessions, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:   mux.NewRouter(),
		sessions: sessions,
		log:      log,
		cancel:   cancel,
	}
	s.queue = newSerialQueue(func(n provider.Notification) {
		d.Dispatch(ctx, n)
	}, s.recoverCall)

	s.router.Use(s.logRequests)
	s.router.HandleFunc("/webhooks/call-control", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// recoverCall ends the session whose notification panicked. Other calls
// are unaffected.
func (s *Server) recoverCall(n provider.Notification, r any) {
	removed := s.sessions.Remove(n.CallLegID)
	s.log.Error("notification handler panicked, ending call",
		zap.String("call_id", n.CallLegID),
		zap.String("event", n.Type),
		zap.Any("panic", r),
		zap.Bool("removed", removed),
		zap.Stack("stack"))
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for queued notifications to
// be applied, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.queue.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("abandoning queued notifications", zap.Error(ctx.Err()))
	}
	s.cancel()
	return err
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.log.Warn("reading webhook body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	n, err := provider.Parse(body)
	if err != nil {
		s.log.Warn("rejecting malformed notification", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	if !n.Recognized() {
		s.log.Debug("ignoring event type", zap.String("event_type", n.Type))
		return
	}
	s.queue.push(n.CallLegID, n)
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"active_calls"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", ActiveCalls: s.sessions.Len()})
}

type sessionView struct {
	ID              string    `json:"id"`
	Stage           string    `json:"stage"`
	Case            string    `json:"case,omitempty"`
	CasesQueried    int       `json:"cases_queried"`
	CaseAttempts    int       `json:"case_attempts"`
	Collecting      bool      `json:"collecting_digits"`
	TransferAttempt int       `json:"transfer_attempt,omitempty"`
	TransferPhase   string    `json:"transfer_phase,omitempty"`
	Closing         bool      `json:"closing"`
	ActiveTimers    int       `json:"active_timers"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.List()
	out := make([]sessionView, 0, len(list))
	for _, cs := range list {
		v := sessionView{
			ID:             cs.ID,
			Stage:          cs.Stage.String(),
			CasesQueried:   cs.CasesQueried,
			CaseAttempts:   cs.CaseAttempts,
			Collecting:     cs.IsCollectingDigits,
			Closing:        cs.Closing,
			ActiveTimers:   cs.ActiveTimers,
			StartedAt:      cs.StartedAt.UTC(),
			LastActivityAt: cs.LastActivityAt.UTC(),
		}
		if cs.CurrentCase != nil {
			v.Case = cs.CurrentCase.Number
		}
		if cs.Transfer != nil {
			v.TransferAttempt = cs.Transfer.Attempt
			v.TransferPhase = cs.Transfer.Phase.String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
