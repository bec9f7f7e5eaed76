// Package api serves the calhubd control API over a Unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/internal/accounts"
	"github.com/sekia-ai/calhub/internal/copyrule"
	"github.com/sekia-ai/calhub/internal/gateway"
	"github.com/sekia-ai/calhub/internal/model"
	"github.com/sekia-ai/calhub/internal/natsserver"
	"github.com/sekia-ai/calhub/internal/store"
	"github.com/sekia-ai/calhub/internal/timezone"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

// ReloadFunc re-reads the daemon configuration.
type ReloadFunc func(ctx context.Context) (protocol.ConfigReloadResponse, error)

// Deps are the components behind the API. History and Reload may be nil.
type Deps struct {
	Accounts  *accounts.Manager
	Gateway   *gateway.Gateway
	Rules     *copyrule.Engine
	Store     *store.Store
	Zone      *timezone.Zone
	History   *natsserver.History
	Reload    ReloadFunc
	StartedAt time.Time
}

// Server serves the control API.
type Server struct {
	socketPath string
	deps       Deps
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates an API server listening on socketPath once started.
func New(socketPath string, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		socketPath: socketPath,
		deps:       deps,
		logger:     logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/activity", s.handleActivity)
	mux.HandleFunc("POST /api/v1/config/reload", s.handleConfigReload)

	mux.HandleFunc("GET /api/v1/accounts", s.handleListAccounts)
	mux.HandleFunc("POST /api/v1/accounts", s.handleCreateAccount)
	mux.HandleFunc("GET /api/v1/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("PATCH /api/v1/accounts/{id}", s.handleUpdateAccount)
	mux.HandleFunc("DELETE /api/v1/accounts/{id}", s.handleDeleteAccount)
	mux.HandleFunc("POST /api/v1/accounts/{id}/enable", s.handleSetAccountEnabled(true))
	mux.HandleFunc("POST /api/v1/accounts/{id}/disable", s.handleSetAccountEnabled(false))
	mux.HandleFunc("POST /api/v1/accounts/{id}/sync", s.handleSyncAccount)
	mux.HandleFunc("POST /api/v1/accounts/{id}/test", s.handleTestAccount)

	mux.HandleFunc("GET /api/v1/calendars", s.handleListCalendars)
	mux.HandleFunc("GET /api/v1/calendars/{id}", s.handleGetCalendar)
	mux.HandleFunc("POST /api/v1/calendars/{id}/enable", s.handleSetCalendarEnabled(true))
	mux.HandleFunc("POST /api/v1/calendars/{id}/disable", s.handleSetCalendarEnabled(false))

	mux.HandleFunc("GET /api/v1/events", s.handleListEvents)
	mux.HandleFunc("POST /api/v1/events", s.handleCreateEvent)
	mux.HandleFunc("GET /api/v1/events/{id}", s.handleGetEvent)
	mux.HandleFunc("PATCH /api/v1/events/{id}", s.handleUpdateEvent)
	mux.HandleFunc("DELETE /api/v1/events/{id}", s.handleDeleteEvent)

	mux.HandleFunc("GET /api/v1/rules", s.handleListRules)
	mux.HandleFunc("POST /api/v1/rules", s.handleCreateRule)
	mux.HandleFunc("GET /api/v1/rules/{id}", s.handleGetRule)
	mux.HandleFunc("PATCH /api/v1/rules/{id}", s.handleUpdateRule)
	mux.HandleFunc("DELETE /api/v1/rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("POST /api/v1/rules/{id}/execute", s.handleExecuteRule)

	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening on the Unix socket. Blocks until Shutdown.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return err
	}

	s.logger.Info().Str("socket", s.socketPath).Msg("API server listening")
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps the error taxonomy onto HTTP.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrInvalidTimestamp):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNeedsReauth):
		return http.StatusConflict
	case errors.Is(err, model.ErrMissingConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrRemoteWrite):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, code, protocol.ErrorResponse{Error: err.Error()})
}

const maxBody = 1 << 20

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Invalid("request body: %v", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Accounts.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loc := s.deps.Zone.Location()
	resp := protocol.StatusResponse{
		Status:          st.Overall,
		Uptime:          time.Since(s.deps.StartedAt).Truncate(time.Second).String(),
		StartedAt:       s.deps.StartedAt,
		NATSRunning:     s.deps.History != nil,
		DisplayTimezone: loc.String(),
		Accounts:        make([]protocol.AccountStatus, 0, len(st.Accounts)),
		AccountCount:    st.Counts.Accounts,
		CalendarCount:   st.Counts.Calendars,
		EventCount:      st.Counts.Events,
		RuleCount:       st.Counts.Rules,
	}
	for _, a := range st.Accounts {
		resp.Accounts = append(resp.Accounts, toAccountStatus(a, loc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []protocol.Event{}
	}
	writeJSON(w, http.StatusOK, protocol.ActivityResponse{Events: events})
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "config reload not available"})
		return
	}
	resp, err := s.deps.Reload(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("config reload failed")
		s.writeError(w, r, fmt.Errorf("reload config: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
