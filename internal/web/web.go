// Package web serves the optional calhub dashboard over TCP.
package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/internal/accounts"
	"github.com/sekia-ai/calhub/internal/natsserver"
	"github.com/sekia-ai/calhub/internal/timezone"
	"github.com/sekia-ai/calhub/pkg/protocol"
)

//go:embed static templates
var content embed.FS

const csrfCookie = "calhub_csrf"

// Config holds web dashboard settings passed to New.
type Config struct {
	Listen   string
	Username string // HTTP Basic Auth username (empty = no auth).
	Password string // HTTP Basic Auth password (empty = no auth).
}

// Deps are the components the dashboard reads from. History, Conn and
// Gatherer may be nil.
type Deps struct {
	Accounts  *accounts.Manager
	History   *natsserver.History
	Conn      *nats.Conn
	Gatherer  prometheus.Gatherer
	Zone      *timezone.Zone
	StartedAt time.Time
}

// Server serves the web dashboard on a TCP port.
type Server struct {
	listen     string
	deps       Deps
	httpServer *http.Server
	logger     zerolog.Logger
	templates  *template.Template
	eventBus   *EventBus
	sub        *nats.Subscription
	username   string
	password   string
}

// New creates a web UI server. If cfg.Username and cfg.Password are
// non-empty, HTTP Basic Auth is required for all routes.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		listen:   cfg.Listen,
		deps:     deps,
		logger:   logger.With().Str("component", "web").Logger(),
		eventBus: NewEventBus(),
		username: cfg.Username,
		password: cfg.Password,
	}

	funcMap := template.FuncMap{
		"stateClass": stateClass,
	}

	tmplFS, _ := fs.Sub(content, "templates")
	s.templates = template.Must(
		template.New("").Funcs(funcMap).ParseFS(tmplFS, "*.html", "partials/*.html"),
	)

	mux := http.NewServeMux()

	staticFS, _ := fs.Sub(content, "static")
	mux.Handle("GET /web/static/", http.StripPrefix("/web/static/",
		http.FileServer(http.FS(staticFS))))

	mux.HandleFunc("GET /web", s.handleDashboard)
	mux.HandleFunc("GET /web/partials/status", s.handlePartialStatus)
	mux.HandleFunc("GET /web/partials/accounts", s.handlePartialAccounts)
	mux.HandleFunc("GET /web/partials/activity", s.handlePartialActivity)
	mux.HandleFunc("POST /web/accounts/{id}/sync", s.handleSyncAccount)
	mux.HandleFunc("GET /web/events/stream", s.handleEventStream)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{Handler: s.securityMiddleware(mux), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// securityMiddleware adds security headers, optional HTTP Basic Auth and a
// double-submit CSRF check on state-changing requests.
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	authEnabled := s.username != "" && s.password != ""
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'self'; style-src 'self'; img-src 'self'; connect-src 'self'")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")

		if authEnabled {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="calhub"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			if _, err := r.Cookie(csrfCookie); err != nil {
				http.SetCookie(w, &http.Cookie{
					Name:     csrfCookie,
					Value:    newToken(),
					Path:     "/web",
					SameSite: http.SameSiteStrictMode,
				})
			}
		default:
			c, err := r.Cookie(csrfCookie)
			header := r.Header.Get("X-CSRF-Token")
			if err != nil || header == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(header)) != 1 {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func newToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Start begins listening on TCP. Blocks until Shutdown or error.
func (s *Server) Start() error {
	if err := s.subscribe(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	s.logger.Info().Str("listen", s.listen).Msg("web UI listening")
	return s.httpServer.Serve(ln)
}

// subscribe forwards hub events to the SSE clients.
func (s *Server) subscribe() error {
	if s.deps.Conn == nil {
		return nil
	}
	sub, err := s.deps.Conn.Subscribe(protocol.SubjectAllEvents, func(msg *nats.Msg) {
		s.eventBus.Publish(msg.Data)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Shutdown gracefully stops the web server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	return s.httpServer.Shutdown(ctx)
}
