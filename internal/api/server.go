// Package api exposes the chat service over JSON/HTTP and the push hub over
// websockets.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexus-im/supportdesk/internal/auth"
	"github.com/nexus-im/supportdesk/internal/chat"
	"github.com/nexus-im/supportdesk/internal/hub"
	"github.com/nexus-im/supportdesk/internal/logging"
	"github.com/nexus-im/supportdesk/store/admin"
	"github.com/nexus-im/supportdesk/store/session"
	"github.com/nexus-im/supportdesk/store/user"
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Chat     *chat.Service
	Users    user.Store
	Admins   admin.Store
	Sessions session.Store
	Auth     *auth.Authenticator
	Hub      *hub.Hub

	// AdminIdleTimeout ends admin sessions after inactivity. Buyer sessions
	// only expire with their token.
	AdminIdleTimeout time.Duration
	RateLimit        RateLimit
	Now              func() time.Time
}

type RateLimit struct {
	RPS   float64
	Burst int
}

type Server struct {
	chat      *chat.Service
	users     user.Store
	admins    admin.Store
	sessions  session.Store
	authn     *auth.Authenticator
	hub       *hub.Hub
	adminIdle time.Duration
	now       func() time.Time

	limiter  *limiterPool
	registry *prometheus.Registry
	metrics  *metrics
}

func NewServer(d Deps) *Server {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Hub == nil {
		d.Hub = hub.New()
	}
	s := &Server{
		chat:      d.Chat,
		users:     d.Users,
		admins:    d.Admins,
		sessions:  d.Sessions,
		authn:     d.Auth,
		hub:       d.Hub,
		adminIdle: d.AdminIdleTimeout,
		now:       d.Now,
		limiter:   &limiterPool{rps: d.RateLimit.RPS, burst: d.RateLimit.Burst},
		registry:  prometheus.NewRegistry(),
	}
	s.metrics = newMetrics(s.registry, s.hub)
	return s
}

// Handler returns the routed, logged HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metrics.middleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/admin/login", s.handleAdminLogin).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.withActor(s.handleLogout)).Methods(http.MethodPost)

	api.HandleFunc("/conversations", s.withActor(s.handleListConversations)).Methods(http.MethodGet)
	api.HandleFunc("/inbox/unread", s.withActor(s.handleTotalUnread)).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.withActor(s.handleListMessages)).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.withActor(s.handleSend)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/read", s.withActor(s.handleMarkRead)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/unread", s.withActor(s.handleUnreadCount)).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/status", s.withActor(s.handleStatus)).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/clear", s.withActor(s.handleClear)).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.handleWs).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return logging.Middleware(r)
}

// PruneLimiters drops send rate limiters of actors idle since before now
// minus the idle window, and reports how many were removed.
func (s *Server) PruneLimiters(now time.Time) int {
	return s.limiter.prune(now.Add(-limiterIdle))
}

// Registry exposes the server's metrics registry.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
