// Package server exposes the admin API and the OAuth enrollment flow over
// HTTP. Everything that mutates accounts goes through the lifecycle
// manager; handlers never touch the store directly.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/graphsync/tokenkeeper/internal/idp"
	"github.com/graphsync/tokenkeeper/internal/logging"
	"github.com/graphsync/tokenkeeper/internal/token"
)

// Server wires the HTTP surface.
type Server struct {
	manager       *token.Manager
	idp           *idp.Client
	states        *stateStore
	adminPassword string
}

// New builds the server. adminPassword may be empty, which leaves the
// admin API open (development mode, as with the proxy dashboards).
func New(manager *token.Manager, idpClient *idp.Client, adminPassword string) *Server {
	return &Server{
		manager:       manager,
		idp:           idpClient,
		states:        newStateStore(),
		adminPassword: adminPassword,
	}
}

// Routes assembles the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)

	r.Get("/healthz", s.handleHealth)

	// Enrollment flow: no admin gate, the state token is the guard.
	r.Get("/auth/login", s.handleLogin)
	r.Get("/auth/callback", s.handleCallback)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleCreateAccount)
		r.Get("/accounts/{userID}/status", s.handleAccountStatus)
		r.Get("/accounts/{userID}/audit", s.handleAuditTrail)
		r.Post("/accounts/{userID}/status", s.handleUpdateStatus)
		r.Post("/accounts/{userID}/refresh", s.handleForceRefresh)
		r.Post("/accounts/{userID}/revoke", s.handleRevoke)
		r.Post("/accounts/{userID}/deactivate", s.handleDeactivate)
	})

	return r
}

// adminAuth gates the admin API behind basic auth when a password is
// configured.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminPassword == "" {
			next.ServeHTTP(w, r)
			return
		}
		_, pass, ok := r.BasicAuth()
		if !ok || pass != s.adminPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="Tokenkeeper Admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
