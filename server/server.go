// Package server fronts an identity provider with an HTTP/JSON API: one
// route per Service operation, with authentication middleware and login
// rate limiting.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gitgate/gitgate"
	"github.com/gitgate/gitgate/server/middleware"
	"github.com/go-michi/michi"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"
)

const (
	maxHeaderBytes    = 1 << 20
	readTimeout       = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 30 * time.Second

	// Credential guessing on the login route shares one bucket per client
	// host.
	loginRateLimit = rate.Limit(1)
	loginRateBurst = 10
)

// Server is the administrative HTTP server over a provider.
type Server struct {
	Router *michi.Router
	Server *http.Server
	logger *slog.Logger
}

// New builds the router, middleware chain, and hardened http.Server for the
// given provider. The bcrypt cost comes from the same settings the backend
// was constructed with.
func New(svc gitgate.Service, settings gitgate.Settings, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cost, err := settings.Cost()
	if err != nil {
		return nil, err
	}
	h := NewHandler(svc, cost, logger)
	router := michi.NewRouter()

	limiter := middleware.NewRateLimiter(logger, middleware.ClientIPKeyFunc, loginRateLimit, loginRateBurst)
	authed := middleware.WithAuth(svc)
	admin := func(fn http.HandlerFunc) http.Handler {
		return authed(middleware.RequireAdmin(fn))
	}

	router.Handle("POST /api/v1/auth/login", limiter.Limit(http.HandlerFunc(h.Login)))
	router.Handle("GET /api/v1/auth/user", authed(http.HandlerFunc(h.CurrentUser)))

	router.Handle("GET /api/v1/users", admin(h.ListUsers))
	router.Handle("GET /api/v1/usernames", admin(h.ListUsernames))
	router.Handle("GET /api/v1/users/{username}", admin(h.GetUser))
	router.Handle("PUT /api/v1/users/{username}", admin(h.PutUser))
	router.Handle("DELETE /api/v1/users/{username}", admin(h.DeleteUser))

	router.Handle("GET /api/v1/teams", admin(h.ListTeams))
	router.Handle("GET /api/v1/teamnames", admin(h.ListTeamnames))
	router.Handle("GET /api/v1/teams/{teamname}", admin(h.GetTeam))
	router.Handle("PUT /api/v1/teams/{teamname}", admin(h.PutTeam))
	router.Handle("DELETE /api/v1/teams/{teamname}", admin(h.DeleteTeam))

	router.Handle("GET /api/v1/roles/{org}/{repo}/users", admin(h.RoleUsers))
	router.Handle("PUT /api/v1/roles/{org}/{repo}/users", admin(h.PutRoleUsers))
	router.Handle("GET /api/v1/roles/{org}/{repo}/teams", admin(h.RoleTeams))
	router.Handle("PUT /api/v1/roles/{org}/{repo}/teams", admin(h.PutRoleTeams))
	router.Handle("POST /api/v1/roles/{org}/{repo}/rename", admin(h.RenameRole))
	router.Handle("DELETE /api/v1/roles/{org}/{repo}", admin(h.DeleteRole))

	handler := applyMiddleware(router,
		middleware.WithRecovery(logger),
		middleware.WithLogger(logger),
		middleware.WithCORS(),
	)

	return &Server{
		Router: router,
		Server: &http.Server{
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      writeTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
		},
		logger: logger,
	}, nil
}

// ListenAndServe serves on addr until Shutdown or a listener error.
func (s *Server) ListenAndServe(addr string) error {
	s.Server.Addr = addr
	s.logger.Info("listening", "addr", addr)
	return s.Server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("shutting down server")
	return s.Server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler, mainly for httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Server.Handler.ServeHTTP(w, r)
}

// applyMiddleware wraps h so the first middleware in the slice is the
// outermost one.
func applyMiddleware(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
