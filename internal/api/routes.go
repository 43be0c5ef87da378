// Package api implements the admin REST surface: accounts and API tokens,
// upstream server management, exposure rules, env variables, call logs and
// a REST view of the tool catalogue.
package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/halyard/halyard/internal/auth"
	"github.com/halyard/halyard/internal/database"
	"github.com/halyard/halyard/internal/registry"
)

// Router builds the API router. Mutating routes require the admin role;
// read routes any authenticated user.
func Router(repo *database.Repository, jwtManager *auth.JWTManager, encryptor *auth.TokenEncryptor, authMiddleware *auth.Middleware, reg *registry.Registry, provisioner *Provisioner, sessions SessionCounter) chi.Router {
	h := NewHandlers(repo, jwtManager, reg, sessions)
	sh := NewServerHandlers(repo, encryptor, reg, provisioner)
	eh := NewEnvHandlers(repo, encryptor, provisioner)
	rh := NewRuleHandlers(repo, provisioner)

	r := chi.NewRouter()

	// Public routes
	r.Group(func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Get("/auth/me", h.GetCurrentUser)
		r.Get("/auth/tokens", h.ListAPITokens)
		r.Post("/auth/tokens", h.CreateAPIToken)
		r.Delete("/auth/tokens/{id}", h.RevokeAPIToken)

		r.Get("/servers", sh.ListServers)
		r.Get("/servers/{id}", sh.GetServer)
		r.Get("/servers/{id}/rules", rh.ListRules)
		r.Get("/rules/{id}", rh.GetRule)

		r.Get("/tools", h.ListTools)
		r.Post("/tools/{name}/execute", h.ExecuteTool)
		r.Get("/stats", h.GetStats)
		r.Get("/logs", h.ListCallLogs)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireAdmin)

			r.Post("/servers", sh.CreateServer)
			r.Put("/servers/{id}", sh.UpdateServer)
			r.Delete("/servers/{id}", sh.DeleteServer)
			r.Post("/servers/{id}/enable", sh.EnableServer)
			r.Post("/servers/{id}/disable", sh.DisableServer)
			r.Post("/servers/{id}/test", sh.TestServer)
			r.Post("/servers/{id}/discover", sh.DiscoverServer)
			r.Post("/servers/{id}/restart", sh.RestartServer)
			r.Put("/servers/{id}/token", sh.SetAuthToken)
			r.Delete("/servers/{id}/token", sh.ClearAuthToken)

			r.Get("/servers/{id}/env", eh.ListEnv)
			r.Put("/servers/{id}/env", eh.SetEnv)
			r.Post("/servers/{id}/env/bulk", eh.BulkSetEnv)
			r.Delete("/servers/{id}/env/{key}", eh.DeleteEnv)

			r.Post("/servers/{id}/rules", rh.CreateRule)
			r.Put("/rules/{id}", rh.UpdateRule)
			r.Delete("/rules/{id}", rh.DeleteRule)

			r.Get("/users", h.ListUsers)
			r.Put("/users/{id}/role", h.UpdateUserRole)
			r.Delete("/users/{id}", h.DeleteUser)
		})
	})

	return r
}
