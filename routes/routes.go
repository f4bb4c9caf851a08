package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/careportal-auth/app"
	"github.com/upb/careportal-auth/middleware"
	"github.com/upb/careportal-auth/models"
	"github.com/upb/careportal-auth/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/health", deps.HealthHandler.HandleHealth)
	r.Get("/health/ready", deps.HealthHandler.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled {
		r.Handle(deps.Config.Observability.MetricsPath, promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	// Public auth endpoints
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", deps.AuthHandler.HandleRegister)
		r.Post("/login", deps.AuthHandler.HandleLogin)
		r.Post("/external/{provider}", deps.AuthHandler.HandleExternalLogin)
		r.Post("/refresh", deps.AuthHandler.HandleRefresh)
		r.Post("/logout", deps.AuthHandler.HandleLogout)
	})

	gate := deps.Gate

	// Authenticated endpoints
	r.Group(func(r chi.Router) {
		r.Use(gate.RequireAuth)

		r.Get("/me", deps.UserHandler.HandleMe)

		r.Route("/mfa", func(r chi.Router) {
			r.Post("/totp/setup", deps.MFAHandler.HandleSetup)
			r.Post("/totp/verify", deps.MFAHandler.HandleVerify)
			r.Post("/challenge", deps.MFAHandler.HandleChallenge)
			r.Get("/status", deps.MFAHandler.HandleStatus)

			// Turning MFA off or replacing backup codes needs a fresh second factor
			r.With(gate.RequireMFA).Post("/disable", deps.MFAHandler.HandleDisable)
			r.With(gate.RequireMFA).Post("/backup-codes", deps.MFAHandler.HandleBackupCodes)
		})

		r.Route("/admin/users/{id}", func(r chi.Router) {
			r.Use(gate.RestrictTo(models.RoleAdmin))
			r.Use(gate.RequireMFA)
			r.Get("/", deps.UserHandler.HandleGetUser)
			r.Patch("/role", deps.UserHandler.HandleChangeRole)
			r.Patch("/active", deps.UserHandler.HandleSetActive)
			r.Post("/reconcile", deps.UserHandler.HandleReconcile)
			r.Get("/audit", deps.UserHandler.HandleAuditTrail)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	return r
}
