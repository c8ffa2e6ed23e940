package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"domani/internal/auth"
	"domani/internal/httpserver/handlers"
	"domani/internal/obs"
	"domani/internal/util"
)

// Store is what the HTTP layer reads directly, beyond the auth service.
type Store interface {
	auth.AuditStore
	handlers.AdminDirectory
}

type Deps struct {
	Service     *auth.Service
	Store       Store
	Cookies     auth.Cookies
	Logger      *zap.SugaredLogger
	TrustProxy  bool
	CORSOrigins []string
}

func NewRouter(d Deps) http.Handler {
	lg := d.Logger
	if lg == nil {
		lg = zap.NewNop().Sugar()
	}
	gate := auth.NewGate(d.Service, lg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if d.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer, requestLogger(lg), obs.Instrument)
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", obs.Handler())

	r.Route("/auth", func(ar chi.Router) {
		ar.Post("/login", handlers.Login(d.Service, d.Cookies, lg))
		ar.Post("/logout", handlers.Logout(d.Service, d.Cookies, lg))
		ar.Post("/refresh", handlers.Refresh(d.Service, d.Cookies, lg))
		ar.Get("/verify", handlers.Verify(d.Service, lg))
	})

	r.Route("/admin", func(adm chi.Router) {
		adm.With(gate.Require(auth.RouteOptions{SkipAuditLog: true})).
			Get("/me", handlers.Me(lg))

		adm.With(gate.Require(auth.RouteOptions{
			RequiredPermission: auth.Perm(auth.ResourceAdmins, auth.ActionRead),
		})).Get("/users", handlers.ListAdmins(d.Store, lg))
		adm.With(gate.Require(auth.RouteOptions{
			RequiredRole: auth.RoleSuperAdmin,
		})).Patch("/users/{id}/role", handlers.UpdateAdminRole(d.Store, d.Service, lg))
		adm.With(gate.Require(auth.RouteOptions{
			RequiredRole: auth.RoleSuperAdmin,
		})).Patch("/users/{id}/permissions", handlers.UpdateAdminPermissions(d.Store, d.Service, lg))
		adm.With(gate.Require(auth.RouteOptions{
			RequiredRole:       auth.RoleAdmin,
			RequiredPermission: auth.Perm(auth.ResourceAdmins, auth.ActionUpdate),
		})).Post("/users/{id}/deactivate", handlers.DeactivateAdmin(d.Store, d.Service, lg))

		adm.With(gate.Require(auth.RouteOptions{
			RequiredPermission: auth.Perm(auth.ResourceAuditLog, auth.ActionRead),
			SkipAuditLog:       true,
		})).Get("/audit-log", handlers.AuditLogs(d.Store, lg))
		adm.With(gate.Require(auth.RouteOptions{
			RequiredPermission: auth.Perm(auth.ResourceAuditLog, auth.ActionExport),
		})).Get("/audit-log/export", handlers.ExportAuditLogs(d.Store, d.Service, lg))

		adm.With(gate.Require(auth.RouteOptions{
			RequiredPermission: auth.Perm(auth.ResourceAdmins, auth.ActionRead),
		})).Get("/security/failed-logins", handlers.FailedLogins(d.Store, d.Service, lg))
	})
	return r
}

func requestLogger(lg *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			lg.Infow("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
				"ip", util.ClientIP(r),
			)
		})
	}
}
