package http

import (
	"net/http"

	"clinic-reconciler/internal/delivery/http/handler"
	"clinic-reconciler/internal/delivery/http/middleware"
	"clinic-reconciler/internal/service"

	"github.com/gorilla/mux"
)

type Router struct {
	router                *mux.Router
	reconciliationHandler *handler.ReconciliationHandler
	identityHandler       *handler.IdentityHandler
	reservationHandler    *handler.ReservationHandler
	auditLogHandler       *handler.AuditLogHandler
	authMiddleware        *middleware.AuthMiddleware
	metricsMiddleware     *middleware.MetricsMiddleware
	metrics               *service.Metrics
}

func NewRouter(
	reconciliationHandler *handler.ReconciliationHandler,
	identityHandler *handler.IdentityHandler,
	reservationHandler *handler.ReservationHandler,
	auditLogHandler *handler.AuditLogHandler,
	authMiddleware *middleware.AuthMiddleware,
	metricsMiddleware *middleware.MetricsMiddleware,
	metrics *service.Metrics,
) *Router {
	return &Router{
		router:                mux.NewRouter(),
		reconciliationHandler: reconciliationHandler,
		identityHandler:       identityHandler,
		reservationHandler:    reservationHandler,
		auditLogHandler:       auditLogHandler,
		authMiddleware:        authMiddleware,
		metricsMiddleware:     metricsMiddleware,
		metrics:               metrics,
	}
}

func (r *Router) Setup() *mux.Router {
	// Prometheus scrape endpoint
	r.router.Handle("/metrics", r.metrics.Handler()).Methods(http.MethodGet)

	// API versioning
	api := r.router.PathPrefix("/api/v1").Subrouter()

	// Health check
	api.HandleFunc("/health", r.healthCheck).Methods(http.MethodGet)

	// Operator routes (protected). Reads need reconcile:read, writes reconcile:run.
	api.Handle("/reconciliations", r.reader(r.reconciliationHandler.ListRuns)).Methods(http.MethodGet)
	api.Handle("/reconciliations", r.runner(r.reconciliationHandler.RunReconciliation)).Methods(http.MethodPost)
	api.Handle("/reconciliations/{id}", r.reader(r.reconciliationHandler.GetRun)).Methods(http.MethodGet)
	api.Handle("/reconciliations/{id}/report.xlsx", r.reader(r.reconciliationHandler.DownloadReport)).Methods(http.MethodGet)
	api.Handle("/reconciliations/{id}/audit", r.reader(r.reconciliationHandler.GetRunAuditTrail)).Methods(http.MethodGet)
	api.Handle("/patients/{patientId}/reservations", r.reader(r.reservationHandler.ListActive)).Methods(http.MethodGet)
	api.Handle("/reservations/{id}/status", r.runner(r.reservationHandler.SetStatus)).Methods(http.MethodPut)
	api.Handle("/identities/resolve", r.runner(r.identityHandler.Resolve)).Methods(http.MethodPost)
	api.Handle("/audit-logs", r.reader(r.auditLogHandler.GetAuditLogs)).Methods(http.MethodGet)

	r.router.Use(r.metricsMiddleware.Handle)

	return r.router
}

func (r *Router) reader(h http.HandlerFunc) http.Handler {
	return r.authMiddleware.Authenticate(middleware.RequireReader(h))
}

func (r *Router) runner(h http.HandlerFunc) http.Handler {
	return r.authMiddleware.Authenticate(middleware.RequireRunner(h))
}

func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}
