package middleware

import (
	"net/http"
	"strconv"

	"clinic-reconciler/internal/service"

	"github.com/gorilla/mux"
)

type MetricsMiddleware struct {
	metrics *service.Metrics
}

func NewMetricsMiddleware(metrics *service.Metrics) *MetricsMiddleware {
	return &MetricsMiddleware{metrics: metrics}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Handle counts requests by route template, so ids do not blow up the
// label space.
func (m *MetricsMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)

		route := "unmatched"
		if current := mux.CurrentRoute(req); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.metrics.RecordHTTPRequest(req.Method, route, strconv.Itoa(rec.status))
	})
}
