// Package httpapi serves the operator surface of the agent: Prometheus
// metrics, a health probe, and read access to connection records and
// polled results. Protocol verbs stay on the gRPC ConnectionProvider.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/signalsfoundry/supa/internal/dispatch"
	"github.com/signalsfoundry/supa/internal/logging"
	"github.com/signalsfoundry/supa/model"
)

// ConnectionReader is the part of *connection.Manager the admin surface uses.
type ConnectionReader interface {
	Get(ctx context.Context, connectionID string) (*model.Connection, error)
	QuerySummary(ctx context.Context, connectionIDs, globalReservationIDs []string) ([]*model.Connection, error)
	QueryResults(ctx context.Context, connectionID string) ([]dispatch.Notification, error)
	DataPlaneFault(ctx context.Context, connectionID, reason string) (*model.Connection, error)
	Purge(ctx context.Context, connectionID string) error
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options configures the router.
type Options struct {
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]HealthCheck
	Log    logging.Logger
}

// NewRouter builds the admin HTTP handler.
func NewRouter(conns ConnectionReader, opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = logging.Noop()
	}
	h := &Handler{conns: conns, checks: opts.Checks, log: opts.Log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Log))
	r.Use(middleware.Recoverer)

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get("/healthz", h.Health)

	r.Route("/v1/connections", func(r chi.Router) {
		r.Get("/", h.ListConnections)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetConnection)
			r.Delete("/", h.PurgeConnection)
			r.Get("/results", h.GetResults)
			r.Post("/fault", h.ReportFault)
		})
	})
	return r
}

// requestLogger attaches a request-scoped logger carrying chi's request id.
func requestLogger(base logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := middleware.GetReqID(ctx); id != "" {
				ctx = logging.ContextWithRequestID(ctx, id)
			}
			ctx, reqLog := logging.WithRequestLogger(ctx, base.With(
				logging.String("http_method", r.Method),
				logging.String("path", r.URL.Path)))
			ctx = logging.ContextWithLogger(ctx, reqLog)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			reqLog.Debug(ctx, "http request served", logging.Int("status", ww.Status()))
		})
	}
}
