package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes groups what the router serves.
type Routes struct {
	Handlers   *Handlers
	OCPP       func(w http.ResponseWriter, r *http.Request, chargePointID string)
	Gatherer   prometheus.Gatherer
	JWTSecret  string
	APIKeyHash string
}

// NewRouter registers endpoints.
func NewRouter(routes Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", routes.Handlers.Health)
	if routes.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(routes.Gatherer, promhttp.HandlerOpts{}))
	}
	if routes.OCPP != nil {
		r.Get("/ocpp/{chargePointId}", func(w http.ResponseWriter, req *http.Request) {
			routes.OCPP(w, req, chi.URLParam(req, "chargePointId"))
		})
	}

	r.Route("/admin", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(routes.JWTSecret, RoleOperator))
			r.Get("/stats", routes.Handlers.Stats)
			r.Get("/connections", routes.Handlers.ListConnections)
			r.Get("/chargepoints/{chargePointId}", routes.Handlers.ChargePoint)
			r.Delete("/chargepoints/{chargePointId}/connection", routes.Handlers.Disconnect)
		})
		if routes.Handlers.Refresher != nil {
			r.With(RequireAPIKey(routes.APIKeyHash)).Post("/identity/refresh", routes.Handlers.RefreshIdentity)
		}
	})
	return r
}
