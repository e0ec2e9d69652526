// Package api serves the occupancy ledger over HTTP: bus CRUD, device
// membership events, count reads and a per-bus WebSocket feed.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/banshee-data/occupancy.report/internal/httputil"
	"github.com/banshee-data/occupancy.report/internal/ledger"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
)

var logf = monitoring.Component("api")

type Server struct {
	ledger *ledger.Ledger
	// mode reports which broker is serving fanout; nil omits it from /health.
	mode func(context.Context) string
}

func NewServer(l *ledger.Ledger, mode func(context.Context) string) *Server {
	return &Server{
		ledger: l,
		mode:   mode,
	}
}

// Routes returns the public router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)

	r.Get("/health", s.health)
	r.Get("/wb/test", s.wsTestPage)
	r.Get("/ws/{id_bus}", s.busCountSocket)

	r.Post("/buses", s.createBus)
	r.Delete("/buses/{id_bus}", s.deleteBus)
	r.Get("/buses/{id_bus}/count", s.busCount)
	r.Post("/devices/event", s.deviceEvent)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.mode != nil {
		resp["broker"] = s.mode(r.Context())
	}
	httputil.WriteJSONOK(w, resp)
}
