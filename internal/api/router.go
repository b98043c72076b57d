// Package api serves the operator dashboard: a websocket feed of live
// rider activity plus health and metrics endpoints.
package api

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/descenders-modkit/modkit-server/internal/auth"
	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/storage"
)

// RiderSource is the live view of connected game clients
type RiderSource interface {
	Riders() []domain.RiderInfo
	Count() int
	Events() <-chan domain.Event
}

// Deps are the router's collaborators. A nil Auth leaves the dashboard
// open; a nil Gatherer disables /metrics.
type Deps struct {
	Riders   RiderSource
	Store    storage.TimeStore
	Auth     *auth.Service
	Gatherer prometheus.Gatherer
	Clock    clockwork.Clock
	Logger   zerolog.Logger
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux    *http.ServeMux
	riders RiderSource
	store  storage.TimeStore
	wsHub  *WebSocketHub
	auth   *auth.Service
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewRouter creates a new HTTP router
func NewRouter(deps Deps) *Router {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	logger := deps.Logger.With().Str("component", "api").Logger()
	r := &Router{
		mux:    http.NewServeMux(),
		riders: deps.Riders,
		store:  deps.Store,
		wsHub:  NewWebSocketHub(logger),
		auth:   deps.Auth,
		clock:  deps.Clock,
		logger: logger,
	}

	r.mux.HandleFunc("GET /api/stats", r.requireAuth(r.handleStats))
	r.mux.HandleFunc("GET /api/riders", r.requireAuth(r.handleRiders))

	r.mux.HandleFunc("GET /ws", r.requireAuth(r.handleWebSocket))

	r.mux.HandleFunc("GET /health", r.handleHealth)
	if deps.Gatherer != nil {
		r.mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// StartWebSocketHub runs the hub and forwards rider events to it until ctx
// ends or the event stream closes
func (r *Router) StartWebSocketHub(ctx context.Context) {
	go r.wsHub.Run(ctx)

	go func() {
		events := r.riders.Events()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				r.wsHub.Broadcast(event)
			}
		}
	}()
}

// ClientCount returns the number of connected dashboard clients
func (r *Router) ClientCount() int {
	return r.wsHub.ClientCount()
}
