package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/descenders-modkit/modkit-server/internal/domain"
)

// recentWindowDays is the span of the "times submitted recently" stat
const recentWindowDays = 30

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requireAuth rejects requests without a valid dashboard token. It is a
// pass-through when no auth service is configured.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.auth == nil {
			next(w, req)
			return
		}
		token := tokenFromRequest(req)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := r.auth.ValidateToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		r.logger.Debug().Str("operator", claims.Operator).Str("path", req.URL.Path).Msg("Dashboard request")
		next(w, req)
	}
}

// tokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter since browsers cannot set headers on a
// websocket upgrade
func tokenFromRequest(req *http.Request) string {
	if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return req.URL.Query().Get("token")
}

// stats summarizes live and stored activity
func (r *Router) stats(ctx context.Context) (domain.ServerStats, error) {
	now := r.clock.Now()
	total, err := r.store.CountTimes(ctx, time.Time{})
	if err != nil {
		return domain.ServerStats{}, fmt.Errorf("counting stored times: %w", err)
	}
	recent, err := r.store.CountTimes(ctx, now.AddDate(0, 0, -recentWindowDays))
	if err != nil {
		return domain.ServerStats{}, fmt.Errorf("counting recent times: %w", err)
	}
	return domain.ServerStats{
		TotalUsersOnline:         r.riders.Count(),
		TotalStoredTimes:         total,
		TimesSubmittedPast30Days: recent,
		GeneratedAt:              now,
	}, nil
}

// handleStats returns the dashboard summary
func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.stats(req.Context())
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to build stats")
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRiders returns every connected rider
func (r *Router) handleRiders(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.riders.Riders())
}

// handleHealth returns a simple health check response
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
