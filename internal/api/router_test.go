package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descenders-modkit/modkit-server/internal/auth"
	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/metrics"
	"github.com/descenders-modkit/modkit-server/internal/storage/memory"
)

const testSecret = "dashboard-secret"

type fakeRiders struct {
	riders []domain.RiderInfo
	events chan domain.Event
}

func (f *fakeRiders) Riders() []domain.RiderInfo  { return f.riders }
func (f *fakeRiders) Count() int                  { return len(f.riders) }
func (f *fakeRiders) Events() <-chan domain.Event { return f.events }

type fixture struct {
	router *Router
	server *httptest.Server
	riders *fakeRiders
	auth   *auth.Service
	reg    *prometheus.Registry
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T, withAuth bool) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()
	ctx := context.Background()
	for _, age := range []time.Duration{40 * 24 * time.Hour, 24 * time.Hour} {
		_, err := store.SubmitTime(ctx, domain.TimeSubmission{
			SteamID:     "1",
			SteamName:   "alice",
			Trail:       "Ridge",
			World:       "Highlands",
			Times:       []float64{12.5},
			SubmittedAt: clock.Now().Add(-age),
		})
		require.NoError(t, err)
	}

	f := &fixture{
		riders: &fakeRiders{
			riders: []domain.RiderInfo{
				{SessionID: "s1", SteamID: "1", SteamName: "alice", WorldName: "Highlands", BikeType: "downhill", Reputation: 1200},
			},
			events: make(chan domain.Event, 8),
		},
		reg:   prometheus.NewRegistry(),
		clock: clock,
	}
	if withAuth {
		f.auth = auth.NewService(testSecret, time.Hour)
	}
	m := metrics.New(f.reg)
	m.SessionOpened()

	f.router = NewRouter(Deps{
		Riders:   f.riders,
		Store:    store,
		Auth:     f.auth,
		Gatherer: f.reg,
		Clock:    clock,
		Logger:   zerolog.Nop(),
	})
	hubCtx, cancel := context.WithCancel(context.Background())
	f.router.StartWebSocketHub(hubCtx)
	f.server = httptest.NewServer(f.router)
	t.Cleanup(func() {
		cancel()
		f.server.Close()
	})
	return f
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	token, err := f.auth.GenerateToken("ops")
	require.NoError(t, err)
	return token
}

func (f *fixture) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.router.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)
	resp := f.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatsRequiresToken(t *testing.T) {
	f := newFixture(t, true)

	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/stats", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/api/stats", "garbage").StatusCode)

	resp := f.get(t, "/api/stats", f.token(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats domain.ServerStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalUsersOnline)
	assert.Equal(t, 2, stats.TotalStoredTimes)
	assert.Equal(t, 1, stats.TimesSubmittedPast30Days)
	assert.True(t, stats.GeneratedAt.Equal(f.clock.Now()))
}

func TestOpenDashboardWithoutAuth(t *testing.T) {
	f := newFixture(t, false)
	resp := f.get(t, "/api/riders", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var riders []domain.RiderInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&riders))
	require.Len(t, riders, 1)
	assert.Equal(t, "alice", riders[0].SteamName)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	resp := f.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "modkit_sessions_active 1")
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	f := newFixture(t, true)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketAnswersRequests(t *testing.T) {
	f := newFixture(t, true)
	conn := f.dial(t, "?token="+f.token(t))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(RequestData)))
	env := readEnvelope(t, conn)
	assert.Equal(t, EventDataReply, env.Event)
	var stats domain.ServerStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.TotalUsersOnline)
	assert.Equal(t, 2, stats.TotalStoredTimes)
	assert.Equal(t, 1, stats.TimesSubmittedPast30Days)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(RequestUsers)))
	env = readEnvelope(t, conn)
	assert.Equal(t, EventUserReply, env.Event)
	var riders []domain.RiderInfo
	require.NoError(t, json.Unmarshal(env.Data, &riders))
	require.Len(t, riders, 1)
	assert.Equal(t, "1", riders[0].SteamID)
	assert.Equal(t, 1200, riders[0].Reputation)
}

func TestWebSocketIgnoresUnknownRequests(t *testing.T) {
	f := newFixture(t, false)
	conn := f.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("get_everything")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(RequestUsers)))
	assert.Equal(t, EventUserReply, readEnvelope(t, conn).Event)
}

func TestWebSocketForwardsRiderEvents(t *testing.T) {
	f := newFixture(t, false)
	conn := f.dial(t, "")

	f.riders.events <- domain.Event{
		Type:      domain.EventRunFinish,
		SessionID: "s1",
		Timestamp: f.clock.Now(),
		Data:      domain.RunFinishEvent{TimeID: 7, SteamID: "1", Trail: "Ridge", FinalTime: 12.5, Verified: true, Valid: true},
	}

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.EventRunFinish, env.Event)
	var run domain.RunFinishEvent
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, int64(7), run.TimeID)
	assert.True(t, run.Verified)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", getClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.4")
	assert.Equal(t, "10.0.0.3", getClientIP(req))
}
