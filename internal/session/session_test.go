package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/notify"
	"github.com/descenders-modkit/modkit-server/internal/protocol"
	"github.com/descenders-modkit/modkit-server/internal/storage/memory"
)

const waitTimeout = 2 * time.Second

type broadcast struct {
	line   string
	except string
}

type fakeHub struct {
	mu         sync.Mutex
	broadcasts []broadcast
	evicted    []string
	events     []domain.Event
	riders     map[string]domain.RiderInfo
	spectated  map[string]bool
}

func newFakeHub() *fakeHub {
	return &fakeHub{riders: map[string]domain.RiderInfo{}, spectated: map[string]bool{}}
}

func (h *fakeHub) Broadcast(f protocol.Frame, exceptID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, broadcast{line: f.String(), except: exceptID})
}

func (h *fakeHub) EvictDuplicates(steamID, keepID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evicted = append(h.evicted, steamID)
}

func (h *fakeHub) FindBySteamID(steamID string) (domain.RiderInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	info, ok := h.riders[steamID]
	return info, ok
}

func (h *fakeHub) IsSpectated(steamID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spectated[steamID]
}

func (h *fakeHub) Emit(e domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *fakeHub) broadcastsFor(op protocol.Opcode) []broadcast {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []broadcast
	for _, b := range h.broadcasts {
		if strings.HasPrefix(b.line, string(op)+"|") {
			out = append(out, b)
		}
	}
	return out
}

func (h *fakeHub) eventsOf(eventType string) []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Event
	for _, e := range h.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	messages map[notify.Channel][]string
}

func (r *recordingSink) Announce(_ context.Context, message string, channel notify.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.messages == nil {
		r.messages = map[notify.Channel][]string{}
	}
	r.messages[channel] = append(r.messages[channel], message)
	return nil
}

func (r *recordingSink) on(channel notify.Channel) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages[channel]...)
}

type failingLeaderboards struct{}

func (failingLeaderboards) Leaderboard(context.Context, string) ([]domain.LeaderboardEntry, error) {
	return nil, errors.New("speedrun.com unavailable")
}

type harness struct {
	t      *testing.T
	sess   *Session
	client net.Conn
	lines  chan string
	store  *memory.Storage
	hub    *fakeHub
	sink   *recordingSink
	clock  *clockwork.FakeClock
}

func newHarness(t *testing.T, configure ...func(*Deps)) *harness {
	t.Helper()
	server, client := net.Pipe()
	h := &harness{
		t:      t,
		client: client,
		lines:  make(chan string, 256),
		store:  memory.New(),
		hub:    newFakeHub(),
		sink:   &recordingSink{},
		clock:  clockwork.NewFakeClock(),
	}
	deps := Deps{
		Store:        h.store,
		Replays:      h.store,
		Leaderboards: failingLeaderboards{},
		Notifier:     h.sink,
		Hub:          h.hub,
		Clock:        h.clock,
		Logger:       zerolog.Nop(),
	}
	for _, fn := range configure {
		fn(&deps)
	}
	h.sess = New(server, deps)
	h.sess.Start()

	go func() {
		defer close(h.lines)
		framer := protocol.NewFramer(client, 0, 0)
		for {
			line, err := framer.Next()
			if err != nil {
				return
			}
			h.lines <- line
		}
	}()

	t.Cleanup(func() {
		h.sess.Kill("test finished")
		client.Close()
		<-h.sess.Done()
	})
	return h
}

// send parses each line and queues it on the session
func (h *harness) send(lines ...string) {
	h.t.Helper()
	for _, line := range lines {
		msg, err := protocol.ParseLine(line)
		require.NoError(h.t, err, line)
		require.True(h.t, h.sess.Enqueue(msg), line)
	}
}

// waitFor returns the next line with opcode op, skipping any others
func (h *harness) waitFor(op protocol.Opcode) string {
	h.t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case line, ok := <-h.lines:
			require.True(h.t, ok, "connection closed waiting for %s", op)
			if line == string(op) || strings.HasPrefix(line, string(op)+"|") {
				return line
			}
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s", op)
		}
	}
}

// collectUntil gathers lines until one has opcode op, which is excluded
func (h *harness) collectUntil(op protocol.Opcode) []string {
	h.t.Helper()
	var lines []string
	timeout := time.After(waitTimeout)
	for {
		select {
		case line, ok := <-h.lines:
			require.True(h.t, ok, "connection closed waiting for %s", op)
			if strings.HasPrefix(line, string(op)+"|") {
				return lines
			}
			lines = append(lines, line)
		case <-timeout:
			h.t.Fatalf("timed out waiting for %s", op)
		}
	}
}

// barrier waits until every message sent so far has been handled
func (h *harness) barrier() {
	h.t.Helper()
	h.send("LEADERBOARD|__barrier__|")
	h.waitFor(protocol.OpLeaderboard)
}

func (h *harness) identify(steamID, name string) {
	h.t.Helper()
	h.send("STEAM_ID|"+steamID+"|", "STEAM_NAME|"+name+"|")
	h.barrier()
}

func TestIdentityUpsertsPlayerAndDeliversPendingItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.AddPendingItem(ctx, "76561198000000001", 7))

	h.send("STEAM_NAME|alice|", "STEAM_ID|76561198000000001|")
	assert.Equal(t, "UNLOCK_ITEM|7", h.waitFor(protocol.OpUnlockItem))
	h.barrier()

	items, err := h.store.GetPendingItems(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.Empty(t, items)

	player, err := h.store.GetPlayer(ctx, "76561198000000001")
	require.NoError(t, err)
	assert.Equal(t, "alice", player.SteamName)

	h.hub.mu.Lock()
	assert.Equal(t, []string{"76561198000000001"}, h.hub.evicted)
	h.hub.mu.Unlock()

	info := h.sess.Info()
	assert.Equal(t, "alice", info.SteamName)
	assert.Equal(t, "OUTDATED", info.Version)
	assert.True(t, h.sess.Alive())
}

func TestBannedRidersAreDisconnected(t *testing.T) {
	cases := []struct {
		name    string
		steamID string
		steam   string
	}{
		{"banned name", "76561198000000001", "CoDeX"},
		{"offline id", "OFFLINE", "bob"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.send("STEAM_NAME|"+tc.steam+"|", "STEAM_ID|"+tc.steamID+"|")

			assert.Equal(t, "BANNED|CRASH", h.waitFor(protocol.OpBanned))
			select {
			case <-h.sess.Done():
			case <-time.After(waitTimeout):
				t.Fatal("banned session still running")
			}
			assert.Equal(t, "banned", h.sess.Reason())
			assert.Len(t, h.sink.on(notify.ChannelBanNote), 1)
			assert.Len(t, h.hub.eventsOf(domain.EventBan), 1)
		})
	}
}

func TestVerifiedRunRefreshesLeaderboardAndAnnounces(t *testing.T) {
	h := newHarness(t)
	h.hub.spectated["765"] = true
	h.identify("765", "alice")

	h.send("MAP_ENTER|Highlands|")
	assert.Equal(t, `INVALIDATE_TIME|\n`, h.waitFor(protocol.OpInvalidateTime))

	h.send(
		"BOUNDARY_ENTER|Ridge|g1|",
		"CHECKPOINT_ENTER|Ridge|Start|3|0|h0|",
	)
	h.barrier()

	h.clock.Advance(2 * time.Second)
	h.send("CHECKPOINT_ENTER|Ridge|Intermediate|3|2|h1|")
	assert.Equal(t, "SPLIT_TIME|00:02.000", h.waitFor(protocol.OpSplitTime))

	h.clock.Advance(2 * time.Second)
	h.send("CHECKPOINT_ENTER|Ridge|Finish|3|4|h2|")
	popup := h.waitFor(protocol.OpPopup)
	assert.True(t, strings.HasPrefix(popup, "POPUP|Time Verified|"), popup)
	assert.Equal(t, `TIMER_FINISH|00:04.000\nverified`, h.waitFor(protocol.OpTimerFinish))
	h.barrier()

	boards := h.hub.broadcastsFor(protocol.OpLeaderboard)
	require.Len(t, boards, 1)
	assert.Equal(t, "LEADERBOARD|Ridge|{'place': [1], 'time': [4.0], 'name': ['alice']}", boards[0].line)
	assert.Empty(t, boards[0].except)

	bikes := h.hub.broadcastsFor(protocol.OpSetBike)
	require.Len(t, bikes, 1)
	assert.Equal(t, "SET_BIKE|downhill|765", bikes[0].line)

	subs := h.store.Submissions()
	require.Len(t, subs, 1)
	assert.True(t, subs[0].AutoVerify)
	assert.False(t, subs[0].Deleted)
	assert.Equal(t, []float64{2, 4}, subs[0].Times)
	assert.Equal(t, domain.BikeDownhill, subs[0].BikeID)

	assert.Len(t, h.sink.on(notify.ChannelNewTime), 1)
	assert.Len(t, h.sink.on(notify.ChannelFastestTime), 1)
	assert.Equal(t, []string{"00:04.000 on Ridge"}, h.sink.on(notify.ChannelTwitch))

	finished := h.hub.eventsOf(domain.EventRunFinish)
	require.Len(t, finished, 1)
	ev := finished[0].Data.(domain.RunFinishEvent)
	assert.True(t, ev.Verified)
	assert.True(t, ev.Fastest)
	assert.True(t, ev.Spectated)
}

func TestInvalidRunIsStoredButNotAnnounced(t *testing.T) {
	h := newHarness(t)
	h.identify("765", "alice")
	h.send(
		"MAP_ENTER|Highlands|",
		"BOUNDARY_ENTER|Ridge|g1|",
		"CHECKPOINT_ENTER|Ridge|Start|4|0|h0|",
	)
	h.barrier()

	h.clock.Advance(3 * time.Second)
	h.send("CHECKPOINT_ENTER|Ridge|Finish|4|3|h2|")
	finish := h.waitFor(protocol.OpTimerFinish)
	assert.Contains(t, finish, "ERR003")
	h.barrier()

	subs := h.store.Submissions()
	require.Len(t, subs, 1)
	assert.True(t, subs[0].Deleted)
	assert.Empty(t, h.hub.broadcastsFor(protocol.OpLeaderboard))
	assert.Empty(t, h.sink.on(notify.ChannelNewTime))
	assert.Len(t, h.hub.eventsOf(domain.EventRunFinish), 1)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// entries decodes every log line with the given message
func (b *syncBuffer) entries(t *testing.T, message string) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		if entry["message"] == message {
			out = append(out, entry)
		}
	}
	return out
}

func TestLogsUseIdentityLearnedAfterTrailEntry(t *testing.T) {
	logs := &syncBuffer{}
	h := newHarness(t, func(d *Deps) { d.Logger = zerolog.New(logs) })

	// the trail's timer exists before the client has said who it is
	h.send("BOUNDARY_ENTER|Ridge|g1|")
	h.barrier()
	h.identify("765", "alice")
	h.send("CHECKPOINT_ENTER|Ridge|Start|3|0|h0|", "CHAT_MESSAGE|hi|")
	h.barrier()

	started := logs.entries(t, "Timer started")
	require.Len(t, started, 1)
	assert.Equal(t, "765", started[0]["steam_id"])
	assert.Equal(t, "alice", started[0]["steam_name"])
	assert.Equal(t, "Ridge", started[0]["trail"])

	chat := logs.entries(t, "Chat message")
	require.Len(t, chat, 1)
	assert.Equal(t, "765", chat[0]["steam_id"])
}

func TestBikeSwitchInvalidatesRunningTimers(t *testing.T) {
	h := newHarness(t)
	h.identify("765", "alice")
	h.send(
		"BOUNDARY_ENTER|Ridge|g1|",
		"CHECKPOINT_ENTER|Ridge|Start|3|0|h0|",
		"BIKE_SWITCH|hardtail|",
	)
	assert.Equal(t, `INVALIDATE_TIME|You switched bikes!\n`, h.waitFor(protocol.OpInvalidateTime))
	h.barrier()

	bikes := h.hub.broadcastsFor(protocol.OpSetBike)
	require.Len(t, bikes, 1)
	assert.Equal(t, "SET_BIKE|hardtail|765", bikes[0].line)
	assert.Equal(t, h.sess.ID(), bikes[0].except)
	assert.Equal(t, domain.BikeHardtail, h.sess.Info().BikeID)
}

func TestStartForceStopsOtherTrails(t *testing.T) {
	h := newHarness(t)
	h.identify("765", "alice")
	h.send(
		"BOUNDARY_ENTER|Ridge|g1|",
		"BOUNDARY_ENTER|Quarry|g2|",
		"CHECKPOINT_ENTER|Ridge|Start|3|0|h0|",
		"CHECKPOINT_ENTER|Quarry|Start|3|0|h0|",
		"BIKE_SWITCH|enduro|",
		"LEADERBOARD|__barrier__|",
	)

	// Only Quarry is still running when the bike changes.
	var invalidations int
	for _, line := range h.collectUntil(protocol.OpLeaderboard) {
		if strings.HasPrefix(line, string(protocol.OpInvalidateTime)+"|") {
			invalidations++
		}
	}
	assert.Equal(t, 1, invalidations)
}

func TestRespawnFlagsRunningTimerOnce(t *testing.T) {
	h := newHarness(t)
	h.identify("765", "alice")
	h.send(
		"BOUNDARY_ENTER|Ridge|g1|",
		"CHECKPOINT_ENTER|Ridge|Start|3|0|h0|",
		"RESPAWN|",
		"RESPAWN|",
		"LEADERBOARD|__barrier__|",
	)
	var reviews int
	for _, line := range h.collectUntil(protocol.OpLeaderboard) {
		if line == "SPLIT_TIME|Time requires review" {
			reviews++
		}
	}
	assert.Equal(t, 1, reviews)
}

func TestStartSpeedAboveRecordInvalidates(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.SubmitTime(context.Background(), domain.TimeSubmission{
		SteamID:       "1",
		SteamName:     "bob",
		Trail:         "Ridge",
		World:         "Highlands",
		StartingSpeed: 10,
		Times:         []float64{50},
		AutoVerify:    true,
	})
	require.NoError(t, err)

	h.identify("765", "alice")
	h.send(
		"MAP_ENTER|Highlands|",
		"BOUNDARY_ENTER|Ridge|g1|",
		"CHECKPOINT_ENTER|Ridge|Start|3|0|h0|",
	)
	h.waitFor(protocol.OpInvalidateTime)

	h.send("START_SPEED|11.5|", "LEADERBOARD|__barrier__|")
	for _, line := range h.collectUntil(protocol.OpLeaderboard) {
		assert.NotContains(t, line, string(protocol.OpInvalidateTime))
	}

	h.send("START_SPEED|12.5|")
	assert.Equal(t, `INVALIDATE_TIME|You went through the start too fast!\n`, h.waitFor(protocol.OpInvalidateTime))
}

func TestMapExitInvalidatesWithEmptyReason(t *testing.T) {
	h := newHarness(t)
	h.identify("765", "alice")
	h.send(
		"BOUNDARY_ENTER|Ridge|g1|",
		"CHECKPOINT_ENTER|Ridge|Start|3|0|h0|",
		"MAP_EXIT|",
	)
	assert.Equal(t, `INVALIDATE_TIME|\n`, h.waitFor(protocol.OpInvalidateTime))
}

func TestChatIsBroadcastToEveryone(t *testing.T) {
	h := newHarness(t)
	h.identify("765", "alice")
	h.send("WORLD_NAME|Highlands|", "CHAT_MESSAGE|hi there|")
	h.barrier()

	chats := h.hub.broadcastsFor(protocol.OpChatMessage)
	require.Len(t, chats, 1)
	assert.Equal(t, "CHAT_MESSAGE|alice|Highlands|hi there", chats[0].line)
	assert.Empty(t, chats[0].except)
	assert.Len(t, h.hub.eventsOf(domain.EventChat), 1)
}

func TestLeaderboardReplies(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.SubmitTime(context.Background(), domain.TimeSubmission{
		SteamID:    "1",
		SteamName:  "bob",
		Trail:      "Ridge",
		World:      "Highlands",
		Times:      []float64{30, 61.25},
		AutoVerify: true,
	})
	require.NoError(t, err)

	h.send("WORLD_NAME|Highlands|", "LEADERBOARD|Ridge|")
	assert.Equal(t, "LEADERBOARD|Ridge|{'place': [1], 'time': [61.25], 'name': ['bob']}", h.waitFor(protocol.OpLeaderboard))

	h.send("LEADERBOARD|Nowhere|")
	assert.Equal(t, "LEADERBOARD|Nowhere|{}", h.waitFor(protocol.OpLeaderboard))

	h.send("SPEEDRUN_DOT_COM_LEADERBOARD|Ridge|")
	assert.Equal(t,
		"SPEEDRUN_DOT_COM_LEADERBOARD|Ridge|{'place': [1], 'time': [0.0], 'name': ['No times']}",
		h.waitFor(protocol.OpSpeedrunLeaderboard))
}

func TestUploadReplayIsStored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.store.SubmitTime(ctx, domain.TimeSubmission{SteamID: "1", Trail: "Ridge", Times: []float64{5}})
	require.NoError(t, err)

	payload := []byte("replay bytes")
	h.send("UPLOAD_REPLAY|1|" + base64.StdEncoding.EncodeToString(payload) + "|")
	h.barrier()

	data, err := h.store.GetReplay(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestSpectateRecordsTargetName(t *testing.T) {
	h := newHarness(t)
	h.hub.riders["9"] = domain.RiderInfo{SteamID: "9", SteamName: "carol"}

	h.send("SPECTATE|9|", "TRICK|backflip|", "VERSION|1.4.2|", "REP|1200|")
	h.barrier()

	info := h.sess.Info()
	assert.Equal(t, "9", info.SpectatingSteamID)
	assert.Equal(t, "carol", info.SpectatingName)
	assert.Equal(t, "backflip", info.LastTrick)
	assert.Equal(t, "1.4.2", info.Version)
	assert.Equal(t, 1200, info.Reputation)

	h.send("SPECTATE|404|")
	h.barrier()
	assert.Empty(t, h.sess.Info().SpectatingName)
}

type panickingStore struct {
	*memory.Storage
}

func (panickingStore) GetPendingItems(context.Context, string) ([]domain.PendingItem, error) {
	panic("boom")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Store = panickingStore{memory.New()}
	})
	h.send("STEAM_ID|765|", "TRICK|manual|")
	h.barrier()

	assert.True(t, h.sess.Alive())
	assert.Equal(t, "manual", h.sess.Info().LastTrick)
}

func TestFinishDrainsQueuedMessages(t *testing.T) {
	h := newHarness(t)
	h.send("WORLD_NAME|Highlands|", "LEADERBOARD|Ridge|")
	h.sess.Finish()

	assert.Equal(t, "LEADERBOARD|Ridge|{}", h.waitFor(protocol.OpLeaderboard))
	select {
	case <-h.sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not stop after its inbox drained")
	}
	assert.Equal(t, "disconnected", h.sess.Reason())
	assert.False(t, h.sess.Alive())
}

func TestFullOutboundQueueKillsSession(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s := New(server, Deps{
		Store:  memory.New(),
		Logger: zerolog.Nop(),
		Config: Config{OutboxSize: 1, WriteTimeout: 50 * time.Millisecond},
	})
	s.Start()

	// Nobody reads the client side, so the writer stalls on the first frame.
	for i := 0; i < 3; i++ {
		s.Send(protocol.NewFrame(protocol.OpSuccess))
	}
	assert.False(t, s.Alive())
	assert.Equal(t, "outbound queue full", s.Reason())

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not stop")
	}

	s.Send(protocol.NewFrame(protocol.OpSuccess))
}
