package registry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/protocol"
	"github.com/descenders-modkit/modkit-server/internal/storage/memory"
)

const waitTimeout = 2 * time.Second

type fixture struct {
	reg    *Registry
	store  *memory.Storage
	clock  *clockwork.FakeClock
	addr   string
	served chan error
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		clock:  clockwork.NewFakeClock(),
		served: make(chan error, 1),
	}
	f.reg = New(Deps{
		Store:   f.store,
		Replays: f.store,
		Clock:   f.clock,
		Logger:  zerolog.Nop(),
		Config:  cfg,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = ln.Addr().String()
	go func() { f.served <- f.reg.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		f.reg.Shutdown(ctx)
	})
	return f
}

type client struct {
	t      *testing.T
	conn   net.Conn
	framer *protocol.Framer
}

func (f *fixture) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &client{t: t, conn: conn, framer: protocol.NewFramer(conn, 0, 0)}
	assert.Equal(t, "SUCCESS", c.waitFor(protocol.OpSuccess))
	return c
}

// send writes each line the way the game client does, with a trailing
// separator.
func (c *client) send(lines ...string) {
	c.t.Helper()
	for _, line := range lines {
		_, err := io.WriteString(c.conn, line+"|\n")
		require.NoError(c.t, err)
	}
}

func (c *client) waitFor(op protocol.Opcode) string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	for {
		line, err := c.framer.Next()
		require.NoError(c.t, err, "waiting for %s", op)
		if line == string(op) || strings.HasPrefix(line, string(op)+"|") {
			return line
		}
	}
}

// barrier waits until everything sent so far has been handled
func (c *client) barrier() {
	c.t.Helper()
	c.send("LEADERBOARD|__barrier__")
	c.waitFor(protocol.OpLeaderboard)
}

// waitClosed reads until the server closes the connection
func (c *client) waitClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	for {
		_, err := c.framer.Next()
		if err == nil {
			continue
		}
		var ne net.Error
		require.False(c.t, errors.As(err, &ne) && ne.Timeout(), "connection still open")
		return
	}
}

func TestVerifiedRunOverTCP(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t)

	c.send(
		"STEAM_ID|76561198000000001",
		"STEAM_NAME|alice",
		"MAP_ENTER|Highlands",
	)
	c.waitFor(protocol.OpInvalidateTime)

	c.send(
		"BOUNDARY_ENTER|Ridge|gate",
		"CHECKPOINT_ENTER|Ridge|Start|5|0|h0",
		"HEARTBEAT",
	)
	c.barrier()

	for i, split := range []string{"0.2", "0.4", "0.6"} {
		f.clock.Advance(200 * time.Millisecond)
		c.send("CHECKPOINT_ENTER|Ridge|Intermediate|5|" + split + "|h" + string(rune('1'+i)))
		c.waitFor(protocol.OpSplitTime)
	}

	f.clock.Advance(200 * time.Millisecond)
	c.send("CHECKPOINT_ENTER|Ridge|Finish|5|0.8|h4")
	finish := c.waitFor(protocol.OpTimerFinish)
	assert.Contains(t, finish, "verified")
	assert.NotContains(t, finish, "requires review")

	board := c.waitFor(protocol.OpLeaderboard)
	assert.Equal(t, "LEADERBOARD|Ridge|{'place': [1], 'time': [0.8], 'name': ['alice']}", board)

	subs := f.store.Submissions()
	require.Len(t, subs, 1)
	assert.True(t, subs[0].AutoVerify)
	assert.False(t, subs[0].Deleted)
	assert.Equal(t, []float64{0.2, 0.4, 0.6, 0.8}, subs[0].Times)
}

func TestNonFiniteFinishIsDropped(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t)

	c.send(
		"STEAM_ID|76561198000000001",
		"STEAM_NAME|alice",
		"MAP_ENTER|Highlands",
		"BOUNDARY_ENTER|Ridge|gate",
		"CHECKPOINT_ENTER|Ridge|Start|2|0|h0",
	)
	c.barrier()

	f.clock.Advance(time.Hour)
	c.send(
		"CHECKPOINT_ENTER|Ridge|Finish|2|NaN|h1",
		"CHECKPOINT_ENTER|Ridge|Finish|2|+Inf|h2",
	)
	c.barrier()

	assert.Empty(t, f.store.Submissions())
}

func TestBroadcastReachesOtherRiders(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.dial(t)
	bob := f.dial(t)

	alice.send("STEAM_ID|1", "STEAM_NAME|alice")
	alice.barrier()

	alice.send("BIKE_SWITCH|hardtail")
	assert.Equal(t, "SET_BIKE|hardtail|1", bob.waitFor(protocol.OpSetBike))

	alice.send("WORLD_NAME|Highlands", "CHAT_MESSAGE|hello")
	assert.Equal(t, "CHAT_MESSAGE|alice|Highlands|hello", bob.waitFor(protocol.OpChatMessage))
	assert.Equal(t, "CHAT_MESSAGE|alice|Highlands|hello", alice.waitFor(protocol.OpChatMessage))
}

func TestSecondLoginEvictsFirst(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.dial(t)
	first.send("STEAM_ID|1", "STEAM_NAME|alice")
	first.barrier()

	second := f.dial(t)
	second.send("STEAM_ID|1", "STEAM_NAME|alice")
	second.barrier()

	first.waitClosed()
	require.Eventually(t, func() bool { return f.reg.Count() == 1 }, waitTimeout, 10*time.Millisecond)

	info, ok := f.reg.FindBySteamID("1")
	require.True(t, ok)
	assert.Equal(t, "alice", info.SteamName)
}

func TestBadFramesAreDropped(t *testing.T) {
	f := newFixture(t, Config{MaxFrame: 64})
	c := f.dial(t)

	c.send(
		"",
		"BOGUS|x",
		"CHECKPOINT_ENTER|Ridge|Start|many|0|h0",
		"SUCCESS",
		"CHAT_MESSAGE|"+strings.Repeat("x", 200),
	)
	c.barrier()
	assert.Equal(t, 1, f.reg.Count())
}

func TestIdleClientsTimeOut(t *testing.T) {
	f := newFixture(t, Config{ReadTimeout: 100 * time.Millisecond})
	c := f.dial(t)

	c.waitClosed()
	require.Eventually(t, func() bool { return f.reg.Count() == 0 }, waitTimeout, 10*time.Millisecond)

	var leave *domain.RiderLeaveEvent
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-f.reg.Events():
				if e.Type == domain.EventRiderLeave {
					data := e.Data.(domain.RiderLeaveEvent)
					leave = &data
					return true
				}
			default:
				return false
			}
		}
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, "read timeout", leave.Reason)
}

func TestSpectatorLookup(t *testing.T) {
	f := newFixture(t, Config{})
	rider := f.dial(t)
	watcher := f.dial(t)

	rider.send("STEAM_ID|1", "STEAM_NAME|alice")
	rider.barrier()
	assert.False(t, f.reg.IsSpectated("1"))

	watcher.send("STEAM_ID|2", "STEAM_NAME|bob", "SPECTATE|1")
	watcher.barrier()
	assert.True(t, f.reg.IsSpectated("1"))
	assert.False(t, f.reg.IsSpectated("2"))

	riders := f.reg.Riders()
	require.Len(t, riders, 2)
	for _, r := range riders {
		if r.SteamID == "2" {
			assert.Equal(t, "alice", r.SpectatingName)
		}
	}
}

func TestSweepReapsStoppedSessions(t *testing.T) {
	f := newFixture(t, Config{})
	f.dial(t)
	require.Eventually(t, func() bool { return f.reg.Count() == 1 }, waitTimeout, 10*time.Millisecond)

	for _, s := range f.reg.snapshot() {
		s.Kill("test")
	}
	f.reg.sweep()
	assert.Equal(t, 0, f.reg.Count())
}

func TestShutdownDrainsSessions(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.dial(t)
	c.barrier()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, f.reg.Shutdown(ctx))

	select {
	case err := <-f.served:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return")
	}
	c.waitClosed()
	assert.Equal(t, 0, f.reg.Count())

	_, err := net.DialTimeout("tcp", f.addr, 200*time.Millisecond)
	assert.Error(t, err)
}
