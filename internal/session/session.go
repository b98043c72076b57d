// Package session owns one game client connection: its identity, its
// per-trail timers and the ordered processing of everything it sends.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/metrics"
	"github.com/descenders-modkit/modkit-server/internal/notify"
	"github.com/descenders-modkit/modkit-server/internal/protocol"
	"github.com/descenders-modkit/modkit-server/internal/speedrun"
	"github.com/descenders-modkit/modkit-server/internal/storage"
	"github.com/descenders-modkit/modkit-server/internal/timer"
)

const (
	DefaultInboxSize       = 64
	DefaultOutboxSize      = 256
	DefaultWriteTimeout    = 10 * time.Second
	DefaultLeaderboardSize = 10

	defaultVersion = "OUTDATED"
)

// DefaultBannedNames are the Steam names of pirated copies of the game
var DefaultBannedNames = []string{
	"descender", "goldberg", "skidrow", "player", "codex", "cdx",
	"steamrip", "steam", "rip", "cracked", "crack",
}

// Hub is the view a session has of every other live session
type Hub interface {
	// Broadcast queues f on every session except the one with exceptID.
	// An empty exceptID reaches everyone.
	Broadcast(f protocol.Frame, exceptID string)
	// EvictDuplicates disconnects every session of steamID except keepID
	EvictDuplicates(steamID, keepID string)
	FindBySteamID(steamID string) (domain.RiderInfo, bool)
	// IsSpectated reports whether any rider is spectating steamID
	IsSpectated(steamID string) bool
	Emit(e domain.Event)
}

// Config holds per-session limits
type Config struct {
	InboxSize       int
	OutboxSize      int
	WriteTimeout    time.Duration
	LeaderboardSize int
	BannedNames     []string
	Timer           timer.Config
}

func (c Config) withDefaults() Config {
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.LeaderboardSize <= 0 {
		c.LeaderboardSize = DefaultLeaderboardSize
	}
	if c.BannedNames == nil {
		c.BannedNames = DefaultBannedNames
	}
	if c.Timer.StoreTimeout <= 0 {
		c.Timer.StoreTimeout = timer.DefaultStoreTimeout
	}
	return c
}

// Deps are the collaborators shared by every session
type Deps struct {
	Store        storage.TimeStore
	Replays      storage.ReplayStore
	Leaderboards speedrun.ExternalLeaderboard
	Notifier     notify.Sink
	Hub          Hub
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	Config       Config
}

// Session is one connected game client. Inbound messages are handled one
// at a time by a worker goroutine; outbound frames are written by a
// separate writer so a slow client never blocks the sender.
type Session struct {
	id     string
	conn   net.Conn
	deps   Deps
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inbox  chan protocol.Message
	outbox chan []byte
	wg     sync.WaitGroup
	done   chan struct{}

	alive      atomic.Bool
	stopOnce   sync.Once
	inboxOnce  sync.Once
	stopReason atomic.Value

	mu   sync.RWMutex
	info domain.RiderInfo

	// owned by the worker
	trails map[string]*timer.Timer
}

// New wraps conn. Call Start to begin processing.
func New(conn net.Conn, deps Deps) *Session {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	deps.Config = deps.Config.withDefaults()

	id := uuid.NewString()
	addr := conn.RemoteAddr().String()
	now := deps.Clock.Now()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:     id,
		conn:   conn,
		deps:   deps,
		logger: deps.Logger.With().Str("session_id", id).Str("address", addr).Logger(),
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan protocol.Message, deps.Config.InboxSize),
		outbox: make(chan []byte, deps.Config.OutboxSize),
		done:   make(chan struct{}),
		info: domain.RiderInfo{
			SessionID:   id,
			Address:     addr,
			Version:     defaultVersion,
			TimeStarted: now,
			ConnectedAt: now,
		},
		trails: make(map[string]*timer.Timer),
	}
	s.alive.Store(true)
	return s
}

// Start launches the worker and writer goroutines
func (s *Session) Start() {
	s.deps.Metrics.SessionOpened()
	s.wg.Add(2)
	go s.work()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		s.deps.Metrics.SessionClosed()
		close(s.done)
	}()
}

// ID returns the session's unique id
func (s *Session) ID() string { return s.id }

// Conn returns the underlying connection
func (s *Session) Conn() net.Conn { return s.conn }

// Alive reports whether the session can still send
func (s *Session) Alive() bool { return s.alive.Load() }

// Done is closed once the worker and writer have exited
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session stopped, or "" while it is alive
func (s *Session) Reason() string {
	if r, ok := s.stopReason.Load().(string); ok {
		return r
	}
	return ""
}

// Info returns a copy of the rider's identity fields
func (s *Session) Info() domain.RiderInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *Session) update(fn func(info *domain.RiderInfo)) domain.RiderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.info)
	return s.info
}

// Send queues f for the writer. It never blocks: a full queue kills the
// session and sends after that are dropped.
func (s *Session) Send(f protocol.Frame) {
	if !s.alive.Load() {
		return
	}
	select {
	case s.outbox <- protocol.Encode(f):
		s.deps.Metrics.FrameSent(string(f.Opcode))
	default:
		s.logger.Warn().Str("opcode", string(f.Opcode)).Msg("Outbound queue full")
		s.Kill("outbound queue full")
	}
}

// Enqueue hands an inbound message to the worker, blocking while the inbox
// is full. It returns false once the session has stopped. Enqueue and
// Finish must be called from the same goroutine.
func (s *Session) Enqueue(msg protocol.Message) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish signals that no more input will arrive. Queued messages are still
// handled before the connection closes.
func (s *Session) Finish() {
	s.inboxOnce.Do(func() { close(s.inbox) })
}

// Kill stops the session immediately. Frames already queued are flushed
// before the connection closes.
func (s *Session) Kill(reason string) {
	s.stopOnce.Do(func() {
		s.stopReason.Store(reason)
		s.alive.Store(false)
		s.cancel()
		s.logger.Info().Str("reason", reason).Msg("Session stopped")
	})
}

func (s *Session) work() {
	defer s.wg.Done()
	defer s.Kill("disconnected")
	for {
		select {
		case msg, ok := <-s.inbox:
			if !ok {
				return
			}
			s.dispatch(msg)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer s.conn.Close()
	for {
		select {
		case data := <-s.outbox:
			if !s.write(data) {
				return
			}
		case <-s.ctx.Done():
			for {
				select {
				case data := <-s.outbox:
					if !s.write(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Session) write(data []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.deps.Config.WriteTimeout)); err != nil {
		s.Kill("write failed")
		return false
	}
	if _, err := s.conn.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Write failed")
		s.Kill("write failed")
		return false
	}
	return true
}

// storeCtx bounds a collaborator call made by a handler
func (s *Session) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.deps.Config.Timer.StoreTimeout)
}

func (s *Session) emit(eventType string, data interface{}) {
	if s.deps.Hub == nil {
		return
	}
	s.deps.Hub.Emit(domain.Event{
		Type:      eventType,
		SessionID: s.id,
		Timestamp: s.deps.Clock.Now(),
		Data:      data,
	})
}

func (s *Session) broadcast(f protocol.Frame, exceptID string) {
	if s.deps.Hub == nil {
		if exceptID != s.id {
			s.Send(f)
		}
		return
	}
	s.deps.Hub.Broadcast(f, exceptID)
}

func (s *Session) announce(message string, channel notify.Channel) {
	ctx, cancel := s.storeCtx()
	defer cancel()
	if err := s.deps.Notifier.Announce(ctx, message, channel); err != nil {
		s.logger.Warn().Err(err).Str("channel", string(channel)).Msg("Failed to announce")
	}
}
