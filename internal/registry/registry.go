// Package registry accepts game client connections and keeps the set of
// live sessions that broadcasts and lookups run against.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/metrics"
	"github.com/descenders-modkit/modkit-server/internal/notify"
	"github.com/descenders-modkit/modkit-server/internal/protocol"
	"github.com/descenders-modkit/modkit-server/internal/session"
	"github.com/descenders-modkit/modkit-server/internal/speedrun"
	"github.com/descenders-modkit/modkit-server/internal/storage"
)

const (
	DefaultReadTimeout   = 120 * time.Second
	DefaultSweepInterval = time.Second

	eventBuffer = 100
)

// Config holds connection limits
type Config struct {
	ReadTimeout   time.Duration
	SweepInterval time.Duration
	ReadBuffer    int
	MaxFrame      int
	Session       session.Config
}

// Deps are handed to every session the registry creates
type Deps struct {
	Store        storage.TimeStore
	Replays      storage.ReplayStore
	Leaderboards speedrun.ExternalLeaderboard
	Notifier     notify.Sink
	Clock        clockwork.Clock
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	Config       Config
}

// Registry owns the accept loop and the live session set
type Registry struct {
	deps   Deps
	logger zerolog.Logger
	events chan domain.Event

	mu       sync.RWMutex
	sessions map[string]*session.Session
	listener net.Listener

	closing   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ session.Hub = (*Registry)(nil)

// New creates a registry
func New(deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Config.ReadTimeout <= 0 {
		deps.Config.ReadTimeout = DefaultReadTimeout
	}
	if deps.Config.SweepInterval <= 0 {
		deps.Config.SweepInterval = DefaultSweepInterval
	}
	return &Registry{
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "registry").Logger(),
		events:   make(chan domain.Event, eventBuffer),
		sessions: make(map[string]*session.Session),
		done:     make(chan struct{}),
	}
}

// Events returns the dashboard event stream
func (r *Registry) Events() <-chan domain.Event {
	return r.events
}

// ListenAndServe listens on addr and serves until Shutdown
func (r *Registry) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return r.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called
func (r *Registry) Serve(ln net.Listener) error {
	r.wg.Add(1)
	defer r.wg.Done()

	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()
	if r.closing.Load() {
		ln.Close()
		return nil
	}

	r.wg.Add(1)
	go r.sweepLoop()

	r.logger.Info().Str("addr", ln.Addr().String()).Msg("Accepting game clients")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		if r.closing.Load() {
			conn.Close()
			continue
		}
		r.wg.Add(1)
		go r.handle(conn)
	}
}

// Addr returns the listener address, or nil before Serve
func (r *Registry) Addr() net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Registry) handle(conn net.Conn) {
	defer r.wg.Done()

	s := session.New(conn, session.Deps{
		Store:        r.deps.Store,
		Replays:      r.deps.Replays,
		Leaderboards: r.deps.Leaderboards,
		Notifier:     r.deps.Notifier,
		Hub:          r,
		Clock:        r.deps.Clock,
		Metrics:      r.deps.Metrics,
		Logger:       r.deps.Logger,
		Config:       r.deps.Config.Session,
	})

	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	s.Start()
	s.Send(protocol.NewFrame(protocol.OpSuccess))
	r.Emit(domain.Event{
		Type:      domain.EventRiderJoin,
		SessionID: s.ID(),
		Timestamp: r.deps.Clock.Now(),
		Data:      domain.RiderJoinEvent{Address: conn.RemoteAddr().String()},
	})

	r.readLoop(s)
	<-s.Done()
	r.remove(s)
}

// readLoop feeds frames into the session until the connection ends
func (r *Registry) readLoop(s *session.Session) {
	conn := s.Conn()
	log := r.logger.With().Str("session_id", s.ID()).Logger()
	framer := protocol.NewFramer(conn, r.deps.Config.ReadBuffer, r.deps.Config.MaxFrame)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(r.deps.Config.ReadTimeout)); err != nil {
			s.Finish()
			return
		}
		// Shutdown moves the deadline to now; recheck so it is not overwritten.
		if r.closing.Load() {
			s.Finish()
			return
		}

		line, err := framer.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				log.Warn().Err(err).Msg("Dropped oversized frame")
				r.deps.Metrics.FrameDropped("too_large")
				continue
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !r.closing.Load() {
				s.Kill("read timeout")
				return
			}
			s.Finish()
			return
		}

		if protocol.IsHeartbeat(line) {
			continue
		}
		msg, err := protocol.ParseLine(line)
		if err != nil {
			log.Warn().Err(err).Str("line", line).Msg("Dropped frame")
			r.deps.Metrics.FrameDropped(dropReason(err))
			continue
		}
		if !s.Enqueue(msg) {
			return
		}
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrEmptyOpcode):
		return "empty_opcode"
	case errors.Is(err, protocol.ErrUnknownOpcode):
		return "unknown_opcode"
	default:
		return "malformed"
	}
}

// remove drops s from the live set, reporting the departure once
func (r *Registry) remove(s *session.Session) {
	r.mu.Lock()
	cur, ok := r.sessions[s.ID()]
	if ok && cur == s {
		delete(r.sessions, s.ID())
	}
	r.mu.Unlock()
	if ok && cur == s {
		r.emitLeave(s)
	}
}

func (r *Registry) emitLeave(s *session.Session) {
	info := s.Info()
	reason := s.Reason()
	if reason == "" {
		reason = "disconnected"
	}
	r.logger.Info().
		Str("session_id", s.ID()).
		Str("steam_id", info.SteamID).
		Str("reason", reason).
		Msg("Rider left")
	r.Emit(domain.Event{
		Type:      domain.EventRiderLeave,
		SessionID: s.ID(),
		Timestamp: r.deps.Clock.Now(),
		Data:      domain.RiderLeaveEvent{SteamID: info.SteamID, SteamName: info.SteamName, Reason: reason},
	})
}

// sweepLoop periodically reaps sessions that have stopped
func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := r.deps.Clock.NewTicker(r.deps.Config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.Chan():
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	var dead []*session.Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if !s.Alive() {
			delete(r.sessions, id)
			dead = append(dead, s)
		}
	}
	r.mu.Unlock()

	for _, s := range dead {
		r.emitLeave(s)
	}
}

func (r *Registry) snapshot() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast queues f on every live session except exceptID
func (r *Registry) Broadcast(f protocol.Frame, exceptID string) {
	for _, s := range r.snapshot() {
		if s.ID() != exceptID {
			s.Send(f)
		}
	}
}

// EvictDuplicates stops every other session signed in as steamID
func (r *Registry) EvictDuplicates(steamID, keepID string) {
	for _, s := range r.snapshot() {
		if s.ID() != keepID && s.Info().SteamID == steamID {
			s.Kill("replaced by a newer connection")
		}
	}
}

// FindBySteamID returns the identity of a live rider
func (r *Registry) FindBySteamID(steamID string) (domain.RiderInfo, bool) {
	for _, s := range r.snapshot() {
		if !s.Alive() {
			continue
		}
		if info := s.Info(); info.SteamID == steamID {
			return info, true
		}
	}
	return domain.RiderInfo{}, false
}

// IsSpectated reports whether another rider is spectating steamID
func (r *Registry) IsSpectated(steamID string) bool {
	if steamID == "" {
		return false
	}
	for _, s := range r.snapshot() {
		info := s.Info()
		if info.SpectatingSteamID == steamID && info.SteamID != steamID {
			return true
		}
	}
	return false
}

// Emit publishes a dashboard event, dropping it when nobody keeps up
func (r *Registry) Emit(e domain.Event) {
	select {
	case r.events <- e:
	default:
	}
}

// Riders returns the identities of all live sessions, oldest first
func (r *Registry) Riders() []domain.RiderInfo {
	sessions := r.snapshot()
	riders := make([]domain.RiderInfo, 0, len(sessions))
	for _, s := range sessions {
		riders = append(riders, s.Info())
	}
	sort.Slice(riders, func(i, j int) bool {
		if riders[i].ConnectedAt.Equal(riders[j].ConnectedAt) {
			return riders[i].SessionID < riders[j].SessionID
		}
		return riders[i].ConnectedAt.Before(riders[j].ConnectedAt)
	})
	return riders
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown stops accepting, lets every session finish its queued work and
// waits for all goroutines. Sessions still running when ctx ends are
// killed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closing.Store(true)
	r.closeOnce.Do(func() { close(r.done) })

	r.mu.RLock()
	if r.listener != nil {
		r.listener.Close()
	}
	r.mu.RUnlock()

	now := time.Now()
	for _, s := range r.snapshot() {
		s.Conn().SetReadDeadline(now)
	}

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		r.logger.Info().Msg("Registry shut down")
		return nil
	case <-ctx.Done():
		for _, s := range r.snapshot() {
			s.Kill("server shutting down")
		}
		return ctx.Err()
	}
}
