// Package timer implements the per-trail run state machine: boundary
// tracking, checkpoint splits, end-of-run validation and submission.
package timer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/protocol"
	"github.com/descenders-modkit/modkit-server/internal/storage"
)

const (
	msgRequiresReview = "Time requires review"
	reasonOK          = "No errors"

	DefaultReplayRetryInterval = 20 * time.Second
	DefaultStoreTimeout        = 10 * time.Second
	DefaultStartSpeedMargin    = 2.0
)

// Validation failures reported by CanEnd, in the order they are checked.
const (
	ReasonNotStarted    = "ERR006: Timer not started"
	ReasonNoTimes       = "ERR004: No times logged"
	ReasonNegativeTime  = "ERR005: Time is negative"
	ReasonTooMany       = "ERR002: Too many checkpoints"
	ReasonNotEnough     = "ERR003: Not enough checkpoints"
	ReasonClockMismatch = "ERR007: Client time did not match server time"
)

// maxClockDrift is how far, in seconds, the client's finishing time may
// stray from the server's own measurement of the run.
const maxClockDrift = 1.0

// Rider is the session a timer reports to
type Rider interface {
	Info() domain.RiderInfo
	Send(f protocol.Frame)
}

// Config holds the tunables shared by every timer of a server
type Config struct {
	ReplayRetryInterval time.Duration
	StoreTimeout        time.Duration
	StartSpeedMargin    float64
}

func (c Config) withDefaults() Config {
	if c.ReplayRetryInterval <= 0 {
		c.ReplayRetryInterval = DefaultReplayRetryInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.StartSpeedMargin == 0 {
		c.StartSpeedMargin = DefaultStartSpeedMargin
	}
	return c
}

// Deps are the collaborators a timer talks to
type Deps struct {
	Store   storage.TimeStore
	Replays storage.ReplayStore
	Clock   clockwork.Clock
	Logger  zerolog.Logger
	Config  Config
}

// State is a copy of a timer's fields
type State struct {
	Trail            string
	Started          bool
	AutoVerify       bool
	Times            []float64
	StartingSpeed    float64
	TotalCheckpoints int
	StartedAt        time.Time
	Boundaries       int
}

// Result describes a finished run that reached the time store
type Result struct {
	TimeID     int64
	Submission domain.TimeSubmission
	Valid      bool
	Reason     string
	Verified   bool
	WasRunning bool
}

// Timer tracks one rider's run on one trail. It is not safe for
// concurrent use; the owning session serializes every call.
type Timer struct {
	trail  string
	rider  Rider
	deps   Deps
	logger zerolog.Logger

	started          bool
	autoVerify       bool
	times            []float64
	startingSpeed    float64
	totalCheckpoints int
	startedAt        time.Time
	boundaries       map[string]struct{}
	hashes           map[string]struct{}
}

// New creates an idle timer for trail
func New(trail string, rider Rider, deps Deps) *Timer {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	deps.Config = deps.Config.withDefaults()
	return &Timer{
		trail:      trail,
		rider:      rider,
		deps:       deps,
		logger:     deps.Logger.With().Str("trail", trail).Logger(),
		autoVerify: true,
		boundaries: make(map[string]struct{}),
		hashes:     make(map[string]struct{}),
	}
}

// Trail returns the trail this timer belongs to
func (t *Timer) Trail() string { return t.trail }

// Running reports whether a run is in progress
func (t *Timer) Running() bool { return t.started }

// Snapshot copies the timer state
func (t *Timer) Snapshot() State {
	return State{
		Trail:            t.trail,
		Started:          t.started,
		AutoVerify:       t.autoVerify,
		Times:            append([]float64(nil), t.times...),
		StartingSpeed:    t.startingSpeed,
		TotalCheckpoints: t.totalCheckpoints,
		StartedAt:        t.startedAt,
		Boundaries:       len(t.boundaries),
	}
}

// log tags the timer's logger with the rider's current identity, which
// may arrive after the timer was created
func (t *Timer) log() *zerolog.Logger {
	info := t.rider.Info()
	l := t.logger.With().Str("steam_id", info.SteamID).Str("steam_name", info.SteamName).Logger()
	return &l
}

func (t *Timer) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.deps.Config.StoreTimeout)
}

// flagForReview drops auto-verification, telling the rider the first time
func (t *Timer) flagForReview() {
	if t.autoVerify {
		t.rider.Send(protocol.NewFrame(protocol.OpSplitTime, msgRequiresReview))
	}
	t.autoVerify = false
}

// SetTotalCheckpoints records the checkpoint count the client reports
func (t *Timer) SetTotalCheckpoints(n int) {
	t.totalCheckpoints = n
}

// StartTimer begins a new run. A run started outside every boundary can
// never be auto-verified.
func (t *Timer) StartTimer(total int) {
	t.log().Info().Int("checkpoints", total).Msg("Timer started")
	clear(t.hashes)
	t.times = nil
	t.autoVerify = true
	t.startingSpeed = 0
	if len(t.boundaries) == 0 {
		t.flagForReview()
	}
	t.started = true
	t.totalCheckpoints = total
	t.startedAt = t.deps.Clock.Now()
}

// AddBoundary records that the rider is inside boundary
func (t *Timer) AddBoundary(boundary string) {
	t.boundaries[boundary] = struct{}{}
}

// RemoveBoundary records that the rider left boundary. Leaving the last
// one mid-run voids auto-verification.
func (t *Timer) RemoveBoundary(boundary string) {
	delete(t.boundaries, boundary)
	if len(t.boundaries) == 0 && t.started {
		t.flagForReview()
	}
}

// FlagForReview voids auto-verification of a running timer
func (t *Timer) FlagForReview() {
	if t.started {
		t.flagForReview()
	}
}

// ForceStop ends a run silently, keeping its data
func (t *Timer) ForceStop() {
	t.started = false
}

// Invalidate stops the run and tells the rider why. Idle timers are left
// alone unless always is set.
func (t *Timer) Invalidate(reason string, always bool) {
	if !t.started && !always {
		return
	}
	t.log().Info().Str("reason", reason).Bool("always", always).Msg("Timer invalidated")
	t.rider.Send(protocol.NewFrame(protocol.OpInvalidateTime, reason+protocol.LineBreak))
	t.started = false
}

// CheckStartingSpeed stores the rider's speed through the start gate and
// invalidates the run when it beats the trail's recorded maximum by more
// than the configured margin.
func (t *Timer) CheckStartingSpeed(ctx context.Context, speed float64) {
	t.startingSpeed = speed
	info := t.rider.Info()

	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	maxSpeed, found, err := t.deps.Store.GetTrailMaxStartingSpeed(sctx, t.trail, info.WorldName)
	if err != nil {
		t.log().Warn().Err(err).Msg("Failed to look up max starting speed")
		return
	}
	if found && speed > maxSpeed+t.deps.Config.StartSpeedMargin {
		t.Invalidate("You went through the start too fast!", false)
	}
}

// Checkpoint records an intermediate split and replies with the delta to
// the world record and personal best.
func (t *Timer) Checkpoint(ctx context.Context, clientTime float64, hash string) {
	if !t.started {
		return
	}
	if _, seen := t.hashes[hash]; seen {
		return
	}
	if len(t.times) >= t.totalCheckpoints {
		t.log().Warn().Int("checkpoints", t.totalCheckpoints).Msg("Dropping checkpoint past trail total")
		return
	}
	t.hashes[hash] = struct{}{}
	t.times = append(t.times, clientTime)
	t.log().Debug().Float64("client_time", clientTime).Int("split", len(t.times)).Msg("Checkpoint")

	info := t.rider.Info()
	index := len(t.times) - 1

	sctx, cancel := t.storeCtx(ctx)
	defer cancel()
	wr, err := t.deps.Store.GetGlobalBestCheckpointTimes(sctx, t.trail, info.WorldName)
	if err != nil {
		t.log().Warn().Err(err).Msg("Failed to look up world record splits")
		wr = nil
	}
	pb, err := t.deps.Store.GetPersonalBestCheckpointTimes(sctx, t.trail, info.WorldName, info.SteamID)
	if err != nil {
		t.log().Warn().Err(err).Msg("Failed to look up personal best splits")
		pb = nil
	}

	msg := splitMessage(t.delta(wr, index, clientTime), t.delta(pb, index, clientTime), clientTime)
	t.rider.Send(protocol.NewFrame(protocol.OpSplitTime, msg))
}

// delta compares against a reference run only when it has the same
// number of splits this trail expects.
func (t *Timer) delta(ref []float64, index int, clientTime float64) *float64 {
	if ref == nil || len(ref) != t.totalCheckpoints-1 || index >= len(ref) {
		return nil
	}
	d := ref[index] - clientTime
	return &d
}

// CanEnd reports whether the recorded run is valid. The reason is the
// first failing check.
func (t *Timer) CanEnd() (bool, string) {
	if !t.started {
		return false, ReasonNotStarted
	}
	if len(t.times) == 0 {
		return false, ReasonNoTimes
	}
	last := t.times[len(t.times)-1]
	if last < 0 {
		return false, ReasonNegativeTime
	}
	if len(t.times) > t.totalCheckpoints-1 {
		return false, ReasonTooMany
	}
	if len(t.times) < t.totalCheckpoints-1 {
		return false, ReasonNotEnough
	}
	elapsed := t.deps.Clock.Since(t.startedAt).Seconds()
	if !(math.Abs(elapsed-last) < maxClockDrift) {
		return false, ReasonClockMismatch
	}
	return true, reasonOK
}

// EndTimer records the finishing split, validates the run and submits it.
// Every finish is stored, invalid ones as deleted. It returns nil when
// the store rejected the submission.
func (t *Timer) EndTimer(ctx context.Context, clientTime float64) *Result {
	t.times = append(t.times, clientTime)
	ok, reason := t.CanEnd()
	wasRunning := t.started
	t.started = false
	defer func() { t.autoVerify = true }()

	info := t.rider.Info()
	sub := domain.TimeSubmission{
		SteamID:       info.SteamID,
		SteamName:     info.SteamName,
		Trail:         t.trail,
		World:         info.WorldName,
		BikeID:        info.BikeID,
		StartingSpeed: t.startingSpeed,
		Version:       info.Version,
		Times:         append([]float64(nil), t.times...),
		AutoVerify:    t.autoVerify && ok,
		Deleted:       !ok,
		SubmittedAt:   t.deps.Clock.Now(),
	}

	log := t.log().With().Float64("client_time", clientTime).Bool("valid", ok).Str("reason", reason).Logger()

	sctx, cancel := t.storeCtx(ctx)
	timeID, err := t.deps.Store.SubmitTime(sctx, sub)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to submit time")
		t.rider.Send(protocol.NewFrame(protocol.OpPopup, "Critical Error",
			"The server has encountered a critical error and was unable to submit your time. Client time: "+
				strconv.FormatFloat(clientTime, 'f', -1, 64)))
		return nil
	}
	log.Info().Int64("time_id", timeID).Bool("auto_verify", sub.AutoVerify).Msg("Time submitted")

	go t.requestReplay(ctx, timeID)

	result := &Result{
		TimeID:     timeID,
		Submission: sub,
		Valid:      ok,
		Reason:     reason,
		Verified:   sub.AutoVerify,
		WasRunning: wasRunning,
	}
	if !wasRunning {
		return result
	}

	formatted := FormatDuration(clientTime)
	switch {
	case ok && t.autoVerify:
		t.rider.Send(protocol.NewFrame(protocol.OpPopup, "Time Verified",
			fmt.Sprintf("Your time of %s was verified automatically. ID%d", formatted, timeID)))
	case ok:
		t.rider.Send(protocol.NewFrame(protocol.OpPopup, "Verification Required",
			fmt.Sprintf("Your time of %s can be verified if it is a legal run with no cuts. "+
				"You can ask for verification on the community Discord server. "+
				"Please only do this if you know your run is valid. ID%d", formatted, timeID)))
	default:
		t.rider.Send(protocol.NewFrame(protocol.OpPopup, "Verification Required",
			fmt.Sprintf("Time cannot be verified due to the following reason: %s. "+
				"You cannot ask us to verify this run.", reason)))
	}

	if ok {
		comment := "requires review"
		if t.autoVerify {
			comment = "verified"
		}
		t.rider.Send(protocol.NewFrame(protocol.OpTimerFinish, formatted+protocol.LineBreak+comment))
	} else {
		t.rider.Send(protocol.NewFrame(protocol.OpTimerFinish,
			formatted+protocol.LineBreak+reason+protocol.LineBreak+"Live Racers: This time is still logged!"+protocol.LineBreak))
	}
	return result
}

// requestReplay asks the client for the run's replay until one arrives or
// ctx ends.
func (t *Timer) requestReplay(ctx context.Context, timeID int64) {
	id := strconv.FormatInt(timeID, 10)
	for {
		t.rider.Send(protocol.NewFrame(protocol.OpUploadReplay, id))
		select {
		case <-ctx.Done():
			return
		case <-t.deps.Clock.After(t.deps.Config.ReplayRetryInterval):
		}
		if t.deps.Replays == nil {
			return
		}
		sctx, cancel := t.storeCtx(ctx)
		has, err := t.deps.Replays.HasReplay(sctx, timeID)
		cancel()
		if err != nil {
			t.log().Warn().Err(err).Int64("time_id", timeID).Msg("Failed to check replay")
			continue
		}
		if has {
			return
		}
	}
}
