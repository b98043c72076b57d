package storage

import (
	"context"
	"errors"
	"time"

	"github.com/descenders-modkit/modkit-server/internal/domain"
)

// ErrNotFound is returned when a referenced record does not exist
var ErrNotFound = errors.New("not found")

// AutoVerifier is recorded as the verifier of runs accepted by the server
const AutoVerifier = "auto"

// TimeStore persists riders, runs and their verification state.
//
// Checkpoint lookups return nil when no reference run exists.
type TimeStore interface {
	UpdatePlayer(ctx context.Context, steamID, steamName string) error
	SubmitTime(ctx context.Context, sub domain.TimeSubmission) (int64, error)
	GetLeaderboard(ctx context.Context, trail, world string, limit int) ([]domain.LeaderboardEntry, error)
	GetGlobalBestCheckpointTimes(ctx context.Context, trail, world string) ([]float64, error)
	GetPersonalBestCheckpointTimes(ctx context.Context, trail, world, steamID string) ([]float64, error)
	GetTrailMaxStartingSpeed(ctx context.Context, trail, world string) (float64, bool, error)
	GetPendingItems(ctx context.Context, steamID string) ([]domain.PendingItem, error)
	RedeemPendingItem(ctx context.Context, steamID string, itemID int64) error
	SubmitVerification(ctx context.Context, timeID int64, verifierID string, verified bool) error
	CountTimes(ctx context.Context, since time.Time) (int, error)
}

// ReplayStore keeps the replay recording uploaded for a time
type ReplayStore interface {
	HasReplay(ctx context.Context, timeID int64) (bool, error)
	SaveReplay(ctx context.Context, timeID int64, data []byte) error
}

// Admin covers the operator commands that are not part of a game session
type Admin interface {
	GetPlayer(ctx context.Context, steamID string) (*domain.Player, error)
	AddPendingItem(ctx context.Context, steamID string, itemID int64) error
	GetVerifications(ctx context.Context, timeID int64) ([]domain.Verification, error)
	GetReplay(ctx context.Context, timeID int64) ([]byte, error)
}

// Storage is the full set of persistence operations
type Storage interface {
	TimeStore
	ReplayStore
	Admin
	Close() error
}
