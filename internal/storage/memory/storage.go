package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/storage"
)

// Storage is an in-memory implementation of the storage interface
type Storage struct {
	mu sync.RWMutex

	players       map[string]*domain.Player
	times         map[int64]*storedTime
	verifications map[int64][]domain.Verification
	pending       map[pendingKey]*domain.PendingItem
	replays       map[int64][]byte
	nextTimeID    int64
}

type storedTime struct {
	sub domain.TimeSubmission
	id  int64
}

type pendingKey struct {
	steamID string
	itemID  int64
}

// New creates a new in-memory storage instance
func New() *Storage {
	return &Storage{
		players:       make(map[string]*domain.Player),
		times:         make(map[int64]*storedTime),
		verifications: make(map[int64][]domain.Verification),
		pending:       make(map[pendingKey]*domain.PendingItem),
		replays:       make(map[int64][]byte),
	}
}

// Ensure Storage implements the interface
var _ storage.Storage = (*Storage)(nil)

func (s *Storage) Close() error { return nil }

// Player operations

func (s *Storage) UpdatePlayer(ctx context.Context, steamID, steamName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchPlayer(steamID, steamName, time.Now().UTC())
	return nil
}

func (s *Storage) touchPlayer(steamID, steamName string, now time.Time) {
	p, ok := s.players[steamID]
	if !ok {
		p = &domain.Player{SteamID: steamID, FirstSeen: now}
		s.players[steamID] = p
	}
	if steamName != "" {
		p.SteamName = steamName
	}
	p.LastSeen = now
}

func (s *Storage) GetPlayer(ctx context.Context, steamID string) (*domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[steamID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Time operations

func (s *Storage) SubmitTime(ctx context.Context, sub domain.TimeSubmission) (int64, error) {
	if len(sub.Times) == 0 {
		return 0, fmt.Errorf("submitting time: no checkpoint times")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}
	sub.Times = slices.Clone(sub.Times)
	s.touchPlayer(sub.SteamID, sub.SteamName, sub.SubmittedAt)

	s.nextTimeID++
	id := s.nextTimeID
	s.times[id] = &storedTime{sub: sub, id: id}
	if sub.AutoVerify && !sub.Deleted {
		s.verifications[id] = append(s.verifications[id], domain.Verification{
			TimeID:     id,
			VerifierID: storage.AutoVerifier,
			Verified:   true,
			CreatedAt:  sub.SubmittedAt,
		})
	}
	return id, nil
}

// Submissions returns every stored run in submission order
func (s *Storage) Submissions() []domain.TimeSubmission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TimeSubmission, 0, len(s.times))
	for _, t := range s.sortedTimes() {
		out = append(out, t.sub)
	}
	return out
}

func (s *Storage) CountTimes(ctx context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.times {
		if !t.sub.SubmittedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Storage) verified(id int64) bool {
	v := s.verifications[id]
	return len(v) > 0 && v[len(v)-1].Verified
}

func (s *Storage) sortedTimes() []*storedTime {
	out := make([]*storedTime, 0, len(s.times))
	for _, t := range s.times {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ranked returns the matching runs fastest first, ties broken by id
func (s *Storage) ranked(match func(*storedTime) bool) []*storedTime {
	var out []*storedTime
	for _, t := range s.sortedTimes() {
		if match(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].sub.FinalTime() < out[j].sub.FinalTime()
	})
	return out
}

func (s *Storage) onTrail(t *storedTime, trail, world string) bool {
	return t.sub.Trail == trail && t.sub.World == world && !t.sub.Deleted
}

func (s *Storage) GetLeaderboard(ctx context.Context, trail, world string, limit int) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.ranked(func(t *storedTime) bool {
		return s.onTrail(t, trail, world) && s.verified(t.id)
	})
	seen := make(map[string]bool)
	var entries []domain.LeaderboardEntry
	for _, t := range runs {
		if seen[t.sub.SteamID] {
			continue
		}
		seen[t.sub.SteamID] = true
		name := t.sub.SteamName
		if p, ok := s.players[t.sub.SteamID]; ok {
			name = p.SteamName
		}
		entries = append(entries, domain.LeaderboardEntry{
			Place:       len(entries) + 1,
			TimeID:      t.id,
			SteamID:     t.sub.SteamID,
			SteamName:   name,
			Time:        t.sub.FinalTime(),
			BikeID:      t.sub.BikeID,
			Verified:    true,
			SubmittedAt: t.sub.SubmittedAt,
		})
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (s *Storage) GetGlobalBestCheckpointTimes(ctx context.Context, trail, world string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.ranked(func(t *storedTime) bool {
		return s.onTrail(t, trail, world) && s.verified(t.id)
	})
	if len(runs) == 0 {
		return nil, nil
	}
	return slices.Clone(runs[0].sub.Times), nil
}

func (s *Storage) GetPersonalBestCheckpointTimes(ctx context.Context, trail, world, steamID string) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.ranked(func(t *storedTime) bool {
		return s.onTrail(t, trail, world) && t.sub.SteamID == steamID
	})
	if len(runs) == 0 {
		return nil, nil
	}
	return slices.Clone(runs[0].sub.Times), nil
}

func (s *Storage) GetTrailMaxStartingSpeed(ctx context.Context, trail, world string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		maxSpeed float64
		found    bool
	)
	for _, t := range s.times {
		if !s.onTrail(t, trail, world) || !s.verified(t.id) {
			continue
		}
		if !found || t.sub.StartingSpeed > maxSpeed {
			maxSpeed = t.sub.StartingSpeed
			found = true
		}
	}
	return maxSpeed, found, nil
}

// Verification operations

func (s *Storage) SubmitVerification(ctx context.Context, timeID int64, verifierID string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.times[timeID]; !ok {
		return fmt.Errorf("submitting verification: time %d: %w", timeID, storage.ErrNotFound)
	}
	s.verifications[timeID] = append(s.verifications[timeID], domain.Verification{
		TimeID:     timeID,
		VerifierID: verifierID,
		Verified:   verified,
		CreatedAt:  time.Now().UTC(),
	})
	return nil
}

func (s *Storage) GetVerifications(ctx context.Context, timeID int64) ([]domain.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.verifications[timeID]), nil
}

// Pending item operations

func (s *Storage) AddPendingItem(ctx context.Context, steamID string, itemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[pendingKey{steamID, itemID}] = &domain.PendingItem{
		SteamID:   steamID,
		ItemID:    itemID,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *Storage) GetPendingItems(ctx context.Context, steamID string) ([]domain.PendingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []domain.PendingItem
	for k, item := range s.pending {
		if k.steamID == steamID && item.RedeemedAt == nil {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	return items, nil
}

func (s *Storage) RedeemPendingItem(ctx context.Context, steamID string, itemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.pending[pendingKey{steamID, itemID}]
	if !ok || item.RedeemedAt != nil {
		return fmt.Errorf("redeeming pending item %d: %w", itemID, storage.ErrNotFound)
	}
	now := time.Now().UTC()
	item.RedeemedAt = &now
	return nil
}

// Replay operations

func (s *Storage) SaveReplay(ctx context.Context, timeID int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.times[timeID]; !ok {
		return fmt.Errorf("saving replay: time %d: %w", timeID, storage.ErrNotFound)
	}
	s.replays[timeID] = slices.Clone(data)
	return nil
}

func (s *Storage) HasReplay(ctx context.Context, timeID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.replays[timeID]
	return ok, nil
}

func (s *Storage) GetReplay(ctx context.Context, timeID int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.replays[timeID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(data), nil
}
