package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/descenders-modkit/modkit-server/internal/domain"
)

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string
// The Z suffix ensures the Go sqlite driver parses it back as UTC
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

var (
	replayEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	replayDecoder, _ = zstd.NewReader(nil)
)

// Store provides database access
type Store struct {
	db *sql.DB
}

var _ Storage = (*Store)(nil)

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Player methods ---

// UpdatePlayer creates the player or refreshes its name
func (s *Store) UpdatePlayer(ctx context.Context, steamID, steamName string) error {
	if err := upsertPlayer(ctx, s.db, steamID, steamName, time.Now()); err != nil {
		return fmt.Errorf("updating player: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsertPlayer never replaces a known name with an empty one
func upsertPlayer(ctx context.Context, db execer, steamID, steamName string, seen time.Time) error {
	ts := formatTimestamp(seen)
	_, err := db.ExecContext(ctx, `
		INSERT INTO players (steam_id, steam_name, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(steam_id) DO UPDATE SET
			steam_name = CASE WHEN excluded.steam_name != '' THEN excluded.steam_name ELSE steam_name END,
			last_seen = excluded.last_seen
	`, steamID, steamName, ts, ts)
	return err
}

// GetPlayer returns a stored player
func (s *Store) GetPlayer(ctx context.Context, steamID string) (*domain.Player, error) {
	var p domain.Player
	var firstSeen, lastSeen string
	err := s.db.QueryRowContext(ctx, `
		SELECT steam_id, steam_name, first_seen, last_seen FROM players WHERE steam_id = ?
	`, steamID).Scan(&p.SteamID, &p.SteamName, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting player: %w", err)
	}
	p.FirstSeen = parseTimestamp(firstSeen)
	p.LastSeen = parseTimestamp(lastSeen)
	return &p, nil
}

// --- Trail methods ---

// trailID returns the id of a trail, creating it on first use
func trailID(ctx context.Context, db execer, trail, world string) (int64, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO trails (trail_name, world_name) VALUES (?, ?)
		ON CONFLICT(trail_name, world_name) DO NOTHING
	`, trail, world)
	if err != nil {
		return 0, err
	}

	// Always query for the ID (LastInsertId unreliable with ON CONFLICT)
	var id int64
	err = db.QueryRowContext(ctx, `
		SELECT id FROM trails WHERE trail_name = ? AND world_name = ?
	`, trail, world).Scan(&id)
	return id, err
}

// --- Time methods ---

// SubmitTime stores a run with its splits and returns the new time id.
// Auto-verified runs get a verification record in the same transaction.
func (s *Store) SubmitTime(ctx context.Context, sub domain.TimeSubmission) (int64, error) {
	if len(sub.Times) == 0 {
		return 0, fmt.Errorf("submitting time: no checkpoint times")
	}
	submittedAt := sub.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("submitting time: %w", err)
	}
	defer tx.Rollback()

	if err := upsertPlayer(ctx, tx, sub.SteamID, sub.SteamName, submittedAt); err != nil {
		return 0, fmt.Errorf("submitting time: player: %w", err)
	}

	tid, err := trailID(ctx, tx, sub.Trail, sub.World)
	if err != nil {
		return 0, fmt.Errorf("submitting time: trail: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO player_times (steam_id, trail_id, bike_id, starting_speed, version, final_time, deleted, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.SteamID, tid, sub.BikeID, sub.StartingSpeed, sub.Version, sub.FinalTime(), sub.Deleted, formatTimestamp(submittedAt))
	if err != nil {
		return 0, fmt.Errorf("submitting time: %w", err)
	}
	timeID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("submitting time: %w", err)
	}

	for n, t := range sub.Times {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoint_times (time_id, checkpoint_num, checkpoint_time) VALUES (?, ?, ?)
		`, timeID, n, t); err != nil {
			return 0, fmt.Errorf("submitting time: checkpoint %d: %w", n, err)
		}
	}

	if sub.AutoVerify && !sub.Deleted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO verifications (time_id, verifier_id, verified, created_at) VALUES (?, ?, TRUE, ?)
		`, timeID, AutoVerifier, formatTimestamp(submittedAt)); err != nil {
			return 0, fmt.Errorf("submitting time: verification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("submitting time: commit: %w", err)
	}
	return timeID, nil
}

// CountTimes returns how many times were submitted at or after since.
// A zero since counts every stored time.
func (s *Store) CountTimes(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM player_times WHERE submitted_at >= ?
	`, formatTimestamp(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting times: %w", err)
	}
	return n, nil
}

// GetLeaderboard returns each player's best verified, non-deleted time on
// a trail, fastest first
func (s *Store) GetLeaderboard(ctx context.Context, trail, world string, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH ranked AS (
			SELECT pt.id, pt.steam_id, p.steam_name, pt.final_time, pt.bike_id, pt.submitted_at,
				ROW_NUMBER() OVER (PARTITION BY pt.steam_id ORDER BY pt.final_time, pt.id) AS rn
			FROM player_times pt
			JOIN trails t ON t.id = pt.trail_id
			JOIN players p ON p.steam_id = pt.steam_id
			JOIN time_status ts ON ts.time_id = pt.id
			WHERE t.trail_name = ? AND t.world_name = ? AND pt.deleted = FALSE AND ts.verified = TRUE
		)
		SELECT id, steam_id, steam_name, final_time, bike_id, submitted_at
		FROM ranked WHERE rn = 1
		ORDER BY final_time, id
		LIMIT ?
	`, trail, world, limit)
	if err != nil {
		return nil, fmt.Errorf("getting leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		e, err := scanLeaderboardEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("getting leaderboard: %w", err)
		}
		e.Place = len(entries) + 1
		e.Verified = true
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetGlobalBestCheckpointTimes returns the splits of the fastest verified
// run on a trail, or nil if there is none
func (s *Store) GetGlobalBestCheckpointTimes(ctx context.Context, trail, world string) ([]float64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT pt.id FROM player_times pt
		JOIN trails t ON t.id = pt.trail_id
		JOIN time_status ts ON ts.time_id = pt.id
		WHERE t.trail_name = ? AND t.world_name = ? AND pt.deleted = FALSE AND ts.verified = TRUE
		ORDER BY pt.final_time, pt.id
		LIMIT 1
	`, trail, world).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting global best: %w", err)
	}
	return s.checkpointTimes(ctx, id)
}

// GetPersonalBestCheckpointTimes returns the splits of a player's fastest
// non-deleted run on a trail, or nil if there is none
func (s *Store) GetPersonalBestCheckpointTimes(ctx context.Context, trail, world, steamID string) ([]float64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT pt.id FROM player_times pt
		JOIN trails t ON t.id = pt.trail_id
		WHERE t.trail_name = ? AND t.world_name = ? AND pt.steam_id = ? AND pt.deleted = FALSE
		ORDER BY pt.final_time, pt.id
		LIMIT 1
	`, trail, world, steamID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting personal best: %w", err)
	}
	return s.checkpointTimes(ctx, id)
}

func (s *Store) checkpointTimes(ctx context.Context, timeID int64) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_time FROM checkpoint_times WHERE time_id = ? ORDER BY checkpoint_num
	`, timeID)
	if err != nil {
		return nil, fmt.Errorf("getting checkpoint times: %w", err)
	}
	defer rows.Close()

	var times []float64
	for rows.Next() {
		var t float64
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("getting checkpoint times: %w", err)
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// GetTrailMaxStartingSpeed returns the highest starting speed among
// verified runs on a trail. The bool is false when no run exists.
func (s *Store) GetTrailMaxStartingSpeed(ctx context.Context, trail, world string) (float64, bool, error) {
	var maxSpeed sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(pt.starting_speed) FROM player_times pt
		JOIN trails t ON t.id = pt.trail_id
		JOIN time_status ts ON ts.time_id = pt.id
		WHERE t.trail_name = ? AND t.world_name = ? AND pt.deleted = FALSE AND ts.verified = TRUE
	`, trail, world).Scan(&maxSpeed)
	if err != nil {
		return 0, false, fmt.Errorf("getting max starting speed: %w", err)
	}
	return maxSpeed.Float64, maxSpeed.Valid, nil
}

// --- Verification methods ---

// SubmitVerification appends a verification record for a time
func (s *Store) SubmitVerification(ctx context.Context, timeID int64, verifierID string, verified bool) error {
	if err := s.timeExists(ctx, timeID); err != nil {
		return fmt.Errorf("submitting verification: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verifications (time_id, verifier_id, verified, created_at) VALUES (?, ?, ?, ?)
	`, timeID, verifierID, verified, formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("submitting verification: %w", err)
	}
	return nil
}

// GetVerifications returns the audit trail of a time, oldest first
func (s *Store) GetVerifications(ctx context.Context, timeID int64) ([]domain.Verification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time_id, verifier_id, verified, created_at FROM verifications WHERE time_id = ? ORDER BY id
	`, timeID)
	if err != nil {
		return nil, fmt.Errorf("getting verifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("getting verifications: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *Store) timeExists(ctx context.Context, timeID int64) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM player_times WHERE id = ?)`, timeID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("time %d: %w", timeID, ErrNotFound)
	}
	return nil
}

// --- Pending item methods ---

// AddPendingItem queues an item unlock for a player. Granting an item that
// was already redeemed queues it again.
func (s *Store) AddPendingItem(ctx context.Context, steamID string, itemID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_items (steam_id, item_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(steam_id, item_id) DO UPDATE SET
			created_at = excluded.created_at,
			redeemed_at = NULL
	`, steamID, itemID, formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("adding pending item: %w", err)
	}
	return nil
}

// GetPendingItems returns the unredeemed items for a player
func (s *Store) GetPendingItems(ctx context.Context, steamID string) ([]domain.PendingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT steam_id, item_id, created_at, redeemed_at FROM pending_items
		WHERE steam_id = ? AND redeemed_at IS NULL
		ORDER BY created_at, item_id
	`, steamID)
	if err != nil {
		return nil, fmt.Errorf("getting pending items: %w", err)
	}
	defer rows.Close()

	var items []domain.PendingItem
	for rows.Next() {
		item, err := scanPendingItem(rows)
		if err != nil {
			return nil, fmt.Errorf("getting pending items: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// RedeemPendingItem marks an item as delivered
func (s *Store) RedeemPendingItem(ctx context.Context, steamID string, itemID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_items SET redeemed_at = ?
		WHERE steam_id = ? AND item_id = ? AND redeemed_at IS NULL
	`, formatTimestamp(time.Now()), steamID, itemID)
	if err != nil {
		return fmt.Errorf("redeeming pending item: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("redeeming pending item %d: %w", itemID, ErrNotFound)
	}
	return nil
}

// --- Replay methods ---

// SaveReplay stores a compressed replay, replacing any earlier upload
func (s *Store) SaveReplay(ctx context.Context, timeID int64, data []byte) error {
	if err := s.timeExists(ctx, timeID); err != nil {
		return fmt.Errorf("saving replay: %w", err)
	}
	compressed := replayEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replays (time_id, data, raw_size, uploaded_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(time_id) DO UPDATE SET
			data = excluded.data,
			raw_size = excluded.raw_size,
			uploaded_at = excluded.uploaded_at
	`, timeID, compressed, len(data), formatTimestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("saving replay: %w", err)
	}
	return nil
}

// HasReplay reports whether a replay was uploaded for a time
func (s *Store) HasReplay(ctx context.Context, timeID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM replays WHERE time_id = ?)`, timeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking replay: %w", err)
	}
	return exists, nil
}

// GetReplay returns the decompressed replay for a time
func (s *Store) GetReplay(ctx context.Context, timeID int64) ([]byte, error) {
	var compressed []byte
	var rawSize int
	err := s.db.QueryRowContext(ctx, `
		SELECT data, raw_size FROM replays WHERE time_id = ?
	`, timeID).Scan(&compressed, &rawSize)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting replay: %w", err)
	}
	data, err := replayDecoder.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing replay: %w", err)
	}
	return data, nil
}
