package storage

import (
	"database/sql"
	"time"

	"github.com/descenders-modkit/modkit-server/internal/domain"
)

// Null scanner helpers - reduce repetitive nil-checking code

func scanNullTime(ns sql.NullString) *time.Time {
	if ns.Valid {
		t := parseTimestamp(ns.String)
		return &t
	}
	return nil
}

// parseTimestamp accepts what the driver hands back for a TIMESTAMP column,
// which is either our own text layout or a converted time value.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanLeaderboardEntry scans id, steam_id, steam_name, final_time, bike_id, submitted_at
func scanLeaderboardEntry(s scanner) (*domain.LeaderboardEntry, error) {
	var e domain.LeaderboardEntry
	var submittedAt string
	if err := s.Scan(&e.TimeID, &e.SteamID, &e.SteamName, &e.Time, &e.BikeID, &submittedAt); err != nil {
		return nil, err
	}
	e.SubmittedAt = parseTimestamp(submittedAt)
	return &e, nil
}

func scanVerification(s scanner) (*domain.Verification, error) {
	var v domain.Verification
	var createdAt string
	if err := s.Scan(&v.TimeID, &v.VerifierID, &v.Verified, &createdAt); err != nil {
		return nil, err
	}
	v.CreatedAt = parseTimestamp(createdAt)
	return &v, nil
}

func scanPendingItem(s scanner) (*domain.PendingItem, error) {
	var item domain.PendingItem
	var createdAt string
	var redeemedAt sql.NullString
	if err := s.Scan(&item.SteamID, &item.ItemID, &createdAt, &redeemedAt); err != nil {
		return nil, err
	}
	item.CreatedAt = parseTimestamp(createdAt)
	item.RedeemedAt = scanNullTime(redeemedAt)
	return &item, nil
}
