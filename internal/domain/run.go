package domain

import "time"

// TimeSubmission is a finished run handed to the time store
type TimeSubmission struct {
	SteamID       string
	SteamName     string
	Trail         string
	World         string
	BikeID        int
	StartingSpeed float64
	Version       string

	// Times holds every split; the last entry is the final time.
	Times       []float64
	AutoVerify  bool
	Deleted     bool
	SubmittedAt time.Time
}

// FinalTime returns the last recorded split, or 0 when there is none
func (s TimeSubmission) FinalTime() float64 {
	if len(s.Times) == 0 {
		return 0
	}
	return s.Times[len(s.Times)-1]
}

// LeaderboardEntry is one ranked time on a trail
type LeaderboardEntry struct {
	Place       int       `json:"place"`
	TimeID      int64     `json:"time_id"`
	SteamID     string    `json:"steam_id"`
	SteamName   string    `json:"name"`
	Time        float64   `json:"time"`
	BikeID      int       `json:"bike_id"`
	Verified    bool      `json:"verified"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Verification is one audit record for a time's verified status
type Verification struct {
	TimeID     int64     `json:"time_id"`
	VerifierID string    `json:"verifier_id"`
	Verified   bool      `json:"verified"`
	CreatedAt  time.Time `json:"created_at"`
}
