package domain

import "time"

// Bike ids as stored with each time
const (
	BikeEnduro   = 0
	BikeDownhill = 1
	BikeHardtail = 2
)

// DefaultBike is assumed on map entry when the client has not picked one
const DefaultBike = "downhill"

// BikeID maps a bike name to its stored id. Unknown names map to enduro.
func BikeID(name string) int {
	switch name {
	case "downhill":
		return BikeDownhill
	case "hardtail":
		return BikeHardtail
	default:
		return BikeEnduro
	}
}

// RiderInfo is a point-in-time copy of a session's identity fields
type RiderInfo struct {
	SessionID         string    `json:"session_id"`
	Address           string    `json:"address"`
	SteamID           string    `json:"steam_id"`
	SteamName         string    `json:"steam_name"`
	WorldName         string    `json:"world_name"`
	BikeType          string    `json:"bike_type"`
	BikeID            int       `json:"bike_id"`
	Reputation        int       `json:"reputation"`
	Version           string    `json:"version"`
	LastTrick         string    `json:"last_trick,omitempty"`
	SpectatingSteamID string    `json:"spectating_steam_id,omitempty"`
	SpectatingName    string    `json:"spectating_name,omitempty"`
	TimeStarted       time.Time `json:"time_started"`
	ConnectedAt       time.Time `json:"connected_at"`
}

// Player is a persisted rider identity
type Player struct {
	SteamID   string    `json:"steam_id"`
	SteamName string    `json:"steam_name"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// PendingItem is an unlockable queued for a rider
type PendingItem struct {
	SteamID    string     `json:"steam_id"`
	ItemID     int64      `json:"item_id"`
	CreatedAt  time.Time  `json:"created_at"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
}
