package domain

import "time"

// Event types for dashboard notifications
const (
	EventRiderJoin   = "rider_join"
	EventRiderLeave  = "rider_leave"
	EventRiderUpdate = "rider_update"
	EventRunFinish   = "run_finish"
	EventChat        = "chat"
	EventBan         = "ban"
)

// Event represents a real-time event for dashboard broadcast
type Event struct {
	Type      string      `json:"event"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// RiderJoinEvent is sent when a client connects
type RiderJoinEvent struct {
	Address string `json:"address"`
}

// RiderLeaveEvent is sent when a client disconnects or is reaped
type RiderLeaveEvent struct {
	SteamID   string `json:"steam_id,omitempty"`
	SteamName string `json:"steam_name,omitempty"`
	Reason    string `json:"reason"`
}

// RunFinishEvent is sent after a run has been persisted
type RunFinishEvent struct {
	TimeID    int64   `json:"time_id"`
	SteamID   string  `json:"steam_id"`
	SteamName string  `json:"steam_name"`
	Trail     string  `json:"trail"`
	World     string  `json:"world"`
	FinalTime float64 `json:"final_time"`
	Verified  bool    `json:"verified"`
	Valid     bool    `json:"valid"`
	Reason    string  `json:"reason,omitempty"`
	Fastest   bool    `json:"fastest,omitempty"`
	Spectated bool    `json:"spectated,omitempty"`
}

// ChatEvent mirrors a chat line relayed between riders
type ChatEvent struct {
	From  string `json:"from"`
	World string `json:"world"`
	Text  string `json:"text"`
}

// BanEvent is sent when a rider is disconnected by the ban list
type BanEvent struct {
	SteamID   string `json:"steam_id"`
	SteamName string `json:"steam_name"`
}
