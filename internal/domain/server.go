package domain

import "time"

// ServerStats summarizes the server for the dashboard
type ServerStats struct {
	TotalUsersOnline         int       `json:"total_users_online"`
	TotalStoredTimes         int       `json:"total_stored_times"`
	TimesSubmittedPast30Days int       `json:"times_submitted_past_30_days"`
	GeneratedAt              time.Time `json:"generated_at"`
}
