// Package notify delivers community announcements: new times, new
// records, ban notes and spectated runs.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Channel names where an announcement is posted
type Channel string

const (
	ChannelNewTime     Channel = "new_time"
	ChannelFastestTime Channel = "fastest_time"
	ChannelBanNote     Channel = "ban_note"
	ChannelTwitch      Channel = "twitch"
)

// Sink publishes announcements
type Sink interface {
	Announce(ctx context.Context, message string, channel Channel) error
}

// Announcement is the payload published for every message
type Announcement struct {
	Channel   Channel   `json:"channel"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogSink writes announcements to a logger
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Announce(_ context.Context, message string, channel Channel) error {
	s.Logger.Info().Str("channel", string(channel)).Str("message", message).Msg("Announcement")
	return nil
}

// Nop discards announcements
type Nop struct{}

func (Nop) Announce(context.Context, string, Channel) error { return nil }
