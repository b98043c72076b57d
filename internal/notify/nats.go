package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is prepended to the channel name to form a subject
const DefaultSubjectPrefix = "modkit.announce"

// NATSConfig configures the broker connection
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSSink publishes announcements as JSON on <prefix>.<channel>
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSSink connects to the broker
func NewNATSSink(cfg NATSConfig, logger zerolog.Logger) (*NATSSink, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name("modkit-server"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	return &NATSSink{nc: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Subject returns the subject a channel publishes on
func (s *NATSSink) Subject(channel Channel) string {
	return s.prefix + "." + string(channel)
}

// Announce publishes the message and waits for the server to accept it
func (s *NATSSink) Announce(ctx context.Context, message string, channel Channel) error {
	data, err := json.Marshal(Announcement{
		Channel:   channel,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}
	if err := s.nc.Publish(s.Subject(channel), data); err != nil {
		return fmt.Errorf("publishing announcement: %w", err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing announcement: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection
func (s *NATSSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("draining NATS connection: %w", err)
	}
	return nil
}
