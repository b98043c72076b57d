package session

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/notify"
	"github.com/descenders-modkit/modkit-server/internal/protocol"
	"github.com/descenders-modkit/modkit-server/internal/speedrun"
	"github.com/descenders-modkit/modkit-server/internal/timer"
)

const banCrash = "CRASH"

// dispatch runs the handler for msg. A panicking handler is logged and the
// session carries on with the next message.
func (s *Session) dispatch(msg protocol.Message) {
	op := string(msg.Opcode())
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("opcode", op).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Handler panicked")
		}
		s.deps.Metrics.ObserveHandler(op, start)
	}()
	s.deps.Metrics.FrameReceived(op)

	switch m := msg.(type) {
	case protocol.SteamID:
		s.handleSteamID(m)
	case protocol.SteamName:
		s.handleSteamName(m)
	case protocol.WorldName:
		s.update(func(i *domain.RiderInfo) { i.WorldName = m.Name })
	case protocol.BikeSwitch:
		s.handleBikeSwitch(m)
	case protocol.BoundaryEnter:
		s.trail(m.Trail).AddBoundary(m.Boundary)
	case protocol.BoundaryExit:
		s.trail(m.Trail).RemoveBoundary(m.Boundary)
	case protocol.CheckpointEnter:
		s.handleCheckpoint(m)
	case protocol.Respawn:
		for _, t := range s.trails {
			t.FlagForReview()
		}
	case protocol.MapEnter:
		s.handleMapEnter(m)
	case protocol.MapExit:
		for _, t := range s.trails {
			t.Invalidate("", false)
		}
		clear(s.trails)
	case protocol.Spectate:
		s.handleSpectate(m)
	case protocol.StartSpeed:
		for _, t := range s.trails {
			t.CheckStartingSpeed(s.ctx, m.Speed)
		}
	case protocol.Trick:
		s.update(func(i *domain.RiderInfo) { i.LastTrick = m.Name })
	case protocol.Version:
		s.update(func(i *domain.RiderInfo) { i.Version = m.Version })
	case protocol.Rep:
		s.update(func(i *domain.RiderInfo) { i.Reputation = m.Reputation })
	case protocol.ChatMessage:
		s.handleChat(m)
	case protocol.LeaderboardRequest:
		s.Send(protocol.NewFrame(protocol.OpLeaderboard, m.Trail, s.leaderboard(m.Trail)))
	case protocol.SpeedrunLeaderboardRequest:
		s.handleSpeedrunLeaderboard(m)
	case protocol.UploadReplay:
		s.handleUploadReplay(m)
	case protocol.LogLine:
		s.riderLogger().Info().Str("line", m.Text).Msg("Client log")
	case protocol.LogToPrint:
		s.riderLogger().Info().Str("text", m.Text).Msg("Client print")
	default:
		s.logger.Warn().Str("opcode", op).Msg("No handler for message")
	}
}

// riderLogger adds the rider's current identity to the session logger
func (s *Session) riderLogger() *zerolog.Logger {
	info := s.Info()
	l := s.logger.With().Str("steam_id", info.SteamID).Str("steam_name", info.SteamName).Logger()
	return &l
}

// trail returns the timer for name, creating it on first use
func (s *Session) trail(name string) *timer.Timer {
	t, ok := s.trails[name]
	if !ok {
		t = timer.New(name, s, timer.Deps{
			Store:   s.deps.Store,
			Replays: s.deps.Replays,
			Clock:   s.deps.Clock,
			Logger:  s.logger,
			Config:  s.deps.Config.Timer,
		})
		s.trails[name] = t
	}
	return t
}

func (s *Session) handleSteamID(m protocol.SteamID) {
	info := s.update(func(i *domain.RiderInfo) { i.SteamID = m.ID })
	s.riderLogger().Info().Msg("Steam id set")
	if info.SteamName != "" {
		if !s.identified(info) {
			return
		}
	}
	s.deliverPendingItems(m.ID)
}

func (s *Session) handleSteamName(m protocol.SteamName) {
	info := s.update(func(i *domain.RiderInfo) { i.SteamName = m.Name })
	s.riderLogger().Info().Msg("Steam name set")
	if info.SteamID != "" {
		s.identified(info)
	}
}

// identified runs once both halves of the rider's identity are known. It
// returns false when the rider was banned.
func (s *Session) identified(info domain.RiderInfo) bool {
	ctx, cancel := s.storeCtx()
	err := s.deps.Store.UpdatePlayer(ctx, info.SteamID, info.SteamName)
	cancel()
	if err != nil {
		s.riderLogger().Error().Err(err).Msg("Failed to update player")
	}

	if s.deps.Hub != nil {
		s.deps.Hub.EvictDuplicates(info.SteamID, s.id)
	}

	if s.isBanned(info) {
		s.ban(info, banCrash)
		return false
	}
	s.emit(domain.EventRiderUpdate, info)
	return true
}

func (s *Session) isBanned(info domain.RiderInfo) bool {
	if info.SteamID == "" || info.SteamID == "OFFLINE" {
		return true
	}
	for _, name := range s.deps.Config.BannedNames {
		if strings.EqualFold(info.SteamName, name) {
			return true
		}
	}
	return false
}

func (s *Session) ban(info domain.RiderInfo, kind string) {
	s.riderLogger().Warn().Str("type", kind).Msg("Rider banned")
	s.Send(protocol.NewFrame(protocol.OpBanned, kind))
	s.emit(domain.EventBan, domain.BanEvent{SteamID: info.SteamID, SteamName: info.SteamName})
	s.announce(fmt.Sprintf("Banned %s (%s) with type %s", info.SteamName, info.SteamID, kind), notify.ChannelBanNote)
	s.Kill("banned")
}

func (s *Session) deliverPendingItems(steamID string) {
	ctx, cancel := s.storeCtx()
	defer cancel()
	items, err := s.deps.Store.GetPendingItems(ctx, steamID)
	if err != nil {
		s.riderLogger().Error().Err(err).Msg("Failed to load pending items")
		return
	}
	for _, item := range items {
		s.Send(protocol.NewFrame(protocol.OpUnlockItem, strconv.FormatInt(item.ItemID, 10)))
		if err := s.deps.Store.RedeemPendingItem(ctx, steamID, item.ItemID); err != nil {
			s.riderLogger().Error().Err(err).Int64("item_id", item.ItemID).Msg("Failed to redeem item")
		}
	}
}

func (s *Session) handleBikeSwitch(m protocol.BikeSwitch) {
	info := s.update(func(i *domain.RiderInfo) {
		i.BikeType = m.Bike
		i.BikeID = domain.BikeID(m.Bike)
	})
	s.broadcast(protocol.NewFrame(protocol.OpSetBike, m.Bike, info.SteamID), s.id)
	for _, t := range s.trails {
		t.Invalidate("You switched bikes!", false)
	}
}

func (s *Session) handleCheckpoint(m protocol.CheckpointEnter) {
	t := s.trail(m.Trail)
	t.SetTotalCheckpoints(m.TotalCheckpoints)
	switch m.Kind {
	case protocol.CheckpointStart:
		for name, other := range s.trails {
			if name != m.Trail {
				other.ForceStop()
			}
		}
		t.StartTimer(m.TotalCheckpoints)
	case protocol.CheckpointIntermediate:
		t.Checkpoint(s.ctx, m.ClientTime, m.Hash)
	case protocol.CheckpointFinish:
		s.runFinished(t.EndTimer(s.ctx, m.ClientTime))
	default:
		s.logger.Warn().Str("kind", string(m.Kind)).Msg("Unknown checkpoint kind")
	}
}

func (s *Session) handleMapEnter(m protocol.MapEnter) {
	now := s.deps.Clock.Now()
	info := s.update(func(i *domain.RiderInfo) {
		i.WorldName = m.Map
		i.TimeStarted = now
		if i.BikeType == "" {
			i.BikeType = domain.DefaultBike
			i.BikeID = domain.BikeID(domain.DefaultBike)
		}
	})
	s.Send(protocol.NewFrame(protocol.OpInvalidateTime, protocol.LineBreak))
	clear(s.trails)
	s.broadcast(protocol.NewFrame(protocol.OpSetBike, info.BikeType, info.SteamID), "")
	s.emit(domain.EventRiderUpdate, info)
}

func (s *Session) handleSpectate(m protocol.Spectate) {
	name := ""
	if s.deps.Hub != nil {
		if target, ok := s.deps.Hub.FindBySteamID(m.SteamID); ok {
			name = target.SteamName
		}
	}
	s.update(func(i *domain.RiderInfo) {
		i.SpectatingSteamID = m.SteamID
		i.SpectatingName = name
	})
}

func (s *Session) handleChat(m protocol.ChatMessage) {
	info := s.Info()
	s.riderLogger().Info().Str("text", m.Text).Msg("Chat message")
	s.broadcast(protocol.NewFrame(protocol.OpChatMessage,
		protocol.Sanitize(info.SteamName), protocol.Sanitize(info.WorldName), m.Text), "")
	s.emit(domain.EventChat, domain.ChatEvent{From: info.SteamName, World: info.WorldName, Text: m.Text})
}

// leaderboard renders the top times of trail in the rider's world
func (s *Session) leaderboard(trail string) string {
	ctx, cancel := s.storeCtx()
	defer cancel()
	entries, err := s.deps.Store.GetLeaderboard(ctx, trail, s.Info().WorldName, s.deps.Config.LeaderboardSize)
	if err != nil {
		s.logger.Error().Err(err).Str("trail", trail).Msg("Failed to load leaderboard")
	}
	return protocol.FormatBoard(boardRows(entries))
}

func (s *Session) handleSpeedrunLeaderboard(m protocol.SpeedrunLeaderboardRequest) {
	entries := speedrun.NoTimes()
	if s.deps.Leaderboards != nil {
		ctx, cancel := s.storeCtx()
		board, err := s.deps.Leaderboards.Leaderboard(ctx, m.Trail)
		cancel()
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("trail", m.Trail).Msg("Failed to load speedrun.com leaderboard")
		case len(board) > 0:
			entries = board
		}
	}
	s.Send(protocol.NewFrame(protocol.OpSpeedrunLeaderboard, m.Trail, protocol.FormatBoard(boardRows(entries))))
}

func (s *Session) handleUploadReplay(m protocol.UploadReplay) {
	if s.deps.Replays == nil {
		return
	}
	ctx, cancel := s.storeCtx()
	defer cancel()
	if err := s.deps.Replays.SaveReplay(ctx, m.TimeID, m.Data); err != nil {
		s.logger.Error().Err(err).Int64("time_id", m.TimeID).Msg("Failed to save replay")
		return
	}
	s.logger.Info().Int64("time_id", m.TimeID).Int("bytes", len(m.Data)).Msg("Replay saved")
}

func boardRows(entries []domain.LeaderboardEntry) []protocol.BoardRow {
	rows := make([]protocol.BoardRow, len(entries))
	for i, e := range entries {
		rows[i] = protocol.BoardRow{Place: e.Place, Time: e.Time, Name: e.SteamName}
	}
	return rows
}
