package session

import (
	"fmt"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/metrics"
	"github.com/descenders-modkit/modkit-server/internal/notify"
	"github.com/descenders-modkit/modkit-server/internal/protocol"
	"github.com/descenders-modkit/modkit-server/internal/timer"
)

// runFinished publishes a stored run. Valid runs refresh the trail's
// leaderboard on every client and are announced.
func (s *Session) runFinished(res *timer.Result) {
	if res == nil {
		s.deps.Metrics.RunSubmitted(metrics.OutcomeFailed)
		return
	}
	sub := res.Submission
	switch {
	case !res.Valid:
		s.deps.Metrics.RunSubmitted(metrics.OutcomeInvalid)
	case res.Verified:
		s.deps.Metrics.RunSubmitted(metrics.OutcomeVerified)
	default:
		s.deps.Metrics.RunSubmitted(metrics.OutcomeReview)
	}

	spectated := s.deps.Hub != nil && s.deps.Hub.IsSpectated(sub.SteamID)
	fastest := false

	if res.Valid && res.WasRunning {
		ctx, cancel := s.storeCtx()
		entries, err := s.deps.Store.GetLeaderboard(ctx, sub.Trail, sub.World, s.deps.Config.LeaderboardSize)
		cancel()
		if err != nil {
			s.logger.Error().Err(err).Str("trail", sub.Trail).Msg("Failed to load leaderboard")
		}
		s.broadcast(protocol.NewFrame(protocol.OpLeaderboard, sub.Trail, protocol.FormatBoard(boardRows(entries))), "")
		fastest = res.Verified && len(entries) > 0 && entries[0].TimeID == res.TimeID

		formatted := timer.FormatDuration(sub.FinalTime())
		status := "requires review"
		if res.Verified {
			status = "verified"
		}
		s.announce(fmt.Sprintf("%s finished %s on %s in %s (%s). ID%d",
			sub.SteamName, sub.Trail, sub.World, formatted, status, res.TimeID), notify.ChannelNewTime)
		if fastest {
			s.announce(fmt.Sprintf("%s set the fastest time on %s (%s): %s",
				sub.SteamName, sub.Trail, sub.World, formatted), notify.ChannelFastestTime)
		}
		if spectated {
			s.announce(fmt.Sprintf("%s on %s", formatted, sub.Trail), notify.ChannelTwitch)
		}
	}

	s.emit(domain.EventRunFinish, domain.RunFinishEvent{
		TimeID:    res.TimeID,
		SteamID:   sub.SteamID,
		SteamName: sub.SteamName,
		Trail:     sub.Trail,
		World:     sub.World,
		FinalTime: sub.FinalTime(),
		Verified:  res.Verified,
		Valid:     res.Valid,
		Reason:    res.Reason,
		Fastest:   fastest,
		Spectated: spectated,
	})
}
