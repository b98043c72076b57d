// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/storage"
)

// Suite runs against the backend returned by Open, once per test.
type Suite struct {
	suite.Suite
	Open func() storage.Storage

	store storage.Storage
	ctx   context.Context
}

func (s *Suite) SetupTest() {
	s.store = s.Open()
	s.ctx = context.Background()
}

func (s *Suite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func run(steamID, name string, times ...float64) domain.TimeSubmission {
	return domain.TimeSubmission{
		SteamID:       steamID,
		SteamName:     name,
		Trail:         "Ridge",
		World:         "Highlands",
		BikeID:        domain.BikeDownhill,
		StartingSpeed: 8.5,
		Version:       "0.2.1",
		Times:         times,
		AutoVerify:    true,
	}
}

func (s *Suite) submit(sub domain.TimeSubmission) int64 {
	id, err := s.store.SubmitTime(s.ctx, sub)
	s.Require().NoError(err)
	return id
}

func (s *Suite) TestUpdatePlayerKeepsKnownName() {
	s.Require().NoError(s.store.UpdatePlayer(s.ctx, "1", "alice"))
	s.Require().NoError(s.store.UpdatePlayer(s.ctx, "1", ""))

	p, err := s.store.GetPlayer(s.ctx, "1")
	s.Require().NoError(err)
	s.Equal("alice", p.SteamName)

	_, err = s.store.GetPlayer(s.ctx, "missing")
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *Suite) TestLeaderboardBestVerifiedTimePerPlayer() {
	s.submit(run("1", "alice", 10, 20, 30))
	s.submit(run("1", "alice", 9, 18, 27))
	s.submit(run("2", "bob", 11, 22, 28))

	unverified := run("3", "carol", 5, 10, 15)
	unverified.AutoVerify = false
	s.submit(unverified)

	deleted := run("4", "dave", 4, 8, 12)
	deleted.AutoVerify = false
	deleted.Deleted = true
	s.submit(deleted)

	board, err := s.store.GetLeaderboard(s.ctx, "Ridge", "Highlands", 10)
	s.Require().NoError(err)
	s.Require().Len(board, 2)
	s.Equal(1, board[0].Place)
	s.Equal("alice", board[0].SteamName)
	s.InDelta(27.0, board[0].Time, 1e-9)
	s.Equal(2, board[1].Place)
	s.Equal("bob", board[1].SteamName)

	limited, err := s.store.GetLeaderboard(s.ctx, "Ridge", "Highlands", 1)
	s.Require().NoError(err)
	s.Len(limited, 1)

	other, err := s.store.GetLeaderboard(s.ctx, "Ridge", "Elsewhere", 10)
	s.Require().NoError(err)
	s.Empty(other)
}

func (s *Suite) TestVerificationLatestRecordWins() {
	unverified := run("3", "carol", 5, 10, 15)
	unverified.AutoVerify = false
	id := s.submit(unverified)

	s.Require().NoError(s.store.SubmitVerification(s.ctx, id, "mod-1", true))
	board, err := s.store.GetLeaderboard(s.ctx, "Ridge", "Highlands", 10)
	s.Require().NoError(err)
	s.Len(board, 1)

	s.Require().NoError(s.store.SubmitVerification(s.ctx, id, "mod-2", false))
	board, err = s.store.GetLeaderboard(s.ctx, "Ridge", "Highlands", 10)
	s.Require().NoError(err)
	s.Empty(board)

	history, err := s.store.GetVerifications(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal("mod-1", history[0].VerifierID)
	s.False(history[1].Verified)

	err = s.store.SubmitVerification(s.ctx, 9999, "mod-1", true)
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *Suite) TestAutoVerifiedRunHasAuditRecord() {
	id := s.submit(run("1", "alice", 10, 20))
	history, err := s.store.GetVerifications(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(storage.AutoVerifier, history[0].VerifierID)
	s.True(history[0].Verified)
}

func (s *Suite) TestCheckpointReferences() {
	wr, err := s.store.GetGlobalBestCheckpointTimes(s.ctx, "Ridge", "Highlands")
	s.Require().NoError(err)
	s.Nil(wr)

	s.submit(run("1", "alice", 10, 20, 30))
	s.submit(run("2", "bob", 9, 19, 29))
	slow := run("2", "bob", 12, 24, 36)
	slow.AutoVerify = false
	s.submit(slow)

	wr, err = s.store.GetGlobalBestCheckpointTimes(s.ctx, "Ridge", "Highlands")
	s.Require().NoError(err)
	s.Equal([]float64{9, 19, 29}, wr)

	pb, err := s.store.GetPersonalBestCheckpointTimes(s.ctx, "Ridge", "Highlands", "1")
	s.Require().NoError(err)
	s.Equal([]float64{10, 20, 30}, pb)

	pb, err = s.store.GetPersonalBestCheckpointTimes(s.ctx, "Ridge", "Highlands", "nobody")
	s.Require().NoError(err)
	s.Nil(pb)
}

func (s *Suite) TestTrailMaxStartingSpeed() {
	_, found, err := s.store.GetTrailMaxStartingSpeed(s.ctx, "Ridge", "Highlands")
	s.Require().NoError(err)
	s.False(found)

	fast := run("1", "alice", 10)
	fast.StartingSpeed = 12
	s.submit(fast)
	s.submit(run("2", "bob", 11))

	maxSpeed, found, err := s.store.GetTrailMaxStartingSpeed(s.ctx, "Ridge", "Highlands")
	s.Require().NoError(err)
	s.True(found)
	s.InDelta(12.0, maxSpeed, 1e-9)
}

func (s *Suite) TestCountTimes() {
	old := run("1", "alice", 10)
	old.SubmittedAt = time.Now().Add(-40 * 24 * time.Hour)
	s.submit(old)
	s.submit(run("1", "alice", 9))

	total, err := s.store.CountTimes(s.ctx, time.Time{})
	s.Require().NoError(err)
	s.Equal(2, total)

	recent, err := s.store.CountTimes(s.ctx, time.Now().Add(-30*24*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, recent)
}

func (s *Suite) TestPendingItems() {
	s.Require().NoError(s.store.AddPendingItem(s.ctx, "1", 7))
	s.Require().NoError(s.store.AddPendingItem(s.ctx, "1", 3))
	s.Require().NoError(s.store.AddPendingItem(s.ctx, "2", 9))

	items, err := s.store.GetPendingItems(s.ctx, "1")
	s.Require().NoError(err)
	s.Len(items, 2)

	s.Require().NoError(s.store.RedeemPendingItem(s.ctx, "1", 7))
	items, err = s.store.GetPendingItems(s.ctx, "1")
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(int64(3), items[0].ItemID)

	err = s.store.RedeemPendingItem(s.ctx, "1", 7)
	s.ErrorIs(err, storage.ErrNotFound)
}

func (s *Suite) TestReplays() {
	id := s.submit(run("1", "alice", 10))

	has, err := s.store.HasReplay(s.ctx, id)
	s.Require().NoError(err)
	s.False(has)

	data := []byte("frame data frame data frame data")
	s.Require().NoError(s.store.SaveReplay(s.ctx, id, data))

	has, err = s.store.HasReplay(s.ctx, id)
	s.Require().NoError(err)
	s.True(has)

	got, err := s.store.GetReplay(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(data, got)

	err = s.store.SaveReplay(s.ctx, 9999, data)
	s.ErrorIs(err, storage.ErrNotFound)
}
