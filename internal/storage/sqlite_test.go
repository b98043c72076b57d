package storage_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/descenders-modkit/modkit-server/internal/domain"
	"github.com/descenders-modkit/modkit-server/internal/storage"
	"github.com/descenders-modkit/modkit-server/internal/storage/storagetest"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "modkit.db"))
	require.NoError(t, err)
	return store
}

func TestSQLiteSuite(t *testing.T) {
	s := &storagetest.Suite{}
	s.Open = func() storage.Storage { return openStore(s.T()) }
	suite.Run(t, s)
}

func TestConcurrentSubmitsShareOneTrail(t *testing.T) {
	store := openStore(t)
	defer store.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.SubmitTime(ctx, domain.TimeSubmission{
				SteamID:    "1",
				SteamName:  "alice",
				Trail:      "Ridge",
				World:      "Highlands",
				Times:      []float64{float64(10 + i)},
				AutoVerify: true,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	board, err := store.GetLeaderboard(ctx, "Ridge", "Highlands", 0)
	require.NoError(t, err)
	require.Len(t, board, 1)
	require.InDelta(t, 10.0, board[0].Time, 1e-9)
}
