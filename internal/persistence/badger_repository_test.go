package persistence

import (
	"testing"
	"time"

	"mt5-cycles-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) StateRepository {
	t.Helper()
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSnapshotRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	// 空库: 没有快照不算错误
	snap, err := repo.LoadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snap)

	now := time.Now().Truncate(time.Second)
	in := &Snapshot{
		Cycles: []models.CycleRecord{{
			CycleID:    "c1",
			Symbol:     "XAUUSD",
			Direction:  models.Buy,
			EntryPrice: 2410.0,
			IsActive:   true,
		}},
		Losses:  models.LossSnapshot{BotID: "bot1", TotalAccumulatedLosses: 12.5},
		SavedAt: now,
	}
	require.NoError(t, repo.SaveSnapshot(in))

	out, err := repo.LoadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Len(t, out.Cycles, 1)
	assert.Equal(t, "c1", out.Cycles[0].CycleID)
	assert.Equal(t, 12.5, out.Losses.TotalAccumulatedLosses)
	assert.True(t, out.SavedAt.Equal(now))
}

func TestPendingJournalOrderAndRemoval(t *testing.T) {
	repo := newTestRepo(t)

	base := time.Now()
	for i, id := range []string{"b", "a", "c"} {
		require.NoError(t, repo.AppendPending(PendingEntry{
			ID:         id,
			Collection: "cycles",
			Action:     ActionUpdate,
			QueuedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := repo.PendingEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// 按入队时间排序, 不是按 key 的字典序
	assert.Equal(t, "b", entries[0].ID)
	assert.Equal(t, "a", entries[1].ID)
	assert.Equal(t, "c", entries[2].ID)

	require.NoError(t, repo.RemovePending("a"))
	require.NoError(t, repo.RemovePending("a")) // 幂等
	entries, err = repo.PendingEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
