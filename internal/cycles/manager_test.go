package cycles

import (
	"testing"
	"time"

	"mt5-cycles-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(cfg *models.Config) *Manager {
	return NewManager(cfg, zap.NewNop().Sugar())
}

func TestCreateCycle_CooldownThrottle(t *testing.T) {
	cfg := testConfig()
	m := newTestManager(cfg)

	c1, err := m.CreateCycle(models.Buy, 2400.0, 2400.0)
	require.NoError(t, err)
	require.NotNil(t, c1)

	// 冷却期内第二次创建被拒绝
	_, err = m.CreateCycle(models.Buy, 2500.0, 2500.0)
	assert.ErrorIs(t, err, ErrCreationThrottled)

	// 冷却结束后允许
	m.lastCreated = time.Now().Add(-61 * time.Second)
	c2, err := m.CreateCycle(models.Buy, 2500.0, 2500.0)
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)
}

func TestCreateCycle_DuplicateEpsilon(t *testing.T) {
	cfg := testConfig()
	m := newTestManager(cfg)

	_, err := m.CreateCycle(models.Buy, 2400.0, 2400.0)
	require.NoError(t, err)
	m.lastCreated = time.Time{} // 绕过冷却, 只验证重复判定

	// 容差内同方向: 重复
	_, err = m.CreateCycle(models.Buy, 2400.000001, 2400.000001)
	assert.ErrorIs(t, err, ErrDuplicateCycle)

	// 同价反方向: 不算重复 (区域校验也只拦同方向)
	_, err = m.CreateCycle(models.Sell, 2400.000001, 2400.000001)
	assert.NoError(t, err)
}

func TestCreateCycle_ZoneOverlapRejected(t *testing.T) {
	cfg := testConfig()
	m := newTestManager(cfg)

	_, err := m.CreateCycle(models.Buy, 2400.0, 2400.0)
	require.NoError(t, err)
	m.lastCreated = time.Time{}

	// 区域 [2390,2410] 与 [2395,2415] 重叠
	_, err = m.CreateCycle(models.Buy, 2405.0, 2405.0)
	assert.ErrorIs(t, err, ErrDuplicateCycle)

	// 相隔足够远: 允许
	_, err = m.CreateCycle(models.Buy, 2430.0, 2430.0)
	assert.NoError(t, err)
}

func TestCreateCycle_MaxActiveCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActiveCycles = 1
	m := newTestManager(cfg)

	_, err := m.CreateCycle(models.Buy, 2400.0, 2400.0)
	require.NoError(t, err)
	m.lastCreated = time.Time{}

	_, err = m.CreateCycle(models.Sell, 2500.0, 2500.0)
	assert.ErrorIs(t, err, ErrTooManyCycles)
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := newTestManager(testConfig())
	c, err := m.CreateCycle(models.Buy, 2400.0, 2400.0)
	require.NoError(t, err)

	m.Remove(c.ID)
	_, ok := m.Get(c.ID)
	assert.False(t, ok)
	m.Remove(c.ID) // 再删一次不炸
	m.Remove("never-existed")
}

func TestCleanupClosed_KeepsDirtyClosed(t *testing.T) {
	m := newTestManager(testConfig())
	c, err := m.CreateCycle(models.Buy, 2400.0, 2400.0)
	require.NoError(t, err)

	_, err = c.Close("take_profit", noopCloser)
	require.NoError(t, err)
	// 关闭后仍是脏的: 不能清, 要等同步写完
	assert.Empty(t, m.CleanupClosed())
	_, ok := m.Get(c.ID)
	assert.True(t, ok)

	c.ClearDirty()
	removed := m.CleanupClosed()
	require.Len(t, removed, 1)
	assert.Equal(t, c.ID, removed[0].ID)
	_, ok = m.Get(c.ID)
	assert.False(t, ok)
}

func TestByZone_IndexFollowsLifecycle(t *testing.T) {
	m := newTestManager(testConfig())
	c, err := m.CreateCycle(models.Buy, 2400.0, 2400.0)
	require.NoError(t, err)

	key := ZoneKeyFor("XAUUSD", 2400.0)
	assert.Equal(t, key, c.ZoneKey())

	got := m.ByZone(key)
	require.Len(t, got, 1)
	assert.Equal(t, c.ID, got[0].ID)
	assert.Empty(t, m.ByZone(ZoneKeyFor("XAUUSD", 2500.0)))

	// 同一区域键下可挂多个周期 (收养恢复场景)
	other := NewCycle("c2", testConfig(), models.Sell, 2400.0, 2400.0)
	m.Adopt(other)
	assert.Len(t, m.ByZone(key), 2)

	// 移除和清理同步维护索引
	m.Remove(other.ID)
	assert.Len(t, m.ByZone(key), 1)

	_, err = c.Close("take_profit", noopCloser)
	require.NoError(t, err)
	c.ClearDirty()
	m.CleanupClosed()
	assert.Empty(t, m.ByZone(key))
}

func TestByTicket(t *testing.T) {
	m := newTestManager(testConfig())
	c, err := m.CreateCycle(models.Buy, 2400.0, 2400.0)
	require.NoError(t, err)
	c.AddOrder(models.RecordRef(models.Order{Ticket: 7, OpenPrice: 2400.0}))

	got, ok := m.ByTicket(7)
	require.True(t, ok)
	assert.Equal(t, c.ID, got.ID)

	_, ok = m.ByTicket(8)
	assert.False(t, ok)
}

func TestCycleIDsAreUnique(t *testing.T) {
	m := newTestManager(testConfig())
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := m.nextID()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestLossTracker_AddLossByKind(t *testing.T) {
	tr := NewLossTracker(testConfig())
	tr.AddLoss(models.KindInitial, 10)
	tr.AddLoss(models.KindInterval, 5)
	tr.AddLoss(models.KindReversal, 2.5)
	tr.AddLoss(models.KindRecovery, 1)
	tr.AddLoss(models.KindInterval, 0) // 零和负值忽略
	tr.AddLoss(models.KindInterval, -3)

	snap := tr.Snapshot()
	assert.Equal(t, 18.5, snap.TotalAccumulatedLosses)
	assert.Equal(t, 10.0, snap.InitialOrderLosses)
	assert.Equal(t, 5.0, snap.IntervalOrderLosses)
	assert.Equal(t, 2.5, snap.ReversalOrderLosses)
	assert.Equal(t, 1.0, snap.RecoveryOrderLosses)
	assert.True(t, tr.Dirty())
}

func TestLossTracker_RecomputeMatchesCycles(t *testing.T) {
	cfg := testConfig()
	tr := NewLossTracker(cfg)
	tr.AddLoss(models.KindInterval, 999) // 人为漂移

	c := NewCycle("c1", cfg, models.Buy, 2400.0, 2400.0)
	c.AddOrder(models.RecordRef(models.Order{Ticket: 1, OpenPrice: 2400.0, Kind: models.KindInitial}))
	c.ApplyOrderClose(1, -7.0)

	tr.Recompute([]*Cycle{c})
	snap := tr.Snapshot()
	assert.Equal(t, 7.0, snap.TotalAccumulatedLosses)
	assert.Equal(t, 7.0, snap.InitialOrderLosses)
	assert.Zero(t, snap.IntervalOrderLosses)
	assert.Equal(t, 1, snap.ActiveCyclesCount)
}

func TestLossTracker_RetiredLossesSurviveRecompute(t *testing.T) {
	cfg := testConfig()
	tr := NewLossTracker(cfg)

	// 已清理周期的亏损折进底账
	gone := NewCycle("c1", cfg, models.Buy, 2400.0, 2400.0)
	gone.AddOrder(models.RecordRef(models.Order{Ticket: 1, OpenPrice: 2400.0, Kind: models.KindReversal}))
	gone.ApplyOrderClose(1, -12.0)
	tr.Retire(gone)

	live := NewCycle("c2", cfg, models.Buy, 2500.0, 2500.0)
	live.AddOrder(models.RecordRef(models.Order{Ticket: 2, OpenPrice: 2500.0, Kind: models.KindInterval}))
	live.ApplyOrderClose(2, -3.0)

	tr.Recompute([]*Cycle{live})
	snap := tr.Snapshot()
	assert.Equal(t, 15.0, snap.TotalAccumulatedLosses)
	assert.Equal(t, 12.0, snap.ReversalOrderLosses)
	assert.Equal(t, 3.0, snap.IntervalOrderLosses)
}
