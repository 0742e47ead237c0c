package cycles

import (
	"sync"
	"time"

	"mt5-cycles-bot-go/internal/metrics"
	"mt5-cycles-bot-go/internal/models"
)

// LossTracker 是按 bot/账户/品种 维度的全局亏损账本。
// 周期记账的同时必须同步更新这里, 两边不允许出现偏差。
type LossTracker struct {
	mu sync.Mutex

	botID     string
	accountID string
	symbol    string

	snap  models.LossSnapshot
	dirty bool

	// retired 是被清理周期折算进来的分桶底账。
	// Recompute 只能看到仍在管理器里的周期, 底账补上已清理部分。
	retired map[models.OrderKind]float64
}

// NewLossTracker 惰性初始化一个空账本。
func NewLossTracker(cfg *models.Config) *LossTracker {
	return &LossTracker{
		botID:     cfg.BotID,
		accountID: cfg.AccountID,
		symbol:    cfg.Symbol,
		snap: models.LossSnapshot{
			BotID:     cfg.BotID,
			AccountID: cfg.AccountID,
			Symbol:    cfg.Symbol,
		},
		retired: make(map[models.OrderKind]float64),
	}
}

// AddLoss 按订单角色记入一笔亏损 (amount 为正数)。
func (t *LossTracker) AddLoss(kind models.OrderKind, amount float64) {
	if amount <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.TotalAccumulatedLosses += amount
	switch kind {
	case models.KindInitial:
		t.snap.InitialOrderLosses += amount
	case models.KindInterval:
		t.snap.IntervalOrderLosses += amount
	case models.KindRecovery:
		t.snap.RecoveryOrderLosses += amount
	case models.KindReversal:
		t.snap.ReversalOrderLosses += amount
	}
	t.touch()
	metrics.AccumulatedLoss.Set(t.snap.TotalAccumulatedLosses)
}

// OnCycleCreated 活动周期计数加一。
func (t *LossTracker) OnCycleCreated() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.ActiveCyclesCount++
	t.touch()
}

// OnCycleClosed 周期关闭时更新计数。
func (t *LossTracker) OnCycleClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.ActiveCyclesCount > 0 {
		t.snap.ActiveCyclesCount--
	}
	t.snap.ClosedCyclesCount++
	t.touch()
}

// OnDirectionSwitch 方向切换计数加一。
func (t *LossTracker) OnDirectionSwitch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.DirectionSwitchCount++
	t.touch()
	metrics.DirectionSwitches.Inc()
}

// OnBatchStopLoss 批量止损触发计数加一。
func (t *LossTracker) OnBatchStopLoss() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.BatchStopLossTriggers++
	t.touch()
}

// Retire 把被清理周期的已实现亏损折进底账, 供后续 Recompute 使用。
func (t *LossTracker) Retire(removed ...*Cycle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range removed {
		for _, o := range c.CompletedOrders {
			if o.Profit < 0 {
				t.retired[o.Kind] += -o.Profit
			}
		}
	}
}

// Recompute 用底账加当前全部周期重算账本, 用于对账修正漂移。
func (t *LossTracker) Recompute(all []*Cycle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := models.LossSnapshot{
		BotID:                 t.botID,
		AccountID:             t.accountID,
		Symbol:                t.symbol,
		ClosedCyclesCount:     t.snap.ClosedCyclesCount,
		DirectionSwitchCount:  t.snap.DirectionSwitchCount,
		BatchStopLossTriggers: t.snap.BatchStopLossTriggers,
	}
	buckets := map[models.OrderKind]float64{
		models.KindInitial:  t.retired[models.KindInitial],
		models.KindInterval: t.retired[models.KindInterval],
		models.KindRecovery: t.retired[models.KindRecovery],
		models.KindReversal: t.retired[models.KindReversal],
	}
	for _, c := range all {
		if c.IsActive {
			fresh.ActiveCyclesCount++
		}
		for _, o := range c.CompletedOrders {
			if o.Profit < 0 {
				buckets[o.Kind] += -o.Profit
			}
		}
	}
	fresh.InitialOrderLosses = buckets[models.KindInitial]
	fresh.IntervalOrderLosses = buckets[models.KindInterval]
	fresh.RecoveryOrderLosses = buckets[models.KindRecovery]
	fresh.ReversalOrderLosses = buckets[models.KindReversal]
	fresh.TotalAccumulatedLosses = fresh.InitialOrderLosses + fresh.IntervalOrderLosses +
		fresh.RecoveryOrderLosses + fresh.ReversalOrderLosses
	fresh.LastUpdated = time.Now()
	t.snap = fresh
	t.dirty = true
	metrics.AccumulatedLoss.Set(fresh.TotalAccumulatedLosses)
}

// Snapshot 返回账本当前值的拷贝。
func (t *LossTracker) Snapshot() models.LossSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Dirty 报告账本是否有未同步的改动。
func (t *LossTracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// ClearDirty 同步成功后清除脏标记。
func (t *LossTracker) ClearDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = false
}

func (t *LossTracker) touch() {
	t.snap.LastUpdated = time.Now()
	t.dirty = true
}
