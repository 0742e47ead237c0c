package cycles

import (
	"errors"
	"fmt"
	"time"

	"mt5-cycles-bot-go/internal/models"
	"mt5-cycles-bot-go/internal/zone"
)

// CloseFunc 负责真正去经纪商平掉一个 ticket, 返回实现盈亏。
type CloseFunc func(ticket int64) (float64, error)

// Cycle 是一个交易周期: 一个区域内同一方向的一批订单,
// 连同它的状态机、已做价位和盈亏账目。
// Cycle 本身不加锁, 并发保护由 Manager 的互斥锁统一提供。
type Cycle struct {
	ID        string
	RemoteID  string // PocketBase 记录 id, 首次同步成功后填充
	Symbol    string
	Direction models.Direction

	EntryPrice float64
	Zone       *zone.Detector

	thresholdPips float64
	intervalPips  float64
	batchSLPips   float64
	recoveryPips  float64
	lotSize       float64
	pipValue      float64
	epsilon       float64
	tpUSD         float64

	ActiveOrders    []models.Order
	CompletedOrders []models.Order
	DoneLevels      []float64

	AccumulatedLoss   float64
	HighestPrice      float64 // 观察到的最高价, 初始为入场价
	LowestPrice       float64 // 观察到的最低价, 初始为入场价
	DirectionSwitches int
	InRecovery        bool

	IsActive    bool
	IsClosed    bool
	CloseReason string
	CloseTime   *time.Time
	CreatedAt   time.Time

	dirty bool
}

// NewCycle 以配置和入场上下文构造一个活动周期。
// 极值一律初始化为入场价, 周期中不允许出现非有限浮点值。
func NewCycle(id string, cfg *models.Config, dir models.Direction, entry, zoneBase float64) *Cycle {
	return &Cycle{
		ID:            id,
		Symbol:        cfg.Symbol,
		Direction:     dir,
		EntryPrice:    entry,
		Zone:          zone.NewDetector(zoneBase, cfg.ZoneThresholdPips, cfg.ReversalDistancePips, cfg.PipValue),
		thresholdPips: cfg.ZoneThresholdPips,
		intervalPips:  cfg.OrderIntervalPips,
		batchSLPips:   cfg.BatchStopLossPips,
		recoveryPips:  cfg.RecoveryTriggerPips,
		lotSize:       cfg.LotSize,
		pipValue:      cfg.PipValue,
		epsilon:       cfg.DuplicatePriceEpsilon,
		tpUSD:         cfg.TakeProfitUSD,
		HighestPrice:  entry,
		LowestPrice:   entry,
		IsActive:      true,
		CreatedAt:     time.Now(),
		dirty:         true,
	}
}

// ObservePrice 把一个新价格喂给周期: 更新极值并推进区域状态机。
func (c *Cycle) ObservePrice(price float64) {
	if price > c.HighestPrice {
		c.HighestPrice = price
	}
	if price < c.LowestPrice {
		c.LowestPrice = price
	}
	c.Zone.Observe(price)
}

// LevelDone 报告某个价位是否已经下过单 (容差内视为同一价位)。
func (c *Cycle) LevelDone(price float64) bool {
	for _, lv := range c.DoneLevels {
		if zone.WithinEpsilon(lv, price, c.epsilon) {
			return true
		}
	}
	return false
}

// NextLevel 返回当前方向上的下一个加单价位; 没有活动订单时返回入场价。
func (c *Cycle) NextLevel() float64 {
	step := zone.PipsToPrice(c.intervalPips, c.pipValue)
	var last float64
	found := false
	for _, o := range c.ActiveOrders {
		if !found {
			last = o.OpenPrice
			found = true
			continue
		}
		if c.Direction == models.Buy && o.OpenPrice > last {
			last = o.OpenPrice
		}
		if c.Direction == models.Sell && o.OpenPrice < last {
			last = o.OpenPrice
		}
	}
	if !found {
		return c.EntryPrice
	}
	if c.Direction == models.Buy {
		return last + step
	}
	return last - step
}

// AddOrder 把一个订单引用并入周期。与周期当前锁定方向相反的订单
// 在此处拒绝, ok 为 false, 调用方负责对冲掉那笔经纪商侧持仓;
// 重复 ticket 直接忽略。成交价位记入已做价位表, 周期标脏。
func (c *Cycle) AddOrder(ref models.OrderRef) (models.Order, bool) {
	order := ref.Resolve(models.Order{
		Direction: c.Direction,
		Volume:    c.lotSize,
		Kind:      models.KindInterval,
	})

	if order.Direction != c.Direction {
		return models.Order{}, false
	}

	for _, o := range c.ActiveOrders {
		if o.Ticket == order.Ticket && order.Ticket != 0 {
			return o, true
		}
	}

	c.ActiveOrders = append(c.ActiveOrders, order)
	if order.OpenPrice != 0 && !c.LevelDone(order.OpenPrice) {
		c.DoneLevels = append(c.DoneLevels, order.OpenPrice)
	}
	c.InRecovery = false
	c.dirty = true
	return order, true
}

// ApplyOrderClose 把一笔订单从活动表移入完成表并记账。
// 返回被关闭的订单; 未找到时 ok 为 false。
func (c *Cycle) ApplyOrderClose(ticket int64, profit float64) (models.Order, bool) {
	for i, o := range c.ActiveOrders {
		if o.Ticket != ticket {
			continue
		}
		o.Status = models.OrderClosed
		o.Profit = profit
		c.ActiveOrders = append(c.ActiveOrders[:i], c.ActiveOrders[i+1:]...)
		c.CompletedOrders = append(c.CompletedOrders, o)
		if profit < 0 {
			c.AccumulatedLoss += -profit
		}
		c.dirty = true
		return o, true
	}
	return models.Order{}, false
}

// ShouldReverse 判断是否应当反转方向。已关闭的周期永远返回 false。
func (c *Cycle) ShouldReverse(current float64) bool {
	if c.IsClosed {
		return false
	}
	return c.Zone.ShouldReverse(current, c.ActiveOrders, c.Direction)
}

// SwitchDirection 执行方向切换: 平掉原方向订单, 锁定新方向。
// 反转封锁只在切换成功后落下, 瞬时平仓失败不消耗本次反转机会,
// 下一轮评估会再次触发。新方向保持到周期关闭或新的突破回合开始。
func (c *Cycle) SwitchDirection(closer CloseFunc) (models.Direction, map[models.OrderKind]float64, error) {
	old := c.Direction
	losses, err := c.closeActive(closer)
	if err != nil {
		return c.Direction, losses, err
	}

	c.Direction = old.Opposite()
	c.DirectionSwitches++
	c.Zone.CommitReversal()
	c.dirty = true
	return c.Direction, losses, nil
}

// TotalProfit 返回已实现盈亏加上活动订单的浮动盈亏。
// floating 以 ticket 为键, 缺失的 ticket 按 0 计。
func (c *Cycle) TotalProfit(floating map[int64]float64) float64 {
	total := 0.0
	for _, o := range c.CompletedOrders {
		total += o.Profit
	}
	for _, o := range c.ActiveOrders {
		total += floating[o.Ticket]
	}
	return total
}

// TakeProfitReached 判断周期总盈亏是否达到止盈目标。目标为 0 时永不触发。
func (c *Cycle) TakeProfitReached(floating map[int64]float64) bool {
	if c.tpUSD <= 0 {
		return false
	}
	return c.TotalProfit(floating) >= c.tpUSD
}

// BatchStopLossBreached 判断当前批次是否触发批量止损:
// 价格从本方向最早的活动订单逆向移动超过配置距离。
func (c *Cycle) BatchStopLossBreached(current float64) bool {
	if len(c.ActiveOrders) == 0 || c.batchSLPips <= 0 {
		return false
	}
	anchor := c.ActiveOrders[0].OpenPrice
	dist := zone.PipsToPrice(c.batchSLPips, c.pipValue)
	if c.Direction == models.Buy {
		return current <= anchor-dist
	}
	return current >= anchor+dist
}

// EnterRecovery 平掉当前批次但保持周期活动, 等待价格回归后重入。
func (c *Cycle) EnterRecovery(closer CloseFunc) (map[models.OrderKind]float64, error) {
	losses, err := c.closeActive(closer)
	if err != nil {
		return losses, err
	}
	c.InRecovery = true
	c.dirty = true
	return losses, nil
}

// RecoveryReentry 判断恢复模式下是否应当重新入场:
// 价格回到区域基准价的触发距离以内。
func (c *Cycle) RecoveryReentry(current float64) bool {
	if !c.InRecovery {
		return false
	}
	dist := zone.PipsToPrice(c.recoveryPips, c.pipValue)
	diff := current - c.Zone.BasePrice()
	if diff < 0 {
		diff = -diff
	}
	return diff <= dist
}

// Close 关闭整个周期, 严格按固定顺序执行:
// 先尽力平掉所有经纪商侧订单, 全部出清后才翻转周期标志。
// 单笔瞬时失败不中止其余订单的平仓, 但会让周期保持活动,
// 留给下一轮评估重试剩余订单; 周期不会在还持有 ticket 时变成已关闭。
func (c *Cycle) Close(reason string, closer CloseFunc) (map[models.OrderKind]float64, error) {
	if c.IsClosed {
		return nil, nil
	}
	losses, err := c.closeActive(closer)
	if err != nil {
		return losses, fmt.Errorf("close cycle %s: %w", c.ID, err)
	}

	now := time.Now()
	c.IsActive = false
	c.IsClosed = true
	c.CloseReason = reason
	c.CloseTime = &now
	c.dirty = true
	return losses, nil
}

// closeActive 尽力平掉所有活动订单并记账, 返回按订单角色分桶的亏损。
// 经纪商明确拒绝 (典型: 持仓已不存在) 按零盈亏就地结算;
// 瞬时故障的订单留在活动表, 返回首个瞬时错误供调用方决定是否重试。
func (c *Cycle) closeActive(closer CloseFunc) (map[models.OrderKind]float64, error) {
	losses := make(map[models.OrderKind]float64)
	var firstErr error

	pending := make([]models.Order, len(c.ActiveOrders))
	copy(pending, c.ActiveOrders)
	for _, o := range pending {
		profit, err := closer(o.Ticket)
		if err != nil {
			var rejection *models.BrokerError
			if errors.As(err, &rejection) {
				c.ApplyOrderClose(o.Ticket, 0)
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("close ticket %d: %w", o.Ticket, err)
			}
			continue
		}
		c.ApplyOrderClose(o.Ticket, profit)
		if profit < 0 {
			losses[o.Kind] += -profit
		}
	}
	return losses, firstErr
}

// SumLosses 汇总按订单角色分桶的亏损总额。
func SumLosses(losses map[models.OrderKind]float64) float64 {
	total := 0.0
	for _, v := range losses {
		total += v
	}
	return total
}

// Lot 返回周期的单笔下单手数。
func (c *Cycle) Lot() float64 { return c.lotSize }

// ZoneKey 返回周期所属区域的稳定键: 品种加区域基准价。
// 区域基准价在周期存续期间不变, 键在创建时即可确定。
func (c *Cycle) ZoneKey() string {
	return ZoneKeyFor(c.Symbol, c.Zone.BasePrice())
}

// ZoneKeyFor 按品种和区域基准价构造区域键。
func ZoneKeyFor(symbol string, basePrice float64) string {
	return fmt.Sprintf("%s@%.5f", symbol, basePrice)
}

// Dirty 报告周期是否有未同步的改动。
func (c *Cycle) Dirty() bool { return c.dirty }

// MarkDirty 标记周期需要同步。
func (c *Cycle) MarkDirty() { c.dirty = true }

// ClearDirty 在成功同步后清除脏标记。
func (c *Cycle) ClearDirty() { c.dirty = false }

// Record 导出周期的持久化形态。切片做拷贝, 调用方可以安全持有。
func (c *Cycle) Record() models.CycleRecord {
	active := make([]models.Order, len(c.ActiveOrders))
	copy(active, c.ActiveOrders)
	completed := make([]models.Order, len(c.CompletedOrders))
	copy(completed, c.CompletedOrders)
	levels := make([]float64, len(c.DoneLevels))
	copy(levels, c.DoneLevels)

	return models.CycleRecord{
		CycleID:           c.ID,
		RemoteID:          c.RemoteID,
		Symbol:            c.Symbol,
		Direction:         c.Direction,
		EntryPrice:        c.EntryPrice,
		ZoneBasePrice:     c.Zone.BasePrice(),
		ZoneThresholdPips: c.thresholdPips,
		OrderIntervalPips: c.intervalPips,
		BatchStopLossPips: c.batchSLPips,
		LotSize:           c.lotSize,
		ActiveOrders:      active,
		CompletedOrders:   completed,
		DoneLevels:        levels,
		AccumulatedLoss:   c.AccumulatedLoss,
		HighestPrice:      c.HighestPrice,
		LowestPrice:       c.LowestPrice,
		DirectionSwitches: c.DirectionSwitches,
		InRecovery:        c.InRecovery,
		IsActive:          c.IsActive,
		IsClosed:          c.IsClosed,
		CloseReason:       c.CloseReason,
		CloseTime:         c.CloseTime,
	}
}

// FromRecord 从持久化记录恢复周期, 用于重启后的状态还原。
func FromRecord(rec models.CycleRecord, cfg *models.Config) *Cycle {
	c := NewCycle(rec.CycleID, cfg, rec.Direction, rec.EntryPrice, rec.ZoneBasePrice)
	c.RemoteID = rec.RemoteID
	c.ActiveOrders = append(c.ActiveOrders, rec.ActiveOrders...)
	c.CompletedOrders = append(c.CompletedOrders, rec.CompletedOrders...)
	c.DoneLevels = append(c.DoneLevels, rec.DoneLevels...)
	c.AccumulatedLoss = rec.AccumulatedLoss
	if rec.HighestPrice != 0 {
		c.HighestPrice = rec.HighestPrice
	}
	if rec.LowestPrice != 0 {
		c.LowestPrice = rec.LowestPrice
	}
	c.DirectionSwitches = rec.DirectionSwitches
	c.InRecovery = rec.InRecovery
	c.IsActive = rec.IsActive
	c.IsClosed = rec.IsClosed
	c.CloseReason = rec.CloseReason
	c.CloseTime = rec.CloseTime
	if len(c.ActiveOrders) > 0 {
		c.Zone.MarkBreached()
	}
	c.dirty = false
	return c
}
