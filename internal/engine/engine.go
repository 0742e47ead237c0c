package engine

import (
	"fmt"
	"sync"
	"time"

	"mt5-cycles-bot-go/internal/broker"
	"mt5-cycles-bot-go/internal/cycles"
	"mt5-cycles-bot-go/internal/metrics"
	"mt5-cycles-bot-go/internal/models"
	"mt5-cycles-bot-go/internal/orders"
	"mt5-cycles-bot-go/internal/zone"

	"go.uber.org/zap"
)

// Engine 是策略主体: 驱动区域探测、周期生命周期和订单投放。
// 所有对周期状态的修改都发生在 cycleMgr 的锁内。
type Engine struct {
	cfg    *models.Config
	logger *zap.SugaredLogger

	broker   broker.Broker
	cycleMgr *cycles.Manager
	orderMgr *orders.Manager
	tracker  *cycles.LossTracker
	syncer   *Syncer

	// entryZone 是空闲状态下等待突破的探测器, 周期创建后重置基准
	entryZone *zone.Detector
	zoneMu    sync.Mutex

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine 组装一个策略引擎。
func NewEngine(cfg *models.Config, logger *zap.SugaredLogger, b broker.Broker,
	cycleMgr *cycles.Manager, tracker *cycles.LossTracker, syncer *Syncer) *Engine {

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		broker:   b,
		cycleMgr: cycleMgr,
		tracker:  tracker,
		syncer:   syncer,
		stopChan: make(chan struct{}),
	}
	e.orderMgr = orders.NewManager(b, cfg, logger, e.onQueuedOrderPlaced, e.cycleCancelled)
	return e
}

// OrderManager 暴露订单管理器, 事件处理需要直接下单。
func (e *Engine) OrderManager() *orders.Manager { return e.orderMgr }

// Start 启动全部后台循环: 策略、同步、事件轮询、对账。
func (e *Engine) Start() {
	e.logger.Infof("引擎启动 (%s, 区域阈值 %.0f pips, 加单间隔 %.0f pips)",
		e.cfg.Symbol, e.cfg.ZoneThresholdPips, e.cfg.OrderIntervalPips)

	e.orderMgr.Start()

	e.wg.Add(4)
	go e.strategyLoop()
	go e.syncLoop()
	go e.eventLoop()
	go e.reconcileLoop()
}

// Stop 停止全部循环并做最后一次落盘。
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.orderMgr.Stop()
	e.wg.Wait()

	if err := e.syncer.Flush(); err != nil {
		e.logger.Errorf("停机前最终同步失败: %v", err)
	}
	e.syncer.SnapshotLocal()
	e.logger.Info("引擎已停止")
}

// strategyLoop 是主策略循环, 按固定周期拉取报价并评估所有周期。
func (e *Engine) strategyLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.TickIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.processTick()
		}
	}
}

// ProcessTick 对外暴露单步评估, 回放模式逐条喂入报价时使用。
func (e *Engine) ProcessTick() {
	e.processTick()
}

// processTick 处理一个报价周期。单个周期的故障不能波及其他周期。
func (e *Engine) processTick() {
	bid, ask, err := e.broker.CurrentPrice(e.cfg.Symbol)
	if err != nil {
		e.logger.Warnf("获取报价失败, 跳过本轮: %v", err)
		return
	}
	mid := (bid + ask) / 2

	floating := e.floatingProfits()

	e.maybeOpenCycle(mid)

	for _, c := range e.cycleMgr.Active() {
		e.evaluateGuarded(c, mid, floating)
	}

	if removed := e.cycleMgr.CleanupClosed(); len(removed) > 0 {
		e.tracker.Retire(removed...)
	}
	metrics.ActiveCycles.Set(float64(e.cycleMgr.ActiveCount()))
}

// trackLosses 把按订单角色分桶的亏损记入全局账本。
// 周期侧记账发生在 ApplyOrderClose 里, 两边在同一评估步骤内更新。
func (e *Engine) trackLosses(losses map[models.OrderKind]float64) {
	for kind, amount := range losses {
		e.tracker.AddLoss(kind, amount)
	}
}

// floatingProfits 拉取经纪商持仓的浮动盈亏, 失败时返回空表。
func (e *Engine) floatingProfits() map[int64]float64 {
	out := make(map[int64]float64)
	positions, err := e.broker.OpenPositions(e.cfg.MagicNumber, e.cfg.Symbol)
	if err != nil {
		e.logger.Debugf("查询持仓失败: %v", err)
		return out
	}
	for _, p := range positions {
		out[p.Ticket] = p.Profit
	}
	return out
}

// evaluateGuarded 在恢复保护下评估单个周期。
// 周期内的 panic 或错误只记日志, 不中断本轮其他周期的处理。
func (e *Engine) evaluateGuarded(c *cycles.Cycle, price float64, floating map[int64]float64) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("周期 %s 评估时发生 panic, 已隔离: %v", c.ID, r)
		}
	}()

	if err := e.evaluateCycle(c, price, floating); err != nil {
		e.logger.Errorf("周期 %s 评估出错: %v", c.ID, err)
	}
}

// evaluateCycle 对一个活动周期执行一轮完整评估:
// 恢复重入 -> 止盈 -> 批量止损 -> 反转 -> 间隔加单。
func (e *Engine) evaluateCycle(c *cycles.Cycle, price float64, floating map[int64]float64) error {
	var closed bool
	var err error

	e.cycleMgr.WithLock(func() {
		c.ObservePrice(price)

		if c.InRecovery {
			if c.RecoveryReentry(price) {
				err = e.placeForCycle(c, models.KindRecovery, price)
			}
			return
		}

		if c.TakeProfitReached(floating) {
			var losses map[models.OrderKind]float64
			losses, err = c.Close("take_profit", e.closePosition)
			e.trackLosses(losses)
			if err == nil {
				closed = true
				e.tracker.OnCycleClosed()
				metrics.CyclesClosed.WithLabelValues("take_profit").Inc()
				e.logger.Infof("周期 %s 达到止盈目标, 已关闭", c.ID)
			}
			return
		}

		if c.BatchStopLossBreached(price) {
			losses, slErr := c.EnterRecovery(e.closePosition)
			e.trackLosses(losses)
			if slErr != nil {
				err = slErr
				return
			}
			e.tracker.OnBatchStopLoss()
			e.logger.Warnf("周期 %s 触发批量止损 (亏损 %.2f), 进入恢复模式", c.ID, cycles.SumLosses(losses))
			return
		}

		if c.ShouldReverse(price) {
			var newDir models.Direction
			var losses map[models.OrderKind]float64
			newDir, losses, err = c.SwitchDirection(e.closePosition)
			e.trackLosses(losses)
			if err != nil {
				return
			}
			e.tracker.OnDirectionSwitch()
			e.logger.Infof("周期 %s 方向反转为 %s (切换亏损 %.2f)", c.ID, newDir, cycles.SumLosses(losses))
			err = e.placeForCycle(c, models.KindReversal, price)
			return
		}

		err = e.maybeIntervalOrder(c, price)
	})

	if closed {
		e.syncer.SyncCycleNow(c)
	}
	return err
}

// maybeIntervalOrder 在价格推进到下一个加单价位时投放间隔订单。
// 已做过的价位 (容差内) 不会重复下单。
func (e *Engine) maybeIntervalOrder(c *cycles.Cycle, price float64) error {
	if len(c.ActiveOrders) == 0 {
		return nil
	}
	next := c.NextLevel()
	reached := (c.Direction == models.Buy && price >= next) ||
		(c.Direction == models.Sell && price <= next)
	if !reached || c.LevelDone(next) {
		return nil
	}
	return e.placeForCycle(c, models.KindInterval, next)
}

// placeForCycle 为周期投放一笔订单并把结果并入周期。
// 转入后台队列的请求不算错误, 成交后经回调并入。
func (e *Engine) placeForCycle(c *cycles.Cycle, kind models.OrderKind, intended float64) error {
	order, err := e.orderMgr.Place(orders.Request{
		CycleID:       c.ID,
		Direction:     c.Direction,
		Volume:        c.Lot(),
		IntendedPrice: intended,
		Kind:          kind,
		Comment:       fmt.Sprintf("%s:%s", c.ID, kind),
	})
	if err == orders.ErrQueued {
		e.logger.Infof("周期 %s 的 %s 订单已转入后台队列", c.ID, kind)
		return nil
	}
	if err != nil {
		return fmt.Errorf("place %s order: %w", kind, err)
	}
	if _, ok := c.AddOrder(models.RecordRef(*order)); !ok {
		// 成交方向与周期锁定方向不符, 立即对冲, 不并入周期
		e.logger.Errorf("周期 %s 拒绝方向不符的订单 %d, 立即平仓", c.ID, order.Ticket)
		if _, cerr := e.broker.ClosePosition(order.Ticket); cerr != nil {
			e.logger.Errorf("订单 %d 对冲失败: %v", order.Ticket, cerr)
		}
	}
	return nil
}

// maybeOpenCycle 在空闲探测器检测到突破时创建新周期并投放初始订单。
func (e *Engine) maybeOpenCycle(price float64) {
	e.zoneMu.Lock()
	if e.entryZone == nil {
		e.entryZone = zone.NewDetector(price, e.cfg.ZoneThresholdPips, e.cfg.ReversalDistancePips, e.cfg.PipValue)
		e.zoneMu.Unlock()
		return
	}
	e.entryZone.Observe(price)
	breached, dir := e.entryZone.DetectBreach(price, e.entryZone.BasePrice())
	base := e.entryZone.BasePrice()
	e.zoneMu.Unlock()

	if !breached {
		return
	}

	c, err := e.cycleMgr.CreateCycle(dir, price, base)
	switch err {
	case nil:
	case cycles.ErrCreationThrottled, cycles.ErrDuplicateCycle, cycles.ErrTooManyCycles:
		e.logger.Debugf("突破未建仓: %v", err)
		return
	default:
		e.logger.Errorf("创建周期失败: %v", err)
		return
	}

	e.tracker.OnCycleCreated()

	// 新回合: 空闲探测器以突破价为新基准继续等待下一次突破
	e.zoneMu.Lock()
	e.entryZone.ResetEpisode(price)
	e.zoneMu.Unlock()

	e.cycleMgr.WithLock(func() {
		c.Zone.MarkBreached()
		if err := e.placeForCycle(c, models.KindInitial, price); err != nil {
			e.logger.Errorf("周期 %s 初始订单失败: %v", c.ID, err)
		}
	})
	e.syncer.SyncCycleNow(c)
}

// closePosition 是传给周期的平仓回调。
func (e *Engine) closePosition(ticket int64) (float64, error) {
	return e.broker.ClosePosition(ticket)
}

// onQueuedOrderPlaced 是后台队列成交后的回调, 把订单并入所属周期。
// 周期已关闭、或排队期间周期方向已反转的, 立即对冲掉这笔孤儿订单:
// 反转后的周期绝不允许同时持有两个方向的活动订单。
func (e *Engine) onQueuedOrderPlaced(cycleID string, order models.Order) {
	c, ok := e.cycleMgr.Get(cycleID)
	if !ok || c.IsClosed {
		e.logger.Warnf("后台订单 %d 的周期 %s 已不存在, 立即平仓", order.Ticket, cycleID)
		if _, err := e.broker.ClosePosition(order.Ticket); err != nil {
			e.logger.Errorf("孤儿订单 %d 平仓失败: %v", order.Ticket, err)
		}
		return
	}
	var merged bool
	e.cycleMgr.WithLock(func() {
		_, merged = c.AddOrder(models.RecordRef(order))
	})
	if !merged {
		e.logger.Warnf("后台订单 %d 方向与周期 %s 当前方向不符, 立即平仓", order.Ticket, cycleID)
		if _, err := e.broker.ClosePosition(order.Ticket); err != nil {
			e.logger.Errorf("孤儿订单 %d 平仓失败: %v", order.Ticket, err)
		}
	}
}

// cycleCancelled 供订单队列判断挂起请求是否应当丢弃。
func (e *Engine) cycleCancelled(cycleID string) bool {
	c, ok := e.cycleMgr.Get(cycleID)
	return !ok || c.IsClosed
}

// syncLoop 按固定周期把脏状态推送到 PocketBase 并落盘本地快照。
func (e *Engine) syncLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.SyncIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if err := e.syncer.Flush(); err != nil {
				e.logger.Warnf("周期同步失败: %v", err)
				metrics.SyncFailures.Inc()
			}
			e.syncer.SnapshotLocal()
		}
	}
}

// eventLoop 轮询远端控制事件。
func (e *Engine) eventLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.EventPollIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.pollEvents()
		}
	}
}

// reconcileLoop 定期对账经纪商持仓与本地周期。
func (e *Engine) reconcileLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.ReconcileIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.reconcile()
		}
	}
}
