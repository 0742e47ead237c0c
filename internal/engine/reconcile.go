package engine

import (
	"mt5-cycles-bot-go/internal/cycles"
	"mt5-cycles-bot-go/internal/models"
)

// reconcile 对账经纪商持仓与本地周期:
//   - 经纪商有、本地没有的 ticket 被收养进最合适的活动周期;
//   - 本地有、经纪商没有的 ticket 视为已在外部平仓, 按零盈亏结算并告警。
func (e *Engine) reconcile() {
	positions, err := e.broker.OpenPositions(e.cfg.MagicNumber, e.cfg.Symbol)
	if err != nil {
		e.logger.Debugf("对账: 查询持仓失败: %v", err)
		return
	}

	remote := make(map[int64]models.Position, len(positions))
	for _, p := range positions {
		remote[p.Ticket] = p
	}

	tracked := make(map[int64]*cycles.Cycle)
	active := e.cycleMgr.Active()
	e.cycleMgr.WithLock(func() {
		for _, c := range active {
			for _, o := range c.ActiveOrders {
				tracked[o.Ticket] = c
			}
		}
	})

	// 本地缺失的持仓: 收养
	for ticket, p := range remote {
		if _, ok := tracked[ticket]; ok {
			continue
		}
		c := e.adoptTarget(active, p.Direction)
		if c == nil {
			e.logger.Warnf("对账: 持仓 %d (%s) 无同方向的活动周期可挂靠, 保持未管理", ticket, p.Direction)
			continue
		}
		var merged bool
		e.cycleMgr.WithLock(func() {
			_, merged = c.AddOrder(models.RecordRef(models.Order{
				Ticket:    p.Ticket,
				Direction: p.Direction,
				OpenPrice: p.OpenPrice,
				Volume:    p.Volume,
				Kind:      models.KindInterval,
				OpenTime:  p.OpenTime,
			}))
		})
		if !merged {
			// 选定和并入之间周期方向被反转了, 下一轮对账重试
			e.logger.Warnf("对账: 持仓 %d 并入周期 %s 时方向已不符, 保持未管理", ticket, c.ID)
			continue
		}
		e.logger.Infof("对账: 持仓 %d 收养进周期 %s", ticket, c.ID)
	}

	// 经纪商缺失的订单: 外部已平仓
	for ticket, c := range tracked {
		if _, ok := remote[ticket]; ok {
			continue
		}
		cycle := c
		e.cycleMgr.WithLock(func() {
			cycle.ApplyOrderClose(ticket, 0)
		})
		e.logger.Warnf("对账: 订单 %d 在经纪商侧已消失, 按外部平仓处理 (周期 %s, 盈亏未知)", ticket, cycle.ID)
	}

	// 结算完成后用底账加存量周期重算全局亏损账本, 修正漂移
	all := e.cycleMgr.All()
	e.cycleMgr.WithLock(func() {
		e.tracker.Recompute(all)
	})
}

// adoptTarget 选择收养孤儿持仓的周期: 只收进同方向的活动周期。
// 方向相反的周期不能收, 否则会在锁定方向的周期里混入反向订单。
func (e *Engine) adoptTarget(active []*cycles.Cycle, dir models.Direction) *cycles.Cycle {
	for _, c := range active {
		if c.IsClosed {
			continue
		}
		if c.Direction == dir {
			return c
		}
	}
	return nil
}
