package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"mt5-cycles-bot-go/internal/metrics"
	"mt5-cycles-bot-go/internal/models"
	"mt5-cycles-bot-go/internal/orders"
	"mt5-cycles-bot-go/internal/pocketbase"
)

// pollEvents 拉取远端待处理的控制事件并逐条执行。
// 每条事件处理完都写回回执, 不论成败。
func (e *Engine) pollEvents() {
	recs, err := e.syncer.pb.QueryRecords(e.cfg.EventsCollection, "status='pending'", "+created")
	if err != nil {
		e.logger.Debugf("拉取事件失败: %v", err)
		return
	}

	for _, rec := range recs {
		ev, err := decodeEvent(rec)
		if err != nil {
			e.logger.Warnf("事件 %s 解析失败, 跳过: %v", rec.ID(), err)
			e.ackEvent(rec.ID(), models.EventResult{
				EventID: rec.ID(), Success: false,
				Message: err.Error(), ProcessedAt: time.Now(),
			})
			continue
		}

		result := e.handleEvent(ev)
		e.ackEvent(ev.ID, result)

		outcome := "ok"
		if !result.Success {
			outcome = "failed"
		}
		metrics.EventsProcessed.WithLabelValues(string(ev.Type), outcome).Inc()
	}
}

// decodeEvent 把一条 PocketBase 记录解析成事件。
func decodeEvent(rec pocketbase.Record) (models.Event, error) {
	var ev models.Event
	raw, err := json.Marshal(rec)
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, err
	}
	ev.ID = rec.ID()
	if ev.Type == "" {
		return ev, fmt.Errorf("event %s has no type", ev.ID)
	}
	return ev, nil
}

// handleEvent 分派并执行一条控制事件。
func (e *Engine) handleEvent(ev models.Event) models.EventResult {
	result := models.EventResult{
		EventID:     ev.ID,
		Type:        ev.Type,
		ProcessedAt: time.Now(),
	}

	switch ev.Type {
	case models.EventCloseCycle:
		c, ok := e.cycleMgr.Get(ev.CycleID)
		if !ok {
			// 周期不存在不算处理失败, 回执说明即可
			result.Success = true
			result.Message = fmt.Sprintf("cycle %s not found", ev.CycleID)
			return result
		}
		var err error
		e.cycleMgr.WithLock(func() {
			var losses map[models.OrderKind]float64
			losses, err = c.Close("remote_close", e.closePosition)
			e.trackLosses(losses)
		})
		if err != nil {
			result.Message = err.Error()
			return result
		}
		e.tracker.OnCycleClosed()
		metrics.CyclesClosed.WithLabelValues("remote_close").Inc()
		e.syncer.SyncCycleNow(c)
		result.Success = true
		result.Affected = 1

	case models.EventCloseAllCycles:
		for _, c := range e.cycleMgr.Active() {
			var err error
			e.cycleMgr.WithLock(func() {
				var losses map[models.OrderKind]float64
				losses, err = c.Close("remote_close_all", e.closePosition)
				e.trackLosses(losses)
			})
			if err != nil {
				e.logger.Errorf("远端全平: 周期 %s 关闭失败: %v", c.ID, err)
				result.Message = err.Error()
				continue
			}
			e.tracker.OnCycleClosed()
			metrics.CyclesClosed.WithLabelValues("remote_close_all").Inc()
			e.syncer.SyncCycleNow(c)
			result.Affected++
		}
		result.Success = result.Message == ""

	case models.EventOpenOrder:
		c, ok := e.cycleMgr.Get(ev.CycleID)
		if !ok {
			result.Success = true
			result.Message = fmt.Sprintf("cycle %s not found", ev.CycleID)
			return result
		}
		volume := ev.Volume
		if volume <= 0 {
			volume = c.Lot()
		}
		order, err := e.orderMgr.Place(orders.Request{
			CycleID:       c.ID,
			Direction:     c.Direction,
			Volume:        volume,
			IntendedPrice: ev.Price,
			Kind:          models.KindInterval,
			Comment:       fmt.Sprintf("%s:remote", c.ID),
		})
		if err == orders.ErrQueued {
			result.Success = true
			result.Message = "queued for background retry"
			return result
		}
		if err != nil {
			result.Message = err.Error()
			return result
		}
		var merged bool
		e.cycleMgr.WithLock(func() { _, merged = c.AddOrder(models.RecordRef(*order)) })
		if !merged {
			// 下单到并入之间周期方向被反转了, 对冲掉这笔成交
			if _, cerr := e.broker.ClosePosition(order.Ticket); cerr != nil {
				e.logger.Errorf("订单 %d 对冲失败: %v", order.Ticket, cerr)
			}
			result.Message = "order direction no longer matches cycle, position flattened"
			return result
		}
		result.Success = true
		result.Affected = 1

	case models.EventCloseOrder:
		c, ok := e.cycleMgr.ByTicket(ev.Ticket)
		if !ok {
			result.Success = true
			result.Message = fmt.Sprintf("ticket %d not tracked", ev.Ticket)
			return result
		}
		profit, err := e.broker.ClosePosition(ev.Ticket)
		if err != nil {
			result.Message = err.Error()
			return result
		}
		e.cycleMgr.WithLock(func() {
			if o, ok := c.ApplyOrderClose(ev.Ticket, profit); ok && profit < 0 {
				e.tracker.AddLoss(o.Kind, -profit)
			}
		})
		result.Success = true
		result.Affected = 1

	default:
		result.Message = fmt.Sprintf("unknown event type %q", ev.Type)
	}

	return result
}

// ackEvent 把处理回执写回事件记录。回执失败只记日志,
// 事件会在下一轮被再次拉到, 处理逻辑必须幂等。
func (e *Engine) ackEvent(eventID string, result models.EventResult) {
	status := "done"
	if !result.Success {
		status = "failed"
	}
	data, err := pocketbase.ToMap(result)
	if err != nil {
		e.logger.Errorf("事件回执编码失败: %v", err)
		return
	}
	data["status"] = status

	if err := e.syncer.pb.UpdateRecord(e.cfg.EventsCollection, eventID, data); err != nil {
		e.logger.Warnf("事件 %s 回执写入失败: %v", eventID, err)
	}
}
