package zone

import (
	"math"

	"mt5-cycles-bot-go/internal/models"
)

const priceHistoryCap = 100

// Detector 是每个周期一份的区域探测状态机。
//
// 状态迁移:
//
//	INACTIVE --(|price-entry| >= threshold)--> MONITORING
//	MONITORING --(该价位已下单)--> MONITORING (循环, 跟踪多个价位)
//	MONITORING --(|price-extremum| >= reversal)--> REVERSAL (单次突破事件内终态)
//
// BREACHED->REVERSAL 是单向的: 同一个突破事件不会触发两次反转,
// 直到 ResetEpisode 开启新的突破事件。
type Detector struct {
	phase         models.ZonePhase
	basePrice     float64
	thresholdPips float64
	reversalPips  float64
	pipValue      float64

	priceHistory []float64 // 有界, 最新在尾部
	reversalDone bool      // 当前突破事件内是否已触发过反转
}

// NewDetector 创建一个区域探测器。
func NewDetector(basePrice, thresholdPips, reversalPips, pipValue float64) *Detector {
	return &Detector{
		phase:         models.ZoneInactive,
		basePrice:     basePrice,
		thresholdPips: thresholdPips,
		reversalPips:  reversalPips,
		pipValue:      pipValue,
	}
}

// Phase 返回当前状态。
func (d *Detector) Phase() models.ZonePhase { return d.phase }

// BasePrice 返回区域基准价。
func (d *Detector) BasePrice() float64 { return d.basePrice }

// PipsToPrice 把 pip 距离换算为价格单位。
func PipsToPrice(pips, pipValue float64) float64 {
	return pips * pipValue
}

// Observe 记录一个价格点并推进 INACTIVE->MONITORING 迁移。
func (d *Detector) Observe(price float64) {
	d.priceHistory = append(d.priceHistory, price)
	if len(d.priceHistory) > priceHistoryCap {
		d.priceHistory = d.priceHistory[len(d.priceHistory)-priceHistoryCap:]
	}

	if d.phase == models.ZoneInactive {
		if breached, _ := d.DetectBreach(price, d.basePrice); breached {
			d.phase = models.ZoneMonitoring
		}
	}
}

// DetectBreach 判断 current 相对 entry 是否越过了阈值。
// 纯函数; 边界使用 >= 而不是 >, 恰好到达阈值也算突破。
func (d *Detector) DetectBreach(current, entry float64) (bool, models.Direction) {
	threshold := PipsToPrice(d.thresholdPips, d.pipValue)
	diff := current - entry
	if diff >= threshold {
		return true, models.Buy
	}
	if -diff >= threshold {
		return true, models.Sell
	}
	return false, ""
}

// ReversalPoint 根据活动订单的极值计算反转触发价。
// BUY 周期: 最高成交价 - 反转距离; SELL 周期: 最低成交价 + 反转距离。
// 必须用订单极值而不是行情极值: 反转距离是从已承诺的最差仓位量起的,
// 不是从一个转瞬即逝的 tick 量起的。没有活动订单时返回 ok=false。
func (d *Detector) ReversalPoint(orders []models.Order, dir models.Direction) (float64, bool) {
	var extremum float64
	found := false
	for _, o := range orders {
		if o.Status != models.OrderActive {
			continue
		}
		if !found {
			extremum = o.OpenPrice
			found = true
			continue
		}
		if dir == models.Buy && o.OpenPrice > extremum {
			extremum = o.OpenPrice
		}
		if dir == models.Sell && o.OpenPrice < extremum {
			extremum = o.OpenPrice
		}
	}
	if !found {
		return 0, false
	}

	dist := PipsToPrice(d.reversalPips, d.pipValue)
	if dir == models.Buy {
		return extremum - dist, true
	}
	return extremum + dist, true
}

// ShouldReverse 判断当前价格是否触发反转。纯判断, 不落封锁:
// 封锁由 CommitReversal 在方向切换真正成功后落下, 切换因瞬时
// 故障失败时下一轮会再次触发。
func (d *Detector) ShouldReverse(current float64, orders []models.Order, dir models.Direction) bool {
	if d.reversalDone {
		return false
	}
	trigger, ok := d.ReversalPoint(orders, dir)
	if !ok {
		// 没有活动订单就没有极值, 周期尚不具备反转资格
		return false
	}

	if dir == models.Buy {
		return current <= trigger
	}
	return current >= trigger
}

// CommitReversal 在方向切换成功后封锁本突破事件的反转,
// 直到 ResetEpisode 开启新的突破事件。
func (d *Detector) CommitReversal() {
	d.phase = models.ZoneReversal
	d.reversalDone = true
}

// MarkBreached 把探测器置为 BREACHED (周期已在此区域加过仓)。
func (d *Detector) MarkBreached() {
	if d.phase == models.ZoneInactive || d.phase == models.ZoneMonitoring {
		d.phase = models.ZoneBreached
	}
}

// ResetEpisode 开启一个新的突破事件: 反转封锁解除, 基准价重置。
func (d *Detector) ResetEpisode(newBase float64) {
	d.basePrice = newBase
	d.phase = models.ZoneMonitoring
	d.reversalDone = false
}

// History 返回价格历史的副本 (最新在尾部)。
func (d *Detector) History() []float64 {
	out := make([]float64, len(d.priceHistory))
	copy(out, d.priceHistory)
	return out
}

// Span 描述一个区域的价格范围, 用于激活校验。
type Span struct {
	Symbol    string
	Direction models.Direction
	Low       float64
	High      float64
}

// ValidateActivation 校验新区域与已有活动区域是否冲突。
// 同一品种同方向的两个区域价格范围重叠时拒绝激活。
func ValidateActivation(candidate Span, existing []Span) bool {
	for _, e := range existing {
		if e.Symbol != candidate.Symbol || e.Direction != candidate.Direction {
			continue
		}
		if candidate.Low <= e.High && e.Low <= candidate.High {
			return false
		}
	}
	return true
}

// SpanFor 根据基准价和阈值构造区域范围。
func SpanFor(symbol string, dir models.Direction, basePrice, thresholdPips, pipValue float64) Span {
	half := PipsToPrice(thresholdPips, pipValue)
	return Span{
		Symbol:    symbol,
		Direction: dir,
		Low:       basePrice - half,
		High:      basePrice + half,
	}
}

// WithinEpsilon 判断两个价位在容差内是否视为同一价位。
func WithinEpsilon(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}
