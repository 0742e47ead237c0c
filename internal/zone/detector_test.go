package zone

import (
	"testing"

	"mt5-cycles-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeOrder(price float64) models.Order {
	return models.Order{Ticket: 1, OpenPrice: price, Status: models.OrderActive}
}

func TestDetectBreach_InclusiveBoundary(t *testing.T) {
	// threshold 100 pips * 0.1 = 10.0 price units
	d := NewDetector(2400.0, 100, 300, 0.1)

	// 差一个最小刻度: 不突破
	breached, _ := d.DetectBreach(2409.99, 2400.0)
	assert.False(t, breached)

	// 恰好到达阈值: 突破 (>= 而不是 >)
	breached, dir := d.DetectBreach(2410.0, 2400.0)
	assert.True(t, breached)
	assert.Equal(t, models.Buy, dir)

	breached, dir = d.DetectBreach(2390.0, 2400.0)
	assert.True(t, breached)
	assert.Equal(t, models.Sell, dir)
}

func TestObserve_InactiveToMonitoring(t *testing.T) {
	d := NewDetector(2400.0, 100, 300, 0.1)
	assert.Equal(t, models.ZoneInactive, d.Phase())

	d.Observe(2405.0)
	assert.Equal(t, models.ZoneInactive, d.Phase())

	d.Observe(2410.0)
	assert.Equal(t, models.ZoneMonitoring, d.Phase())
}

func TestObserve_HistoryBounded(t *testing.T) {
	d := NewDetector(0, 100, 300, 0.1)
	for i := 0; i < 250; i++ {
		d.Observe(float64(i))
	}
	h := d.History()
	require.Len(t, h, priceHistoryCap)
	assert.Equal(t, 249.0, h[len(h)-1])
}

func TestReversalPoint_UsesOrderExtremaNotPriceExtrema(t *testing.T) {
	d := NewDetector(2400.0, 100, 300, 0.1)

	// 行情冲高到 2500, 但最高成交价只有 2450
	d.Observe(2500.0)
	orders := []models.Order{
		{Ticket: 1, OpenPrice: 2420.0, Status: models.OrderActive},
		{Ticket: 2, OpenPrice: 2450.0, Status: models.OrderActive},
		{Ticket: 3, OpenPrice: 2470.0, Status: models.OrderClosed}, // 已平仓不参与
	}

	// 反转触发价 = 2450 - 300*0.1 = 2420, 与行情极值 2500 无关
	trigger, ok := d.ReversalPoint(orders, models.Buy)
	require.True(t, ok)
	assert.InDelta(t, 2420.0, trigger, 1e-9)
}

func TestReversalPoint_NoActiveOrders(t *testing.T) {
	d := NewDetector(2400.0, 100, 300, 0.1)
	_, ok := d.ReversalPoint(nil, models.Buy)
	assert.False(t, ok)

	closed := []models.Order{{Ticket: 1, OpenPrice: 2450.0, Status: models.OrderClosed}}
	_, ok = d.ReversalPoint(closed, models.Buy)
	assert.False(t, ok)
}

func TestShouldReverse_OneShotPerEpisode(t *testing.T) {
	d := NewDetector(2400.0, 100, 300, 0.1)
	orders := []models.Order{activeOrder(2450.0)}

	// 首次触发: 2450 - 30 = 2420
	assert.True(t, d.ShouldReverse(2420.0, orders, models.Buy))

	// 封锁在 CommitReversal 之后才落下
	d.CommitReversal()
	assert.Equal(t, models.ZoneReversal, d.Phase())

	// 同一突破事件内不会再次触发, 价格更深也不行
	assert.False(t, d.ShouldReverse(2400.0, orders, models.Buy))

	// 新突破事件解除封锁
	d.ResetEpisode(2420.0)
	assert.True(t, d.ShouldReverse(2420.0, orders, models.Buy))
}

func TestShouldReverse_RepeatsUntilCommitted(t *testing.T) {
	d := NewDetector(2400.0, 100, 300, 0.1)
	orders := []models.Order{activeOrder(2450.0)}

	// 切换尚未提交时, 每一轮判断都会再次触发
	assert.True(t, d.ShouldReverse(2420.0, orders, models.Buy))
	assert.True(t, d.ShouldReverse(2420.0, orders, models.Buy))
	assert.NotEqual(t, models.ZoneReversal, d.Phase())

	d.CommitReversal()
	assert.False(t, d.ShouldReverse(2420.0, orders, models.Buy))
}

func TestShouldReverse_SellDirection(t *testing.T) {
	d := NewDetector(2400.0, 100, 300, 0.1)
	orders := []models.Order{activeOrder(2350.0)}

	// SELL: 最低成交价 + 反转距离 = 2350 + 30 = 2380
	assert.False(t, d.ShouldReverse(2379.0, orders, models.Sell))
	assert.True(t, d.ShouldReverse(2380.0, orders, models.Sell))
}

func TestValidateActivation_RejectsOverlap(t *testing.T) {
	existing := []Span{SpanFor("XAUUSD", models.Buy, 2400.0, 100, 0.1)} // [2390, 2410]

	// 同品种同方向重叠: 拒绝
	assert.False(t, ValidateActivation(SpanFor("XAUUSD", models.Buy, 2405.0, 100, 0.1), existing))
	// 同品种反方向: 允许
	assert.True(t, ValidateActivation(SpanFor("XAUUSD", models.Sell, 2405.0, 100, 0.1), existing))
	// 不同品种: 允许
	assert.True(t, ValidateActivation(SpanFor("EURUSD", models.Buy, 2405.0, 100, 0.1), existing))
	// 同方向但不重叠: 允许
	assert.True(t, ValidateActivation(SpanFor("XAUUSD", models.Buy, 2430.0, 100, 0.1), existing))
}

func TestWithinEpsilon(t *testing.T) {
	assert.True(t, WithinEpsilon(2400.00001, 2400.00002, 0.00001))
	assert.False(t, WithinEpsilon(2400.0, 2400.1, 0.00001))
	assert.True(t, WithinEpsilon(2400.0, 2400.0, 0))
}
