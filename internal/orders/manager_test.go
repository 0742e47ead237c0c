package orders

import (
	"testing"
	"time"

	"mt5-cycles-bot-go/internal/broker"
	"mt5-cycles-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *models.Config {
	return &models.Config{
		Symbol:                  "XAUUSD",
		PipValue:                0.1,
		LotSize:                 0.01,
		MagicNumber:             123456,
		RetryAttempts:           2,
		RetryDelayMs:            1, // 测试中不真等
		QueueMaxAttempts:        3,
		QueueBackoffCapMs:       5000,
		StalePriceTolerancePips: 50,
	}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newTestManager(b broker.Broker, cancelled CancelledFunc, onPlaced PlacedFunc) *Manager {
	return NewManager(b, testConfig(), testLogger(), onPlaced, cancelled)
}

func TestPlace_SucceedsFirstAttempt(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	sim.SetTick(2400.0, 2400.2, time.Now())
	m := newTestManager(sim, nil, nil)

	order, err := m.Place(Request{CycleID: "c1", Direction: models.Buy, Volume: 0.01, Kind: models.KindInitial})
	require.NoError(t, err)
	assert.NotZero(t, order.Ticket)
	assert.InDelta(t, 2400.2, order.OpenPrice, 1e-9) // BUY 吃卖价
	assert.Equal(t, models.OrderActive, order.Status)
}

func TestPlace_RecoversWithinImmediateRetries(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	sim.SetTick(2400.0, 2400.2, time.Now())
	sim.FailNext(2) // 前两次无应答, 第三次 (最后一次重试) 成功
	m := newTestManager(sim, nil, nil)

	order, err := m.Place(Request{CycleID: "c1", Direction: models.Sell, Volume: 0.01, Kind: models.KindInterval})
	require.NoError(t, err)
	assert.NotZero(t, order.Ticket)
}

func TestPlace_TransientExhaustionGoesToQueue(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	sim.SetTick(2400.0, 2400.2, time.Now())
	sim.FailNext(10)
	m := newTestManager(sim, nil, nil)

	order, err := m.Place(Request{CycleID: "c1", Direction: models.Buy, Volume: 0.01})
	assert.Nil(t, order)
	assert.ErrorIs(t, err, ErrQueued)
	assert.Equal(t, 1, m.QueueLen())
}

func TestPlace_RejectionIsAbandonedNotQueued(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	sim.SetTick(2400.0, 2400.2, time.Now())

	// RejectNext 每次只注入一单次拒绝, 用单次尝试的配置验证拒绝分支
	cfg := testConfig()
	cfg.RetryAttempts = 0
	m := NewManager(sim, cfg, testLogger(), nil, nil)

	sim.RejectNext(10019, "no money")
	order, err := m.Place(Request{CycleID: "c1", Direction: models.Buy, Volume: 0.01})
	assert.Nil(t, order)
	assert.True(t, broker.IsRejection(err))
	assert.Equal(t, 0, m.QueueLen())
}

func TestQueue_DropsCancelledCycle(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	sim.SetTick(2400.0, 2400.2, time.Now())

	placed := 0
	m := newTestManager(sim,
		func(cycleID string) bool { return cycleID == "closed" },
		func(cycleID string, order models.Order) { placed++ })

	m.processQueued(&queuedRequest{
		Request:    Request{CycleID: "closed", Direction: models.Buy, Volume: 0.01},
		EnqueuedAt: time.Now(),
	})
	assert.Zero(t, placed)
	assert.Equal(t, 0, m.QueueLen())

	positions, _ := sim.OpenPositions(123456, "XAUUSD")
	assert.Empty(t, positions) // 没有真的下过单
}

func TestQueue_DropsStaleRequest(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	// 容差 50 pips * 0.1 = 5.0, 期望价 2400 与现价 2410 偏离 10
	sim.SetTick(2409.9, 2410.1, time.Now())

	placed := 0
	m := newTestManager(sim, nil, func(string, models.Order) { placed++ })

	m.processQueued(&queuedRequest{
		Request:    Request{CycleID: "c1", Direction: models.Buy, Volume: 0.01, IntendedPrice: 2400.0},
		EnqueuedAt: time.Now(),
	})
	assert.Zero(t, placed)
	assert.Equal(t, 0, m.QueueLen())
}

func TestQueue_SuccessInvokesCallback(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	sim.SetTick(2400.0, 2400.2, time.Now())

	var got models.Order
	var gotCycle string
	m := newTestManager(sim, nil, func(cycleID string, order models.Order) {
		gotCycle = cycleID
		got = order
	})

	m.processQueued(&queuedRequest{
		Request:    Request{CycleID: "c1", Direction: models.Buy, Volume: 0.01, IntendedPrice: 2400.2, Kind: models.KindInterval},
		EnqueuedAt: time.Now(),
	})
	assert.Equal(t, "c1", gotCycle)
	assert.NotZero(t, got.Ticket)
}

func TestQueue_RequeuesWithBackoffThenGivesUp(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	sim.SetTick(2400.0, 2400.2, time.Now())
	m := newTestManager(sim, nil, nil)

	qr := &queuedRequest{
		Request:    Request{CycleID: "c1", Direction: models.Buy, Volume: 0.01},
		EnqueuedAt: time.Now(),
	}

	// 第一次失败: 重新入队, 退避推后
	sim.FailNext(1)
	m.processQueued(qr)
	assert.Equal(t, 1, m.QueueLen())
	assert.Equal(t, 1, qr.Attempts)
	assert.True(t, qr.NextAttemptAt.After(time.Now()))

	// 尝试次数到达上限: 放弃
	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()
	qr.Attempts = 2 // QueueMaxAttempts=3, 本次失败后到 3
	sim.FailNext(1)
	m.processQueued(qr)
	assert.Equal(t, 0, m.QueueLen())
}

func TestBackoffSchedule(t *testing.T) {
	m := newTestManager(broker.NewSimBroker("XAUUSD", 100), nil, nil)
	assert.Equal(t, 1*time.Second, m.backoff(0))
	assert.Equal(t, 2*time.Second, m.backoff(1))
	assert.Equal(t, 5*time.Second, m.backoff(2))
	assert.Equal(t, 5*time.Second, m.backoff(7)) // 封顶
}

func TestDiagnose_OrderedChecks(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	sim.SetTick(2400.0, 2400.2, time.Now())
	m := newTestManager(sim, nil, nil)
	req := Request{CycleID: "c1", Direction: models.Buy, Volume: 0.01}

	// 连接断开优先于其他一切
	sim.Account.Connected = false
	assert.Equal(t, "connection_lost", m.Diagnose(broker.ErrNoResponse, req).Category)
	sim.Account.Connected = true

	sim.Account.MarginLevel = 50
	assert.Equal(t, "insufficient_margin", m.Diagnose(broker.ErrNoResponse, req).Category)
	sim.Account.MarginLevel = 1000

	sim.Symbol.TradeAllowed = false
	assert.Equal(t, "symbol_trading_disabled", m.Diagnose(broker.ErrNoResponse, req).Category)
	sim.Symbol.TradeAllowed = true

	badReq := Request{CycleID: "c1", Direction: models.Buy, Volume: 0}
	assert.Equal(t, "invalid_parameters", m.Diagnose(broker.ErrNoResponse, badReq).Category)

	assert.Equal(t, "unknown", m.Diagnose(broker.ErrNoResponse, req).Category)
}

func TestConsecutiveFailureCounterResets(t *testing.T) {
	sim := broker.NewSimBroker("XAUUSD", 100)
	sim.SetTick(2400.0, 2400.2, time.Now())
	cfg := testConfig()
	cfg.RetryAttempts = 0
	m := NewManager(sim, cfg, testLogger(), nil, nil)

	for i := 0; i < 3; i++ {
		sim.RejectNext(10019, "no money")
		_, err := m.Place(Request{CycleID: "c1", Direction: models.Buy, Volume: 0.01})
		require.Error(t, err)
	}
	m.mu.Lock()
	assert.Equal(t, 3, m.consecFails)
	m.mu.Unlock()

	_, err := m.Place(Request{CycleID: "c1", Direction: models.Buy, Volume: 0.01})
	require.NoError(t, err)
	m.mu.Lock()
	assert.Equal(t, 0, m.consecFails)
	m.mu.Unlock()
}
