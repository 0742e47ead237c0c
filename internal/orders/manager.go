package orders

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"mt5-cycles-bot-go/internal/broker"
	"mt5-cycles-bot-go/internal/metrics"
	"mt5-cycles-bot-go/internal/models"
	"mt5-cycles-bot-go/internal/zone"

	"go.uber.org/zap"
)

// ErrQueued 表示同步重试已用尽, 请求已转入后台队列。
// 调用方不应阻塞等待, 订单如果最终成交会通过回调送达。
var ErrQueued = errors.New("orders: request moved to background retry queue")

// consecutiveFailureAlarm 连续永久失败达到该值时升级告警
const consecutiveFailureAlarm = 3

// Request 是一次下单请求
type Request struct {
	CycleID       string
	Direction     models.Direction
	Volume        float64
	IntendedPrice float64 // 期望的成交价位, 用于过期判定; 0 表示市价随行
	Kind          models.OrderKind
	Comment       string
}

// queuedRequest 是进入后台队列的请求, 带时间戳和尝试计数
type queuedRequest struct {
	Request
	EnqueuedAt    time.Time
	Attempts      int
	NextAttemptAt time.Time
}

// PlacedFunc 是后台队列成交后的回调
type PlacedFunc func(cycleID string, order models.Order)

// CancelledFunc 报告某个周期是否已关闭; 已关闭周期的挂起重试必须丢弃
type CancelledFunc func(cycleID string) bool

// Manager 负责对经纪商下单: 有界的立即重试加异步的后台重试队列。
// 它不持有任何周期管理器的锁; 对经纪商的串行化由 Broker 实现内部完成。
type Manager struct {
	broker broker.Broker
	cfg    *models.Config
	logger *zap.SugaredLogger

	mu          sync.Mutex
	queue       []*queuedRequest
	consecFails int

	onPlaced  PlacedFunc
	cancelled CancelledFunc

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewManager 创建一个订单管理器。
func NewManager(b broker.Broker, cfg *models.Config, logger *zap.SugaredLogger, onPlaced PlacedFunc, cancelled CancelledFunc) *Manager {
	return &Manager{
		broker:    b,
		cfg:       cfg,
		logger:    logger,
		onPlaced:  onPlaced,
		cancelled: cancelled,
		stopChan:  make(chan struct{}),
	}
}

// Start 启动后台重试协程。
func (m *Manager) Start() {
	go m.retryLoop()
}

// Stop 停止后台重试协程。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// Place 尝试立即下单: 首次尝试加上最多 RetryAttempts 次固定延迟重试。
// 瞬时失败在重试用尽后转入后台队列并返回 ErrQueued;
// 明确拒绝在重试用尽后直接放弃并返回原错误。
func (m *Manager) Place(req Request) (*models.Order, error) {
	attempts := 1 + m.cfg.RetryAttempts
	delay := time.Duration(m.cfg.RetryDelayMs) * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			metrics.OrderRetries.Inc()
			time.Sleep(delay)
		}

		order, err := m.tryPlace(req)
		if err == nil {
			m.noteSuccess()
			return order, nil
		}
		lastErr = err

		diag := m.Diagnose(err, req)
		m.logger.Warnf("下单尝试 %d/%d 失败 (cycle=%s, %s): %s [%s]",
			i+1, attempts, req.CycleID, req.Direction, diag.Detail, diag.Category)
	}

	if broker.IsTransient(lastErr) {
		m.enqueue(req)
		return nil, ErrQueued
	}

	// 明确拒绝: 放弃该订单, 周期继续运行
	m.notePermanentFailure(req)
	return nil, lastErr
}

// tryPlace 执行一次真实的下单调用并把结果转换为订单记录。
func (m *Manager) tryPlace(req Request) (*models.Order, error) {
	result, err := m.broker.PlaceOrder(models.OrderRequest{
		Symbol:    m.cfg.Symbol,
		Direction: req.Direction,
		Volume:    req.Volume,
		Comment:   req.Comment,
		Magic:     m.cfg.MagicNumber,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		// 防御: 无错误但也无结果, 按无应答处理
		return nil, broker.ErrNoResponse
	}

	order := &models.Order{
		Ticket:    result.Ticket,
		Direction: req.Direction,
		OpenPrice: result.ExecPrice,
		Volume:    result.Volume,
		Status:    models.OrderActive,
		Kind:      req.Kind,
		OpenTime:  time.Now(),
	}
	metrics.OrdersPlaced.WithLabelValues(string(req.Kind)).Inc()
	return order, nil
}

// enqueue 把请求放入后台队列 (FIFO, 带时间戳)。
func (m *Manager) enqueue(req Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.queue = append(m.queue, &queuedRequest{
		Request:       req,
		EnqueuedAt:    now,
		NextAttemptAt: now.Add(m.backoff(0)),
	})
	m.logger.Infof("下单请求进入后台重试队列 (cycle=%s, %s @ %.5f), 队列长度 %d",
		req.CycleID, req.Direction, req.IntendedPrice, len(m.queue))
}

// QueueLen 返回后台队列当前长度。
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// backoff 返回第 attempt 次后台重试前的等待时间: 1s, 2s, 5s, 封顶。
func (m *Manager) backoff(attempt int) time.Duration {
	cap := time.Duration(m.cfg.QueueBackoffCapMs) * time.Millisecond
	var d time.Duration
	switch attempt {
	case 0:
		d = 1 * time.Second
	case 1:
		d = 2 * time.Second
	default:
		d = 5 * time.Second
	}
	if d > cap {
		d = cap
	}
	return d
}

// retryLoop 是后台重试协程, 独立于主策略循环运行。
func (m *Manager) retryLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.processQueue()
		}
	}
}

// processQueue 处理所有到期的队列请求。
func (m *Manager) processQueue() {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}
	head := m.queue[0]
	if time.Now().Before(head.NextAttemptAt) {
		m.mu.Unlock()
		return
	}
	m.queue = m.queue[1:]
	m.mu.Unlock()

	m.processQueued(head)
}

// processQueued 对一个出队请求做一次尝试, 失败时按退避重新入队。
func (m *Manager) processQueued(qr *queuedRequest) {
	// 周期已关闭的重试必须丢弃, 不能执行
	if m.cancelled != nil && m.cancelled(qr.CycleID) {
		m.logger.Infof("丢弃已关闭周期 %s 的挂起下单请求", qr.CycleID)
		return
	}

	if m.isStale(qr) {
		m.logger.Infof("丢弃过期下单请求 (cycle=%s, 期望价 %.5f): 价格已偏离容差",
			qr.CycleID, qr.IntendedPrice)
		m.notePermanentFailure(qr.Request)
		return
	}

	metrics.OrderRetries.Inc()
	order, err := m.tryPlace(qr.Request)
	if err == nil {
		m.noteSuccess()
		m.logger.Infof("后台重试成功 (cycle=%s, ticket=%d, 第%d次尝试)",
			qr.CycleID, order.Ticket, qr.Attempts+1)
		if m.onPlaced != nil {
			m.onPlaced(qr.CycleID, *order)
		}
		return
	}

	qr.Attempts++
	if qr.Attempts >= m.cfg.QueueMaxAttempts || broker.IsRejection(err) {
		diag := m.Diagnose(err, qr.Request)
		m.logger.Warnf("后台重试放弃 (cycle=%s, 尝试 %d 次): %s [%s]",
			qr.CycleID, qr.Attempts, diag.Detail, diag.Category)
		m.notePermanentFailure(qr.Request)
		return
	}

	qr.NextAttemptAt = time.Now().Add(m.backoff(qr.Attempts))
	m.mu.Lock()
	m.queue = append(m.queue, qr)
	m.mu.Unlock()
}

// isStale 判断请求对应的价位是否已被行情甩开。
func (m *Manager) isStale(qr *queuedRequest) bool {
	if qr.IntendedPrice == 0 {
		return false
	}
	bid, ask, err := m.broker.CurrentPrice(m.cfg.Symbol)
	if err != nil {
		// 拿不到行情时不做过期判定, 留给下一轮
		return false
	}
	mid := (bid + ask) / 2
	tolerance := zone.PipsToPrice(m.cfg.StalePriceTolerancePips, m.cfg.PipValue)
	return math.Abs(mid-qr.IntendedPrice) > tolerance
}

// noteSuccess 重置连续失败计数。
func (m *Manager) noteSuccess() {
	m.mu.Lock()
	m.consecFails = 0
	m.mu.Unlock()
	metrics.ConsecutiveFailures.Set(0)
}

// notePermanentFailure 记录一次永久失败, 连续失败达到阈值时升级告警。
func (m *Manager) notePermanentFailure(req Request) {
	m.mu.Lock()
	m.consecFails++
	n := m.consecFails
	m.mu.Unlock()

	metrics.OrdersFailed.Inc()
	metrics.ConsecutiveFailures.Set(float64(n))

	if n >= consecutiveFailureAlarm {
		m.logger.Errorf("!!! 连续 %d 笔订单永久失败 (最近: cycle=%s, %s), 请检查经纪商连接与账户状态",
			n, req.CycleID, req.Direction)
	}
}

// Diagnostic 是一次下单失败的结构化诊断结果, 仅用于日志, 不影响控制流。
type Diagnostic struct {
	Category string
	Detail   string
}

// Diagnose 按固定顺序检查失败根因: 连接状态 -> 保证金水平 ->
// 品种可交易性 -> 参数合法性。
func (m *Manager) Diagnose(err error, req Request) Diagnostic {
	detail := "no response from broker"
	if err != nil {
		detail = err.Error()
	}

	acct, acctErr := m.broker.AccountStatus()
	if acctErr != nil || acct == nil || !acct.Connected {
		return Diagnostic{Category: "connection_lost", Detail: detail}
	}

	if acct.MarginLevel > 0 && acct.MarginLevel < 100 {
		return Diagnostic{Category: "insufficient_margin",
			Detail: fmt.Sprintf("%s (margin level %.1f%%)", detail, acct.MarginLevel)}
	}

	sym, symErr := m.broker.SymbolStatus(m.cfg.Symbol)
	if symErr == nil && sym != nil && !sym.TradeAllowed {
		return Diagnostic{Category: "symbol_trading_disabled", Detail: detail}
	}

	if req.Volume <= 0 || (sym != nil && (req.Volume < sym.MinLot || req.Volume > sym.MaxLot)) {
		return Diagnostic{Category: "invalid_parameters",
			Detail: fmt.Sprintf("%s (volume %.2f)", detail, req.Volume)}
	}

	return Diagnostic{Category: "unknown", Detail: detail}
}
