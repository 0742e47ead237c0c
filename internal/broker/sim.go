package broker

import (
	"fmt"
	"sync"
	"time"

	"mt5-cycles-bot-go/internal/models"
)

// SimBroker 实现了 Broker 接口, 在内存中模拟经纪商行为,
// 用于回放模式和测试。市价单立即以当前报价成交。
type SimBroker struct {
	mu sync.Mutex

	symbol       string
	bid, ask     float64
	now          time.Time
	nextTicket   int64
	positions    map[int64]*models.Position
	contractSize float64 // 每手对应的报价单位数量, 用于简化盈亏计算

	// 故障注入
	failNext   int
	rejectNext *models.BrokerError

	Account models.AccountStatus
	Symbol  models.SymbolStatus

	ClosedProfits map[int64]float64 // ticket -> 平仓时的已实现盈亏
}

// NewSimBroker 创建一个新的模拟经纪商。
func NewSimBroker(symbol string, contractSize float64) *SimBroker {
	return &SimBroker{
		symbol:       symbol,
		nextTicket:   1,
		positions:    make(map[int64]*models.Position),
		contractSize: contractSize,
		Account: models.AccountStatus{
			Connected:    true,
			Balance:      10000,
			Equity:       10000,
			MarginLevel:  1000,
			TradeAllowed: true,
		},
		Symbol: models.SymbolStatus{
			Symbol:       symbol,
			TradeAllowed: true,
			Point:        0.01,
			MinLot:       0.01,
			MaxLot:       100,
		},
		ClosedProfits: make(map[int64]float64),
	}
}

// SetTick 推进模拟时钟并更新报价, 同时刷新所有持仓的浮动盈亏。
func (s *SimBroker) SetTick(bid, ask float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bid, s.ask, s.now = bid, ask, now
	for _, p := range s.positions {
		p.Profit = s.unrealized(p)
	}
}

// FailNext 使接下来的 n 次调用返回 ErrNoResponse (模拟桥接器无应答)。
func (s *SimBroker) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// RejectNext 使下一次下单被明确拒绝。
func (s *SimBroker) RejectNext(code int, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = &models.BrokerError{Code: code, Msg: msg}
}

// unrealized 计算一个持仓的浮动盈亏, 必须在持有锁时调用。
func (s *SimBroker) unrealized(p *models.Position) float64 {
	if p.Direction == models.Buy {
		return (s.bid - p.OpenPrice) * p.Volume * s.contractSize
	}
	return (p.OpenPrice - s.ask) * p.Volume * s.contractSize
}

// takeFailure 消耗一次注入的故障, 必须在持有锁时调用。
func (s *SimBroker) takeFailure() error {
	if s.failNext > 0 {
		s.failNext--
		return ErrNoResponse
	}
	if s.rejectNext != nil {
		err := s.rejectNext
		s.rejectNext = nil
		return err
	}
	return nil
}

// PlaceOrder 市价成交: BUY 吃卖价, SELL 吃买价。
func (s *SimBroker) PlaceOrder(req models.OrderRequest) (*models.TradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	price := req.Price
	if price == 0 {
		if req.Direction == models.Buy {
			price = s.ask
		} else {
			price = s.bid
		}
	}

	ticket := s.nextTicket
	s.nextTicket++
	s.positions[ticket] = &models.Position{
		Ticket:    ticket,
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Volume:    req.Volume,
		OpenPrice: price,
		Magic:     req.Magic,
		OpenTime:  s.now,
	}

	return &models.TradeResult{Ticket: ticket, ExecPrice: price, Volume: req.Volume}, nil
}

// ClosePosition 以当前报价平仓并返回已实现盈亏。
func (s *SimBroker) ClosePosition(ticket int64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return 0, err
	}

	p, ok := s.positions[ticket]
	if !ok {
		return 0, &models.BrokerError{Code: 10013, Msg: fmt.Sprintf("position %d not found", ticket)}
	}
	profit := s.unrealized(p)
	s.ClosedProfits[ticket] = profit
	delete(s.positions, ticket)
	return profit, nil
}

// OpenPositions 返回匹配 magic/symbol 的持仓快照。
func (s *SimBroker) OpenPositions(magic int64, symbol string) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return nil, err
	}

	var out []models.Position
	for _, p := range s.positions {
		if p.Magic == magic && p.Symbol == symbol {
			out = append(out, *p)
		}
	}
	return out, nil
}

// CurrentPrice 返回最近一次 SetTick 的报价。
func (s *SimBroker) CurrentPrice(symbol string) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return 0, 0, err
	}
	return s.bid, s.ask, nil
}

// AccountStatus 返回可调节的账户状态。
func (s *SimBroker) AccountStatus() (*models.AccountStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.Account
	return &status, nil
}

// SymbolStatus 返回可调节的品种状态。
func (s *SimBroker) SymbolStatus(symbol string) (*models.SymbolStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.Symbol
	return &status, nil
}
