package broker

import (
	"errors"

	"mt5-cycles-bot-go/internal/models"
)

// ErrNoResponse 表示一次瞬时通信失败: 桥接器在超时前没有应答。
// 它与明确拒绝 (*models.BrokerError) 是两类不同的失败。
var ErrNoResponse = errors.New("broker: no response from bridge")

// Broker 定义了引擎对经纪商网关的全部依赖。
// MT5 终端一次只能处理一个请求, 所有实现都必须在内部串行化调用。
type Broker interface {
	PlaceOrder(req models.OrderRequest) (*models.TradeResult, error)
	ClosePosition(ticket int64) (profit float64, err error)
	OpenPositions(magic int64, symbol string) ([]models.Position, error)
	CurrentPrice(symbol string) (bid, ask float64, err error)
	AccountStatus() (*models.AccountStatus, error)
	SymbolStatus(symbol string) (*models.SymbolStatus, error)
}

// IsTransient 判断错误是否为可重试的瞬时失败
func IsTransient(err error) bool {
	return errors.Is(err, ErrNoResponse)
}

// IsRejection 判断错误是否为经纪商的明确拒绝
func IsRejection(err error) bool {
	var be *models.BrokerError
	return errors.As(err, &be)
}
