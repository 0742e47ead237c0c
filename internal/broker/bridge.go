package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mt5-cycles-bot-go/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// BridgeBroker 实现了 Broker 接口, 通过 WebSocket 与运行在 MT5 终端里的
// 桥接器 (EA) 通信。协议是简单的请求/应答 JSON 帧, 一次只有一个在途请求。
type BridgeBroker struct {
	url         string
	callTimeout time.Duration
	logger      *zap.Logger

	// 桥接器是单线程的, 主循环和后台重试协程的所有调用
	// 都必须经过这把锁串行化。
	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

type bridgeRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type bridgeResponse struct {
	ID     int64               `json:"id"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  *models.BrokerError `json:"error,omitempty"`
}

// NewBridgeBroker 创建一个新的桥接客户端。连接是惰性建立的,
// 第一次调用时才会真正拨号。
func NewBridgeBroker(url string, callTimeout time.Duration, logger *zap.Logger) *BridgeBroker {
	return &BridgeBroker{
		url:         url,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// ensureConnected 在持有锁的情况下建立连接
func (b *BridgeBroker) ensureConnected() error {
	if b.conn != nil {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
	if err != nil {
		return fmt.Errorf("连接MT5桥接器失败: %w", err)
	}
	b.conn = conn
	b.logger.Info("已连接到MT5桥接器", zap.String("url", b.url))
	return nil
}

// dropConn 在持有锁的情况下关闭并丢弃当前连接
func (b *BridgeBroker) dropConn() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// call 发送一个请求帧并等待匹配的应答。超时映射为 ErrNoResponse,
// 桥接器返回的 error 字段映射为 *models.BrokerError。
func (b *BridgeBroker) call(method string, params interface{}, out interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureConnected(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoResponse, err)
	}

	b.nextID++
	req := bridgeRequest{ID: b.nextID, Method: method, Params: params}

	deadline := time.Now().Add(b.callTimeout)
	b.conn.SetWriteDeadline(deadline)
	if err := b.conn.WriteJSON(req); err != nil {
		b.logger.Warn("写桥接请求失败, 丢弃连接", zap.String("method", method), zap.Error(err))
		b.dropConn()
		return fmt.Errorf("%w: %v", ErrNoResponse, err)
	}

	b.conn.SetReadDeadline(deadline)
	for {
		var resp bridgeResponse
		if err := b.conn.ReadJSON(&resp); err != nil {
			// 任何读取失败 (包括超时) 都视为无应答, 连接可能已损坏
			b.dropConn()
			return fmt.Errorf("%w: %v", ErrNoResponse, err)
		}
		if resp.ID != req.ID {
			// 上一次超时调用的迟到应答, 跳过
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("解析桥接应答失败: %w", err)
			}
		}
		return nil
	}
}

// --- Broker 接口实现 ---

// PlaceOrder 下单。
func (b *BridgeBroker) PlaceOrder(req models.OrderRequest) (*models.TradeResult, error) {
	var result models.TradeResult
	if err := b.call("trade.open", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ClosePosition 关闭指定 ticket 的持仓, 返回平仓的实现盈亏。
func (b *BridgeBroker) ClosePosition(ticket int64) (float64, error) {
	params := map[string]int64{"ticket": ticket}
	var result struct {
		Profit float64 `json:"profit"`
	}
	if err := b.call("trade.close", params, &result); err != nil {
		return 0, err
	}
	return result.Profit, nil
}

// OpenPositions 按 magic number 和品种查询当前持仓。
func (b *BridgeBroker) OpenPositions(magic int64, symbol string) ([]models.Position, error) {
	params := map[string]interface{}{"magic": magic, "symbol": symbol}
	var positions []models.Position
	if err := b.call("positions.list", params, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// CurrentPrice 获取当前买卖报价。
func (b *BridgeBroker) CurrentPrice(symbol string) (float64, float64, error) {
	params := map[string]string{"symbol": symbol}
	var tick models.Tick
	if err := b.call("quotes.tick", params, &tick); err != nil {
		return 0, 0, err
	}
	return tick.Bid, tick.Ask, nil
}

// AccountStatus 获取账户连接与保证金状态。
func (b *BridgeBroker) AccountStatus() (*models.AccountStatus, error) {
	var status models.AccountStatus
	if err := b.call("account.status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SymbolStatus 获取品种的交易规则与状态。
func (b *BridgeBroker) SymbolStatus(symbol string) (*models.SymbolStatus, error) {
	params := map[string]string{"symbol": symbol}
	var status models.SymbolStatus
	if err := b.call("symbol.status", params, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Close 关闭底层连接。
func (b *BridgeBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropConn()
}
