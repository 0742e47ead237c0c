package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Symbol      string  `json:"symbol"`       // 交易品种, 如 "XAUUSD"
	PipValue    float64 `json:"pip_value"`    // 一个点(pip)对应的价格单位, 如 0.1
	MagicNumber int64   `json:"magic_number"` // 订单标识, 用于区分本机器人下的单
	LotSize     float64 `json:"lot_size"`     // 单笔订单手数
	BotID       string  `json:"bot_id"`
	AccountID   string  `json:"account_id"`

	// 区域与反转参数 (全部以 pip 为单位)
	ZoneThresholdPips    float64 `json:"zone_threshold_pips"`    // 初始突破阈值
	OrderIntervalPips    float64 `json:"order_interval_pips"`    // 加单间隔
	ReversalDistancePips float64 `json:"reversal_distance_pips"` // 反转距离
	BatchStopLossPips    float64 `json:"batch_stop_loss_pips"`   // 批量止损距离
	RecoveryTriggerPips  float64 `json:"recovery_trigger_pips"`  // 恢复模式重入触发距离
	TakeProfitUSD        float64 `json:"take_profit_usd"`        // 周期级止盈金额

	// 周期管理
	DuplicatePriceEpsilon float64 `json:"duplicate_price_epsilon"` // 重复周期判定的价格容差
	CycleCooldownSec      int     `json:"cycle_cooldown_sec"`      // 同一品种两次建周期的最小间隔
	MaxActiveCycles       int     `json:"max_active_cycles"`       // 活动周期数量上限, 0 表示不限制

	// 下单重试
	RetryAttempts           int     `json:"retry_attempts"`             // 同步立即重试次数
	RetryDelayMs            int     `json:"retry_delay_ms"`             // 立即重试的固定延迟
	QueueMaxAttempts        int     `json:"queue_max_attempts"`         // 后台队列的最大尝试次数
	QueueBackoffCapMs       int     `json:"queue_backoff_cap_ms"`       // 后台退避延迟上限
	StalePriceTolerancePips float64 `json:"stale_price_tolerance_pips"` // 价格偏离多少 pip 视为过期请求

	// 调度周期 (秒)
	TickIntervalSec      int `json:"tick_interval_sec"`
	SyncIntervalSec      int `json:"sync_interval_sec"`
	EventPollIntervalSec int `json:"event_poll_interval_sec"`
	ReportIntervalSec    int `json:"report_interval_sec"`
	ReconcileIntervalSec int `json:"reconcile_interval_sec"`

	// 外部服务
	BridgeURL           string `json:"bridge_url"`             // MT5 桥接器的 WebSocket 地址
	BridgeCallTimeoutMs int    `json:"bridge_call_timeout_ms"` // 单次桥接调用的超时
	PocketBaseURL       string `json:"pocketbase_url"`
	CyclesCollection    string `json:"cycles_collection"`
	EventsCollection    string `json:"events_collection"`
	LossesCollection    string `json:"losses_collection"`
	MetricsAddr         string `json:"metrics_addr"` // Prometheus /metrics 监听地址, 空则不启动
	DBPath              string `json:"db_path"`      // 本地 Badger 数据库路径

	LogConfig LogConfig `json:"log"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Direction 定义了交易方向的类型
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the other trade direction.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Tick 是某一时刻的买卖报价
type Tick struct {
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Time time.Time `json:"time"`
}

// OrderRequest 是发往经纪商的下单请求
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"` // 0 表示市价
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Comment    string    `json:"comment"`
	Magic      int64     `json:"magic"`
}

// TradeResult 是经纪商对成功下单的应答
type TradeResult struct {
	Ticket    int64   `json:"ticket"`
	ExecPrice float64 `json:"exec_price"`
	Volume    float64 `json:"volume"`
}

// Position 是经纪商侧的一个持仓记录
type Position struct {
	Ticket    int64     `json:"ticket"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Volume    float64   `json:"volume"`
	OpenPrice float64   `json:"open_price"`
	Profit    float64   `json:"profit"`
	Magic     int64     `json:"magic"`
	OpenTime  time.Time `json:"open_time"`
}

// AccountStatus 汇总了诊断下单失败时需要的账户信息
type AccountStatus struct {
	Connected    bool    `json:"connected"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	MarginLevel  float64 `json:"margin_level"` // 百分比, 低于 100 视为保证金不足
	TradeAllowed bool    `json:"trade_allowed"`
}

// SymbolStatus 是交易品种的交易规则与状态
type SymbolStatus struct {
	Symbol       string  `json:"symbol"`
	TradeAllowed bool    `json:"trade_allowed"`
	Point        float64 `json:"point"`
	MinLot       float64 `json:"min_lot"`
	MaxLot       float64 `json:"max_lot"`
}

// BrokerError 定义了经纪商返回的明确拒绝
type BrokerError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 BrokerError 实现了 error 接口
func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error: code=%d, msg=%s", e.Code, e.Msg)
}
