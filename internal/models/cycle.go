package models

import "time"

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderActive OrderStatus = "ACTIVE"
	OrderClosed OrderStatus = "CLOSED"
)

// OrderKind 区分订单在周期中的角色
type OrderKind string

const (
	KindInitial  OrderKind = "initial"
	KindInterval OrderKind = "interval"
	KindRecovery OrderKind = "recovery"
	KindReversal OrderKind = "reversal"
)

// Order 是一笔已提交给经纪商的订单
type Order struct {
	Ticket     int64       `json:"ticket"` // 经纪商分配, 确认前为 0
	Direction  Direction   `json:"direction"`
	OpenPrice  float64     `json:"open_price"`
	Volume     float64     `json:"volume"`
	StopLoss   float64     `json:"stop_loss"`
	TakeProfit float64     `json:"take_profit"`
	Status     OrderStatus `json:"status"`
	Kind       OrderKind   `json:"kind"`
	OpenTime   time.Time   `json:"open_time"`
	Profit     float64     `json:"profit"`
}

// OrderRef 是 API 边界上的订单引用: 要么只有 ticket 号,
// 要么携带完整的订单记录。入口处统一解析成 Order, 下游不再分支。
type OrderRef struct {
	ticket int64
	record *Order
}

// TicketRef 以裸 ticket 号构造引用
func TicketRef(ticket int64) OrderRef {
	return OrderRef{ticket: ticket}
}

// RecordRef 以完整订单记录构造引用
func RecordRef(order Order) OrderRef {
	return OrderRef{ticket: order.Ticket, record: &order}
}

// Ticket 返回引用中的 ticket 号
func (r OrderRef) Ticket() int64 { return r.ticket }

// Resolve 把引用解析为规范的 Order。缺失的字段用 fill 补全。
func (r OrderRef) Resolve(fill Order) Order {
	if r.record != nil {
		o := *r.record
		if o.Status == "" {
			o.Status = OrderActive
		}
		if o.OpenTime.IsZero() {
			o.OpenTime = time.Now()
		}
		return o
	}
	o := fill
	o.Ticket = r.ticket
	if o.Status == "" {
		o.Status = OrderActive
	}
	if o.OpenTime.IsZero() {
		o.OpenTime = time.Now()
	}
	return o
}

// ZonePhase 是区域探测状态机的状态
type ZonePhase string

const (
	ZoneInactive   ZonePhase = "INACTIVE"
	ZoneMonitoring ZonePhase = "MONITORING"
	ZoneBreached   ZonePhase = "BREACHED"
	ZoneReversal   ZonePhase = "REVERSAL"
)

// CycleRecord 是周期写入 PocketBase 时的记录形态
type CycleRecord struct {
	CycleID           string     `json:"cycle_id"`
	RemoteID          string     `json:"remote_id,omitempty"`
	Symbol            string     `json:"symbol"`
	Direction         Direction  `json:"direction"`
	EntryPrice        float64    `json:"entry_price"`
	ZoneBasePrice     float64    `json:"zone_base_price"`
	ZoneThresholdPips float64    `json:"zone_threshold_pips"`
	OrderIntervalPips float64    `json:"order_interval_pips"`
	BatchStopLossPips float64    `json:"batch_stop_loss_pips"`
	LotSize           float64    `json:"lot_size"`
	ActiveOrders      []Order    `json:"active_orders"`
	CompletedOrders   []Order    `json:"completed_orders"`
	DoneLevels        []float64  `json:"done_price_levels"`
	AccumulatedLoss   float64    `json:"accumulated_loss"`
	HighestPrice      float64    `json:"highest_price_seen"`
	LowestPrice       float64    `json:"lowest_price_seen"`
	DirectionSwitches int        `json:"direction_switches"`
	InRecovery        bool       `json:"in_recovery"`
	IsActive          bool       `json:"is_active"`
	IsClosed          bool       `json:"is_closed"`
	CloseReason       string     `json:"close_reason,omitempty"`
	CloseTime         *time.Time `json:"close_time,omitempty"`
}

// LossSnapshot 是全局亏损追踪器的持久化快照
type LossSnapshot struct {
	BotID                  string    `json:"bot_id"`
	AccountID              string    `json:"account_id"`
	Symbol                 string    `json:"symbol"`
	TotalAccumulatedLosses float64   `json:"total_accumulated_losses"`
	InitialOrderLosses     float64   `json:"initial_order_losses"`
	IntervalOrderLosses    float64   `json:"interval_order_losses"`
	RecoveryOrderLosses    float64   `json:"recovery_order_losses"`
	ReversalOrderLosses    float64   `json:"reversal_order_losses"`
	ActiveCyclesCount      int       `json:"active_cycles_count"`
	ClosedCyclesCount      int       `json:"closed_cycles_count"`
	DirectionSwitchCount   int       `json:"direction_switch_count"`
	BatchStopLossTriggers  int       `json:"batch_stop_loss_triggers"`
	LastUpdated            time.Time `json:"last_updated"`
}

// EventType 是来自远端 (UI/移动端) 的控制事件类型
type EventType string

const (
	EventCloseCycle     EventType = "close_cycle"
	EventCloseAllCycles EventType = "close_all_cycles"
	EventOpenOrder      EventType = "open_order"
	EventCloseOrder     EventType = "close_order"
)

// Event 是从事件集合拉取到的一条待处理记录
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Ticket    int64     `json:"ticket,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created"`
}

// EventResult 是写回事件集合的处理回执
type EventResult struct {
	EventID     string    `json:"event_id"`
	Type        EventType `json:"type"`
	Success     bool      `json:"success"`
	Message     string    `json:"message"`
	Affected    int       `json:"affected"`
	ProcessedAt time.Time `json:"processed_at"`
}
