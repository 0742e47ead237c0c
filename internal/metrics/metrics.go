package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_placed_total",
			Help: "Orders successfully placed, split by kind",
		},
		[]string{"kind"},
	)

	OrdersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_orders_failed_total",
			Help: "Orders abandoned after all retries",
		},
	)

	OrderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_order_retries_total",
			Help: "Order placement retry attempts (immediate and queued)",
		},
	)

	ConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_order_consecutive_failures",
			Help: "Current run of back-to-back permanent order failures",
		},
	)

	CyclesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_cycles_created_total",
			Help: "Cycles created",
		},
	)

	CyclesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_cycles_closed_total",
			Help: "Cycles closed, split by reason",
		},
		[]string{"reason"},
	)

	ActiveCycles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_active_cycles",
			Help: "Currently active cycles",
		},
	)

	AccumulatedLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_accumulated_loss_usd",
			Help: "Total accumulated losses across all cycles",
		},
	)

	DirectionSwitches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_direction_switches_total",
			Help: "Cycle direction reversals",
		},
	)

	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_events_processed_total",
			Help: "Remote control events processed, split by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	SyncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_sync_failures_total",
			Help: "Failed persistence sync attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		OrdersFailed,
		OrderRetries,
		ConsecutiveFailures,
		CyclesCreated,
		CyclesClosed,
		ActiveCycles,
		AccumulatedLoss,
		DirectionSwitches,
		EventsProcessed,
		SyncFailures,
	)
}

// Serve 在给定地址上暴露 /metrics。addr 为空时不启动。
func Serve(addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics服务退出", zap.Error(err))
		}
	}()
	logger.Info("metrics服务已启动", zap.String("addr", addr))
}
