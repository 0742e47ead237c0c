package reporter

import (
	"strconv"
	"time"

	"mt5-cycles-bot-go/internal/cycles"
	"mt5-cycles-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
)

// Reporter 定期把周期状态渲染成表格写进日志, 方便值守时肉眼巡检。
type Reporter struct {
	cfg      *models.Config
	logger   *zap.SugaredLogger
	cycleMgr *cycles.Manager
	tracker  *cycles.LossTracker

	stopChan chan struct{}
}

// New 创建状态报告器。
func New(cfg *models.Config, logger *zap.SugaredLogger, cycleMgr *cycles.Manager, tracker *cycles.LossTracker) *Reporter {
	return &Reporter{
		cfg:      cfg,
		logger:   logger,
		cycleMgr: cycleMgr,
		tracker:  tracker,
		stopChan: make(chan struct{}),
	}
}

// Start 启动周期性报告循环。
func (r *Reporter) Start() {
	go func() {
		interval := time.Duration(r.cfg.ReportIntervalSec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.Report()
			}
		}
	}()
}

// Stop 停止报告循环。
func (r *Reporter) Stop() {
	close(r.stopChan)
}

// Report 输出一次完整的状态报告。
func (r *Reporter) Report() {
	all := r.cycleMgr.All()
	snap := r.tracker.Snapshot()

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"周期", "方向", "入场价", "活动单", "完成单", "切换", "累计亏损", "状态"})

	for _, c := range all {
		status := "active"
		if c.IsClosed {
			status = "closed:" + c.CloseReason
		} else if c.InRecovery {
			status = "recovery"
		}
		t.AppendRow(table.Row{
			c.ID,
			c.Direction,
			formatPrice(c.EntryPrice),
			len(c.ActiveOrders),
			len(c.CompletedOrders),
			c.DirectionSwitches,
			formatMoney(c.AccumulatedLoss),
			status,
		})
	}
	t.AppendFooter(table.Row{
		"合计", "", "",
		snap.ActiveCyclesCount, snap.ClosedCyclesCount,
		snap.DirectionSwitchCount,
		formatMoney(snap.TotalAccumulatedLosses), "",
	})

	r.logger.Infof("状态报告 (%s):\n%s", r.cfg.Symbol, t.Render())
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 5, 64)
}

func formatMoney(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
