package cycles

import (
	"errors"
	"sync"
	"time"

	"mt5-cycles-bot-go/internal/metrics"
	"mt5-cycles-bot-go/internal/models"
	"mt5-cycles-bot-go/internal/zone"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateCycle 表示容差范围内已存在同方向的活动周期
	ErrDuplicateCycle = errors.New("cycles: duplicate cycle within price epsilon")
	// ErrCreationThrottled 表示距上次建周期不足冷却时间
	ErrCreationThrottled = errors.New("cycles: creation cooldown not elapsed")
	// ErrTooManyCycles 表示活动周期数已达上限
	ErrTooManyCycles = errors.New("cycles: active cycle limit reached")
	// ErrCycleNotFound 表示周期不存在
	ErrCycleNotFound = errors.New("cycles: cycle not found")
)

// Manager 持有机器人全部周期, 用单把互斥锁保护全部状态。
// 策略循环、同步循环和事件处理都通过它访问周期。
type Manager struct {
	mu sync.Mutex

	cfg    *models.Config
	logger *zap.SugaredLogger

	cycles      map[string]*Cycle
	byZone      map[string][]string // 区域键 -> 周期 id 的二级索引
	lastCreated time.Time
	idCounter   uint64
}

// NewManager 创建周期管理器。
func NewManager(cfg *models.Config, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		cycles: make(map[string]*Cycle),
		byZone: make(map[string][]string),
	}
}

// indexZone 把周期挂进区域索引, 必须在持有锁时调用。
func (m *Manager) indexZone(c *Cycle) {
	key := c.ZoneKey()
	for _, id := range m.byZone[key] {
		if id == c.ID {
			return
		}
	}
	m.byZone[key] = append(m.byZone[key], c.ID)
}

// unindexZone 把周期从区域索引摘除, 必须在持有锁时调用。
func (m *Manager) unindexZone(c *Cycle) {
	key := c.ZoneKey()
	ids := m.byZone[key]
	for i, id := range ids {
		if id == c.ID {
			m.byZone[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byZone[key]) == 0 {
		delete(m.byZone, key)
	}
}

// nextID 生成周期 id: 纳秒时间戳混入进程内计数器, base62 编码。
func (m *Manager) nextID() string {
	m.idCounter++
	raw := uint64(time.Now().UnixNano())<<8 | (m.idCounter & 0xff)
	return "cyc_" + string(base62.FormatUint(raw))
}

// CreateCycle 创建一个新的活动周期。依次检查:
// 建周期冷却时间、活动周期上限、容差内的重复周期、区域重叠。
func (m *Manager) CreateCycle(dir models.Direction, entry, zoneBase float64) (*Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cooldown := time.Duration(m.cfg.CycleCooldownSec) * time.Second
	if !m.lastCreated.IsZero() && time.Since(m.lastCreated) < cooldown {
		return nil, ErrCreationThrottled
	}

	activeCount := 0
	var spans []zone.Span
	for _, c := range m.cycles {
		if !c.IsActive {
			continue
		}
		activeCount++
		if c.Direction == dir && zone.WithinEpsilon(c.EntryPrice, entry, m.cfg.DuplicatePriceEpsilon) {
			return nil, ErrDuplicateCycle
		}
		spans = append(spans, zone.SpanFor(c.Symbol, c.Direction, c.Zone.BasePrice(), m.cfg.ZoneThresholdPips, m.cfg.PipValue))
	}

	if m.cfg.MaxActiveCycles > 0 && activeCount >= m.cfg.MaxActiveCycles {
		return nil, ErrTooManyCycles
	}

	candidate := zone.SpanFor(m.cfg.Symbol, dir, zoneBase, m.cfg.ZoneThresholdPips, m.cfg.PipValue)
	if !zone.ValidateActivation(candidate, spans) {
		return nil, ErrDuplicateCycle
	}

	c := NewCycle(m.nextID(), m.cfg, dir, entry, zoneBase)
	m.cycles[c.ID] = c
	m.indexZone(c)
	m.lastCreated = time.Now()

	metrics.CyclesCreated.Inc()
	metrics.ActiveCycles.Set(float64(activeCount + 1))
	m.logger.Infof("创建周期 %s (%s %s @ %.5f, 区域基准 %.5f)", c.ID, c.Symbol, dir, entry, zoneBase)
	return c, nil
}

// Adopt 把一个已有周期纳入管理 (重启恢复或远端 404 重建场景)。
func (m *Manager) Adopt(c *Cycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles[c.ID] = c
	m.indexZone(c)
}

// Get 按 id 查找周期。
func (m *Manager) Get(id string) (*Cycle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cycles[id]
	return c, ok
}

// ByTicket 查找持有指定 ticket 的活动周期。
func (m *Manager) ByTicket(ticket int64) (*Cycle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cycles {
		for _, o := range c.ActiveOrders {
			if o.Ticket == ticket {
				return c, true
			}
		}
	}
	return nil, false
}

// ByZone 返回挂在指定区域键下的所有周期 (含已关闭未清理的)。
// 区域键由 ZoneKeyFor 构造, 索引在创建、收养和清理时同步维护。
func (m *Manager) ByZone(zoneKey string) []*Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Cycle
	for _, id := range m.byZone[zoneKey] {
		if c, ok := m.cycles[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// ByDirection 返回指定方向的所有活动周期。
func (m *Manager) ByDirection(dir models.Direction) []*Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Cycle
	for _, c := range m.cycles {
		if c.IsActive && c.Direction == dir {
			out = append(out, c)
		}
	}
	return out
}

// Active 返回所有活动周期。
func (m *Manager) Active() []*Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Cycle
	for _, c := range m.cycles {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out
}

// All 返回所有周期, 含已关闭但尚未清理的。
func (m *Manager) All() []*Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Cycle, 0, len(m.cycles))
	for _, c := range m.cycles {
		out = append(out, c)
	}
	return out
}

// Dirty 返回所有待同步的周期。
func (m *Manager) Dirty() []*Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Cycle
	for _, c := range m.cycles {
		if c.Dirty() {
			out = append(out, c)
		}
	}
	return out
}

// Remove 按 id 移除周期。幂等: 不存在时静默返回。
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cycles[id]; ok {
		m.unindexZone(c)
	}
	delete(m.cycles, id)
}

// CleanupClosed 移除所有已关闭且已同步的周期, 返回被移除的周期。
// 脏的已关闭周期保留, 等同步循环写完再清。
// 调用方要把移除周期的已实现亏损折进亏损账本底账, 否则重算会丢账。
func (m *Manager) CleanupClosed() []*Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []*Cycle
	for id, c := range m.cycles {
		if c.IsClosed && !c.Dirty() {
			m.unindexZone(c)
			delete(m.cycles, id)
			removed = append(removed, c)
		}
	}
	return removed
}

// ActiveCount 返回活动周期数量。
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.cycles {
		if c.IsActive {
			n++
		}
	}
	return n
}

// WithLock 在管理器锁内执行 fn。策略循环用它保证
// 对单个周期的一轮评估是原子的。
func (m *Manager) WithLock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}
