package pocketbase

import (
	"fmt"
	"sync"
)

// MemoryGateway 是 Gateway 的内存实现, 供回放模式和测试使用。
// 不解析过滤表达式, QueryRecords 返回集合内全部记录。
type MemoryGateway struct {
	mu      sync.Mutex
	nextID  int
	records map[string]map[string]Record // collection -> id -> record
}

// NewMemoryGateway 创建一个空的内存网关。
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{records: make(map[string]map[string]Record)}
}

// CreateRecord 保存记录并返回生成的 id。
func (m *MemoryGateway) CreateRecord(collection string, data map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("mem%06d", m.nextID)

	rec := Record{}
	for k, v := range Sanitize(data) {
		rec[k] = v
	}
	rec["id"] = id

	if m.records[collection] == nil {
		m.records[collection] = make(map[string]Record)
	}
	m.records[collection][id] = rec
	return id, nil
}

// UpdateRecord 更新已有记录, 不存在时返回 ErrRecordNotFound。
func (m *MemoryGateway) UpdateRecord(collection, id string, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[collection][id]
	if !ok {
		return ErrRecordNotFound
	}
	for k, v := range Sanitize(data) {
		rec[k] = v
	}
	return nil
}

// QueryRecords 返回集合内全部记录, 忽略过滤与排序。
func (m *MemoryGateway) QueryRecords(collection, filter, sort string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records[collection] {
		out = append(out, rec)
	}
	return out, nil
}

// DeleteRecord 删除记录, 不存在时静默成功。
func (m *MemoryGateway) DeleteRecord(collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if coll, ok := m.records[collection]; ok {
		delete(coll, id)
	}
	return nil
}

// Count 返回集合内的记录数, 测试断言用。
func (m *MemoryGateway) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[collection])
}

// Get 按 id 取一条记录, 测试断言用。
func (m *MemoryGateway) Get(collection, id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[collection][id]
	return rec, ok
}
