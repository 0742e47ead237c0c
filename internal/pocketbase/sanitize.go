package pocketbase

import (
	"encoding/json"
	"math"
	"time"
)

// MaxFiniteSentinel 是替换 ±Inf 的有限哨兵值。
// 远端不接受 IEEE 无穷, "尚无卖出价" 这类哨兵必须以有限值落库。
const MaxFiniteSentinel = 1e308

// Sanitize 对出站数据做消毒: ±Inf 替换为有限哨兵, NaN 替换为 null,
// 时间序列化为 RFC3339。网关本身不做任何消毒, 这里是唯一的关口。
func Sanitize(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case float64:
		return sanitizeFloat(val)
	case float32:
		return sanitizeFloat(float64(val))
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339)
	case map[string]interface{}:
		return Sanitize(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func sanitizeFloat(f float64) interface{} {
	switch {
	case math.IsNaN(f):
		return nil
	case math.IsInf(f, 1):
		return MaxFiniteSentinel
	case math.IsInf(f, -1):
		return -MaxFiniteSentinel
	default:
		return f
	}
}

// ToMap 把任意可序列化的结构体转换成记录数据。
// 转换经过一次 JSON 往返, 所以嵌套结构也会被规范成 map/slice 形态。
func ToMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
