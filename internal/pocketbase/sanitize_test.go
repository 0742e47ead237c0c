package pocketbase

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_NonFiniteFloats(t *testing.T) {
	data := map[string]interface{}{
		"nan":     math.NaN(),
		"pos_inf": math.Inf(1),
		"neg_inf": math.Inf(-1),
		"normal":  2400.5,
		"f32":     float32(1.5),
	}

	out := Sanitize(data)
	assert.Nil(t, out["nan"])
	assert.Equal(t, MaxFiniteSentinel, out["pos_inf"])
	assert.Equal(t, -MaxFiniteSentinel, out["neg_inf"])
	assert.Equal(t, 2400.5, out["normal"])
	assert.Equal(t, 1.5, out["f32"])
}

func TestSanitize_NestedAndTimes(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	var nilTime *time.Time

	data := map[string]interface{}{
		"when":     now,
		"when_ptr": &now,
		"when_nil": nilTime,
		"nested": map[string]interface{}{
			"inf": math.Inf(1),
		},
		"list": []interface{}{math.NaN(), 1.0},
	}

	out := Sanitize(data)
	assert.Equal(t, "2026-08-31T12:00:00Z", out["when"])
	assert.Equal(t, "2026-08-31T12:00:00Z", out["when_ptr"])
	assert.Nil(t, out["when_nil"])

	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, MaxFiniteSentinel, nested["inf"])

	list := out["list"].([]interface{})
	assert.Nil(t, list[0])
	assert.Equal(t, 1.0, list[1])
}

func TestToMap_RoundTripsStruct(t *testing.T) {
	type sample struct {
		Name  string  `json:"name"`
		Price float64 `json:"price"`
	}
	out, err := ToMap(sample{Name: "xau", Price: 2400.0})
	require.NoError(t, err)
	assert.Equal(t, "xau", out["name"])
	assert.Equal(t, 2400.0, out["price"])
}

func TestMemoryGateway_CRUD(t *testing.T) {
	gw := NewMemoryGateway()

	id, err := gw.CreateRecord("cycles", map[string]interface{}{"cycle_id": "c1", "loss": math.Inf(1)})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, ok := gw.Get("cycles", id)
	require.True(t, ok)
	assert.Equal(t, "c1", rec["cycle_id"])
	assert.Equal(t, MaxFiniteSentinel, rec["loss"]) // 创建时也过消毒

	require.NoError(t, gw.UpdateRecord("cycles", id, map[string]interface{}{"loss": 5.0}))
	rec, _ = gw.Get("cycles", id)
	assert.Equal(t, 5.0, rec["loss"])

	// 更新不存在的记录: 404
	assert.ErrorIs(t, gw.UpdateRecord("cycles", "missing", nil), ErrRecordNotFound)

	recs, err := gw.QueryRecords("cycles", "", "")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID())

	// 删除幂等
	require.NoError(t, gw.DeleteRecord("cycles", id))
	require.NoError(t, gw.DeleteRecord("cycles", id))
	assert.Zero(t, gw.Count("cycles"))
}
