package pocketbase

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClient_CreateSanitizesPayload(t *testing.T) {
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(map[string]string{"id": "rec1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	id, err := c.CreateRecord("cycles", map[string]interface{}{
		"loss": math.Inf(1),
		"nan":  math.NaN(),
	})
	require.NoError(t, err)
	assert.Equal(t, "rec1", id)
	// 线上的 JSON 不允许 Inf/NaN, 必须在客户端内完成替换
	assert.Equal(t, MaxFiniteSentinel, received["loss"])
	assert.Nil(t, received["nan"])
}

func TestClient_Update404MapsToNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 404, "message": "not found"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	err := c.UpdateRecord("cycles", "gone", map[string]interface{}{"x": 1})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestClient_Delete404IsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	assert.NoError(t, c.DeleteRecord("cycles", "gone"))
}

func TestClient_QueryRecordsPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		assert.Equal(t, "status='pending'", r.URL.Query().Get("filter"))

		items := []map[string]string{{"id": fmt.Sprintf("p%d", page)}}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"page":       page,
			"totalPages": 3,
			"items":      items,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	recs, err := c.QueryRecords("events", "status='pending'", "+created")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "p1", recs[0].ID())
	assert.Equal(t, "p3", recs[2].ID())
}

func TestClient_AuthTokenAttached(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/collections/users/auth-with-password" {
			json.NewEncoder(w).Encode(map[string]string{"token": "tok123"})
			return
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"id": "rec1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	require.NoError(t, c.AuthWithPassword("users", "bot@example.com", "secret"))
	_, err := c.CreateRecord("cycles", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "tok123", gotAuth)
}

func TestClient_APIErrorMessageSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 400, "message": "validation failed"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	_, err := c.CreateRecord("cycles", map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
	assert.Contains(t, err.Error(), fmt.Sprint(http.StatusBadRequest))
}
