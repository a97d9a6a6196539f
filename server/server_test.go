package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/idbuilder/metrics"
	"github.com/ceyewan/idbuilder/sequence"
	"github.com/ceyewan/idbuilder/server"
	"github.com/ceyewan/idbuilder/service"
	"github.com/ceyewan/idbuilder/storage"
	"github.com/ceyewan/idbuilder/testkit"
)

const adminToken = "test-admin-token"

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*server.Server, storage.Store) {
	t.Helper()
	st := testkit.NewFileStore(t)
	logger := testkit.NewLogger()
	seq := sequence.NewManager(st, sequence.WithLogger(logger))

	srv := server.New(
		st,
		service.NewIncrement(st, seq, logger),
		service.NewFormatted(st, seq, logger),
		service.NewSnowflake(st, time.Minute, logger),
		service.NewToken(st, logger),
		server.Options{
			Addr:        ":0",
			AdminToken:  adminToken,
			TokenExpiry: time.Hour,
			Metrics:     metrics.New(),
			Logger:      logger,
		},
	)
	return srv, st
}

func do(t *testing.T, srv *server.Server, method, target, token, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

// issueKeyToken 管理面为 key 签发令牌
func issueKeyToken(t *testing.T, srv *server.Server, key string) string {
	t.Helper()
	rec, env := do(t, srv, "GET", "/v1/auth/token?key="+key, adminToken, "")
	require.Equal(t, 200, rec.Code)
	var data struct {
		Key   string `json:"key"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.Token)
	return data.Token
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, env := do(t, srv, "GET", "/health", "", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 0, env.Code)

	rec, _ = do(t, srv, "GET", "/ready", "", "")
	assert.Equal(t, 200, rec.Code)
}

func TestMetricsExposition(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, _ := do(t, srv, "GET", "/metrics", "", "")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAdminAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, env := do(t, srv, "GET", "/v1/auth/verify", adminToken, "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 0, env.Code)

	rec, env = do(t, srv, "GET", "/v1/auth/verify", "", "")
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, 2001, env.Code)

	rec, env = do(t, srv, "GET", "/v1/auth/verify", "wrong-token", "")
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, 2001, env.Code)
}

func TestIncrementEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"key":"orders","base":1000,"delta":1,"max_request_delta":100}`
	rec, env := do(t, srv, "POST", "/v1/config/increment", adminToken, body)
	require.Equal(t, 200, rec.Code)
	require.Equal(t, 0, env.Code)

	token := issueKeyToken(t, srv, "orders")

	rec, env = do(t, srv, "GET", "/v1/id/increment?key=orders&size=5", token, "")
	require.Equal(t, 200, rec.Code)
	var data struct {
		ID []int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, []int64{1000, 1001, 1002, 1003, 1004}, data.ID)

	rec, env = do(t, srv, "GET", "/v1/id/increment?key=orders&size=3", token, "")
	require.Equal(t, 200, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, []int64{1005, 1006, 1007}, data.ID)
}

func TestIncrementSizeTooLarge(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"key":"orders","base":1,"delta":1,"max_request_delta":10}`
	rec, _ := do(t, srv, "POST", "/v1/config/increment", adminToken, body)
	require.Equal(t, 200, rec.Code)

	token := issueKeyToken(t, srv, "orders")

	rec, env := do(t, srv, "GET", "/v1/id/increment?key=orders&size=1001", token, "")
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, 1003, env.Code)

	rec, env = do(t, srv, "GET", "/v1/id/increment?key=orders&size=1&delta=11", token, "")
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, 1004, env.Code)
}

func TestFormattedEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"key":"invoice","parts":[
		{"type":"fixed_chars","value":"INV"},
		{"type":"date_format","pattern":"yyyyMMdd"},
		{"type":"fixed_chars","value":"-"},
		{"type":"auto_increment","length":4,"length_fixed":true,"padding_char":"0","padding_mode":"prefix","reset_scope":"date"}
	]}`
	rec, _ := do(t, srv, "POST", "/v1/config/formatted", adminToken, body)
	require.Equal(t, 200, rec.Code)

	token := issueKeyToken(t, srv, "invoice")

	rec, env := do(t, srv, "GET", "/v1/id/formatted?key=invoice&size=2", token, "")
	require.Equal(t, 200, rec.Code)
	var data struct {
		ID []string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.Len(t, data.ID, 2)

	today := time.Now().UTC().Format("20060102")
	assert.Equal(t, fmt.Sprintf("INV%s-0001", today), data.ID[0])
	assert.Equal(t, fmt.Sprintf("INV%s-0002", today), data.ID[1])
}

func TestSnowflakeEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"key":"events","skip_size":1,"base_ts":1704067200000,"ts_size":41,"worker_id_size":2,"seq_size":12}`
	rec, _ := do(t, srv, "POST", "/v1/config/snowflake", adminToken, body)
	require.Equal(t, 200, rec.Code)

	token := issueKeyToken(t, srv, "events")

	// 四个指纹占满 2 位的池，第五个 4002
	for i := 0; i < 4; i++ {
		rec, env := do(t, srv, "GET",
			fmt.Sprintf("/v1/id/snowflake?key=events&fingerprint=client-%d", i), token, "")
		require.Equal(t, 200, rec.Code)
		var desc struct {
			WorkerID     int64 `json:"worker_id"`
			WorkerIDSize uint8 `json:"worker_id_size"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &desc))
		assert.Equal(t, int64(i), desc.WorkerID)
	}

	rec, env := do(t, srv, "GET", "/v1/id/snowflake?key=events&fingerprint=client-extra", token, "")
	assert.Equal(t, 503, rec.Code)
	assert.Equal(t, 4002, env.Code)
}

func TestConfigRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	post := `{"key":"events","skip_size":1,"base_ts":1704067200000,"ts_size":41,"worker_id_size":10,"seq_size":12}`
	rec, postEnv := do(t, srv, "POST", "/v1/config/snowflake", adminToken, post)
	require.Equal(t, 200, rec.Code)

	rec, getEnv := do(t, srv, "GET", "/v1/config/snowflake?key=events", adminToken, "")
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, string(postEnv.Data), string(getEnv.Data))
}

func TestConfigList(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, key := range []string{"alpha", "beta", "gamma"} {
		body := fmt.Sprintf(`{"key":%q,"base":1,"delta":1,"max_request_delta":10}`, key)
		rec, _ := do(t, srv, "POST", "/v1/config/increment", adminToken, body)
		require.Equal(t, 200, rec.Code)
	}

	rec, env := do(t, srv, "GET", "/v1/config/list?size=2", adminToken, "")
	require.Equal(t, 200, rec.Code)
	var page struct {
		Items []struct {
			Key    string `json:"key"`
			IDType string `json:"id_type"`
		} `json:"items"`
		NextCursor string `json:"next_cursor"`
		HasMore    bool   `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "alpha", page.Items[0].Key)
	assert.True(t, page.HasMore)

	rec, env = do(t, srv, "GET", "/v1/config/list?from="+page.NextCursor, adminToken, "")
	require.Equal(t, 200, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "gamma", page.Items[0].Key)
	assert.False(t, page.HasMore)
}

func TestKeyTokenAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"key":"orders","base":1,"delta":1,"max_request_delta":10}`
	rec, _ := do(t, srv, "POST", "/v1/config/increment", adminToken, body)
	require.Equal(t, 200, rec.Code)

	token := issueKeyToken(t, srv, "orders")

	// 正常访问
	rec, _ = do(t, srv, "GET", "/v1/id/increment?key=orders", token, "")
	assert.Equal(t, 200, rec.Code)

	// 缺令牌
	rec, env := do(t, srv, "GET", "/v1/id/increment?key=orders", "", "")
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, 2001, env.Code)

	// admin 令牌走数据面属于越权
	rec, env = do(t, srv, "GET", "/v1/id/increment?key=orders", adminToken, "")
	assert.Equal(t, 403, rec.Code)
	assert.Equal(t, 2002, env.Code)

	// key 令牌走管理面同样越权
	rec, env = do(t, srv, "GET", "/v1/auth/token?key=orders", token, "")
	assert.Equal(t, 403, rec.Code)
	assert.Equal(t, 2002, env.Code)

	// 令牌重置后旧令牌失效
	rec, _ = do(t, srv, "GET", "/v1/auth/tokenreset?key=orders", adminToken, "")
	require.Equal(t, 200, rec.Code)

	rec, env = do(t, srv, "GET", "/v1/id/increment?key=orders", token, "")
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, 2001, env.Code)
}

func TestIDNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	token := issueKeyToken(t, srv, "ghost")
	rec, env := do(t, srv, "GET", "/v1/id/increment?key=ghost", token, "")
	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, 3001, env.Code)
}

func TestExhaustedSurfaces4003(t *testing.T) {
	srv, st := newTestServer(t)

	body := `{"key":"tiny","base":1,"delta":1,"max_request_delta":10}`
	rec, _ := do(t, srv, "POST", "/v1/config/increment", adminToken, body)
	require.Equal(t, 200, rec.Code)

	// 把计数器推到 int64 边缘，下一次预留必然溢出
	_, err := st.ReserveRange(context.Background(), storage.ReserveRequest{
		Key: "tiny", Count: 1, Delta: 1, Init: 1<<63 - 10,
	})
	require.NoError(t, err)

	token := issueKeyToken(t, srv, "tiny")
	rec, env := do(t, srv, "GET", "/v1/id/increment?key=tiny&size=100", token, "")
	assert.Equal(t, 503, rec.Code)
	assert.Equal(t, 4003, env.Code)
}
