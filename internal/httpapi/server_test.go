package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/kisgateway/internal/app"
	"github.com/sawpanic/kisgateway/internal/config"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	env := &config.Env{AppKey: "k", AppSecret: "s", AccountNo: "1", Env: "mock"}
	opCfg := config.DefaultOperationalConfig()
	opCfg.Risk.LiveEnabled = true
	opCfg.Risk.TradingWindowOpen = "00:00"
	opCfg.Risk.TradingWindowClose = "23:59"
	a := app.New(env, opCfg)
	return NewServer(a, Config{})
}

func doRequest(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleSessionStatus_ReportsBootstrapOwner(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodGet, "/v1/session/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "ACTIVE", snap["state"])
}

func TestHandleSessionReconnect_RequiresOperatorToken(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodPost, "/v1/session/reconnect", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateOrder_AcceptsValidMarketBuy(t *testing.T) {
	s := testServer(t)
	body := map[string]any{
		"account_id": "acct-1",
		"symbol":     "005930",
		"side":       "buy",
		"qty":        1,
		"order_type": "market",
	}
	rec := doRequest(s, http.MethodPost, "/v1/orders", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	var job map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "QUEUED", job["status"])
}

func TestHandleCreateOrder_RejectsLimitWithoutPrice(t *testing.T) {
	s := testServer(t)
	body := map[string]any{
		"account_id": "acct-1",
		"symbol":     "005930",
		"side":       "buy",
		"qty":        1,
		"order_type": "limit",
	}
	rec := doRequest(s, http.MethodPost, "/v1/orders", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetOrder_NotFoundReports404(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodGet, "/v1/orders/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBalances_ProxiesDemoPortfolio(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodGet, "/v1/balances", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleLiveReadiness_ReportsBlockersWhenWSNotConnected(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodGet, "/v1/session/live-readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var report map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, false, report["can_trade"])
}

func TestNotFoundHandler_ReturnsJSONBody(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodGet, "/no/such/route", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestMetricsEndpoint_ExposesPrometheusFormat(t *testing.T) {
	s := testServer(t)
	rec := doRequest(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kisgateway_queue_depth")
}
