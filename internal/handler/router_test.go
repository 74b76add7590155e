package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"custody/internal/pricing"
	"custody/internal/repository"
	"custody/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
}

func newTestServer(t *testing.T, rdb *redis.Client) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	cfg := testutil.Config()
	cfg.Log.Development = true

	var prices pricing.Source = pricing.NewStaticSourceFromConfig(cfg.Prices)
	if rdb != nil {
		prices = pricing.NewRedisSource(rdb, cfg.Redis.PricesKey, prices, nil)
	}
	return &testServer{
		t:      t,
		router: SetupRouter(repository.NewStore(db, 5*time.Second), rdb, prices, cfg, nil),
	}
}

func (s *testServer) do(method, path string, body interface{}) (int, apiResponse) {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp apiResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

func (s *testServer) createAccount(name, clientType string) string {
	s.t.Helper()
	status, resp := s.do(http.MethodPost, "/api/v1/accounts", gin.H{
		"name": name, "email": name + "@custody.test", "client_type": clientType,
	})
	require.Equal(s.t, http.StatusCreated, status, resp.Message)

	var acc struct {
		ID string `json:"id"`
	}
	require.NoError(s.t, json.Unmarshal(resp.Data, &acc))
	return acc.ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	status, _ := s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestDepositAndWithdrawFlow(t *testing.T) {
	s := newTestServer(t, nil)
	accountID := s.createAccount("alice", "RETAIL")

	for _, d := range []gin.H{
		{"deposit_number": "D1", "account_id": accountID, "metal_type": "Gold", "storage_mode": "UNALLOCATED", "quantity": "5"},
		{"deposit_number": "D2", "account_id": accountID, "metal_type": "Gold", "storage_mode": "UNALLOCATED", "quantity": 10},
	} {
		status, resp := s.do(http.MethodPost, "/api/v1/deposits", d)
		require.Equal(t, http.StatusCreated, status, resp.Message)
	}

	status, resp := s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{
		"withdrawal_number": "W100", "account_id": accountID, "metal_type": "Gold",
		"storage_mode": "UNALLOCATED", "quantity": "12",
	})
	require.Equal(t, http.StatusCreated, status, resp.Message)

	var result struct {
		RequestNumber string `json:"request_number"`
		Records       []struct {
			WithdrawalNumber string `json:"withdrawal_number"`
			Quantity         string `json:"quantity"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "W100", result.RequestNumber)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "W100-1", result.Records[0].WithdrawalNumber)
	assert.Equal(t, "5", result.Records[0].Quantity)
	assert.Equal(t, "W100-2", result.Records[1].WithdrawalNumber)
	assert.Equal(t, "7", result.Records[1].Quantity)

	// 剩余 3kg，请求 20kg
	status, resp = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{
		"withdrawal_number": "W101", "account_id": accountID, "metal_type": "Gold",
		"storage_mode": "UNALLOCATED", "quantity": "20",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	var short struct {
		Requested string `json:"requested"`
		Available string `json:"available"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &short))
	assert.Equal(t, "20", short.Requested)
	assert.Equal(t, "3", short.Available)

	status, _ = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{
		"withdrawal_number": "W100", "account_id": accountID, "metal_type": "Gold",
		"storage_mode": "UNALLOCATED", "quantity": "1",
	})
	assert.Equal(t, http.StatusConflict, status)

	status, resp = s.do(http.MethodGet, "/api/v1/withdrawals?number_prefix=W100", nil)
	require.Equal(t, http.StatusOK, status)
	var records []json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Data, &records))
	assert.Len(t, records, 2)

	status, resp = s.do(http.MethodGet, "/api/v1/valuation/accounts/"+accountID, nil)
	require.Equal(t, http.StatusOK, status)
	var valuation struct {
		TotalValue string `json:"total_value"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &valuation))
	assert.Equal(t, "180000", valuation.TotalValue)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t, nil)
	retail := s.createAccount("bob", "RETAIL")

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"unknown account", http.MethodGet, "/api/v1/accounts/missing", nil, http.StatusNotFound},
		{"bad deposit id", http.MethodGet, "/api/v1/deposits/abc", nil, http.StatusBadRequest},
		{"missing deposit", http.MethodGet, "/api/v1/deposits/42", nil, http.StatusNotFound},
		{"malformed body", http.MethodPost, "/api/v1/deposits", "{", http.StatusBadRequest},
		{"unknown metal", http.MethodPost, "/api/v1/deposits", gin.H{
			"deposit_number": "D1", "account_id": retail, "metal_type": "Copper",
			"storage_mode": "UNALLOCATED", "quantity": "1",
		}, http.StatusBadRequest},
		{"retail bar deposit", http.MethodPost, "/api/v1/deposits", gin.H{
			"deposit_number": "D1", "account_id": retail, "metal_type": "Gold",
			"storage_mode": "ALLOCATED", "quantity": "1", "bar_serial": "BAR-1",
		}, http.StatusUnprocessableEntity},
		{"bad metal filter", http.MethodGet, "/api/v1/deposits?metal_type=Tin", nil, http.StatusBadRequest},
		{"bad audit range", http.MethodGet, "/api/v1/audit?from=2024-05-02&to=2024-05-01", nil, http.StatusBadRequest},
		{"bad audit date", http.MethodGet, "/api/v1/audit?from=yesterday", nil, http.StatusBadRequest},
		{"unknown inventory metal", http.MethodGet, "/api/v1/inventory/metals/Tin", nil, http.StatusBadRequest},
		{"price writes disabled", http.MethodPut, "/api/v1/prices/Gold", gin.H{"price_per_kg": "1"}, http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, resp := s.do(tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, status, resp.Message)
		})
	}
}

func TestCreateAccount_BindError(t *testing.T) {
	s := newTestServer(t, nil)

	status, resp := s.do(http.MethodPost, "/api/v1/accounts", gin.H{"email": "x@custody.test", "client_type": "RETAIL"})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, resp.Message, "Name(required)")
}

func TestAccountLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createAccount("carol", "INSTITUTIONAL")

	status, resp := s.do(http.MethodPatch, "/api/v1/accounts/"+id, gin.H{"name": "Carol Ltd"})
	require.Equal(t, http.StatusOK, status, resp.Message)

	status, resp = s.do(http.MethodGet, "/api/v1/accounts", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(resp.Data), "Carol Ltd")

	status, _ = s.do(http.MethodDelete, "/api/v1/accounts/"+id, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(http.MethodGet, "/api/v1/accounts/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestReports(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createAccount("vault", "INSTITUTIONAL")

	status, resp := s.do(http.MethodPost, "/api/v1/deposits", gin.H{
		"deposit_number": "D1", "account_id": id, "metal_type": "Silver",
		"storage_mode": "ALLOCATED", "quantity": "30", "bar_serial": "SB-1",
	})
	require.Equal(t, http.StatusCreated, status, resp.Message)

	for _, path := range []string{
		"/api/v1/valuation",
		"/api/v1/valuation/metals",
		"/api/v1/inventory",
		"/api/v1/inventory/accounts/" + id,
		"/api/v1/inventory/metals/Silver",
		"/api/v1/inventory/bars?metal_type=Silver",
		"/api/v1/inventory/pool",
		"/api/v1/audit?account_id=" + id + "&from=2020-01-01",
		"/api/v1/prices",
	} {
		status, resp := s.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, status, "%s: %s", path, resp.Message)
	}

	status, resp = s.do(http.MethodGet, "/api/v1/inventory/bars", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(resp.Data), "SB-1")
}

func TestSetPrice_WithRedis(t *testing.T) {
	_, rdb := testutil.NewRedis(t)
	s := newTestServer(t, rdb)

	status, resp := s.do(http.MethodPut, "/api/v1/prices/Gold", gin.H{"price_per_kg": "65000.5"})
	require.Equal(t, http.StatusOK, status, resp.Message)

	status, resp = s.do(http.MethodGet, "/api/v1/prices", nil)
	require.Equal(t, http.StatusOK, status)
	var prices map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &prices))
	assert.Equal(t, "65000.5", prices["Gold"])
	assert.Equal(t, "800", prices["Silver"])

	status, _ = s.do(http.MethodPut, "/api/v1/prices/Gold", gin.H{"price_per_kg": "-1"})
	assert.Equal(t, http.StatusBadRequest, status)
}
