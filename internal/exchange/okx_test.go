package exchange

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC)

func newTestOKX(t *testing.T, h http.HandlerFunc) *OKX {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewOKX(Config{
		BaseURL:      srv.URL,
		APIKey:       "key",
		SecretKey:    "secret",
		Passphrase:   "pass",
		PollInterval: time.Millisecond,
		PollAttempts: 3,
		now:          func() time.Time { return fixedNow },
	})
}

func write(t *testing.T, w http.ResponseWriter, code string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"code": code, "msg": "", "data": data})
	assert.NoError(t, err)
	_, _ = w.Write(raw)
}

func TestSign(t *testing.T) {
	a := Sign("secret", "2024-05-01T12:00:00.123Z", "get", "/api/v5/asset/currencies?ccy=ETH", nil)
	b := Sign("secret", "2024-05-01T12:00:00.123Z", "GET", "/api/v5/asset/currencies?ccy=ETH", nil)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Sign("other", "2024-05-01T12:00:00.123Z", "GET", "/api/v5/asset/currencies?ccy=ETH", nil))
}

func TestFund(t *testing.T) {
	to := common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	var polls atomic.Int32
	var submitted withdrawalRequest

	o := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "key", r.Header.Get("OK-ACCESS-KEY"))
		assert.Equal(t, "pass", r.Header.Get("OK-ACCESS-PASSPHRASE"))
		assert.Equal(t, "2024-05-01T12:00:00.123Z", r.Header.Get("OK-ACCESS-TIMESTAMP"))
		assert.Equal(t, Sign("secret", r.Header.Get("OK-ACCESS-TIMESTAMP"), r.Method, r.URL.RequestURI(), body),
			r.Header.Get("OK-ACCESS-SIGN"))

		switch r.URL.Path {
		case "/api/v5/asset/currencies":
			write(t, w, "0", []currencyInfo{
				{Ccy: "ETH", Chain: "ETH-ERC20", MinFee: "0.001"},
				{Ccy: "ETH", Chain: LineaChain, MinFee: "0.0002"},
			})
		case "/api/v5/asset/withdrawal":
			assert.NoError(t, json.Unmarshal(body, &submitted))
			write(t, w, "0", []withdrawalResult{{WdID: "777"}})
		case "/api/v5/asset/deposit-withdraw-status":
			assert.Equal(t, "777", r.URL.Query().Get("wdId"))
			state := "Pending withdrawal"
			if polls.Add(1) >= 2 {
				state = "Withdrawal complete: funds sent"
			}
			write(t, w, "0", []withdrawalStatus{{WdID: "777", State: state}})
		default:
			http.NotFound(w, r)
		}
	})

	err := o.Fund(context.Background(), to, decimal.RequireFromString("0.0101"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), polls.Load())
	assert.Equal(t, withdrawalRequest{
		Ccy: "ETH", Amt: "0.0101", Dest: "4", ToAddr: to.Hex(), Fee: "0.0002", Chain: LineaChain,
	}, submitted)
}

func TestWithdrawAPIError(t *testing.T) {
	o := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v5/asset/withdrawal" {
			_, _ = w.Write([]byte(`{"code":"58350","msg":"Insufficient balance","data":[]}`))
			return
		}
		write(t, w, "0", []currencyInfo{})
	})

	_, err := o.Withdraw(context.Background(), Currency, LineaChain, common.Address{}, decimal.NewFromInt(1))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "58350", apiErr.Code)
}

func TestWaitWithdrawalTimeout(t *testing.T) {
	var polls atomic.Int32
	o := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		write(t, w, "0", []withdrawalStatus{{State: "Pending"}})
	})

	err := o.WaitWithdrawal(context.Background(), "1")
	assert.True(t, errors.Is(err, ErrWithdrawalTimeout))
	assert.Equal(t, int32(3), polls.Load())
}

func TestConfigured(t *testing.T) {
	assert.False(t, NewOKX(Config{}).Configured())
	assert.True(t, NewOKX(Config{APIKey: "a", SecretKey: "b", Passphrase: "c"}).Configured())
}
