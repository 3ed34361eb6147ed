package rpc

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -32000, Message: "nonce too low"}

	errStr := err.Error()
	if errStr != "RPC error -32000: nonce too low" {
		t.Errorf("RPCError.Error() = %q, want %q", errStr, "RPC error -32000: nonce too low")
	}

	if !isRPCError(err) {
		t.Error("isRPCError should return true for *RPCError")
	}
}

func TestHTTPStatusError(t *testing.T) {
	tests := []struct {
		name       string
		err        HTTPStatusError
		wantString string
		wantRetry  bool
	}{
		{
			name:       "429 Too Many Requests",
			err:        HTTPStatusError{StatusCode: 429, Body: "rate limited"},
			wantString: "HTTP 429: Too Many Requests (body: rate limited)",
			wantRetry:  true,
		},
		{
			name:       "503 Service Unavailable",
			err:        HTTPStatusError{StatusCode: 503},
			wantString: "HTTP 503: Service Unavailable",
			wantRetry:  true,
		},
		{
			name:       "400 Bad Request not retryable",
			err:        HTTPStatusError{StatusCode: 400, Body: "invalid request"},
			wantString: "HTTP 400: Bad Request (body: invalid request)",
			wantRetry:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantString {
				t.Errorf("HTTPStatusError.Error() = %q, want %q", got, tt.wantString)
			}
			if got := tt.err.IsRetryable(); got != tt.wantRetry {
				t.Errorf("HTTPStatusError.IsRetryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestGetRetryDelay(t *testing.T) {
	defaultBackoff := 100 * time.Millisecond

	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
	}{
		{
			name:      "HTTP error with Retry-After",
			err:       &HTTPStatusError{StatusCode: 429, RetryAfter: 2 * time.Second},
			wantDelay: 2 * time.Second,
		},
		{
			name:      "HTTP error without Retry-After",
			err:       &HTTPStatusError{StatusCode: 503},
			wantDelay: defaultBackoff,
		},
		{
			name:      "RPC error uses default",
			err:       &RPCError{Code: -32000, Message: "test"},
			wantDelay: defaultBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getRetryDelay(tt.err, defaultBackoff); got != tt.wantDelay {
				t.Errorf("getRetryDelay() = %v, want %v", got, tt.wantDelay)
			}
		})
	}
}

// rpcServer answers every request with the handler's result for that method.
func rpcServer(t *testing.T, handler func(method string, params []json.RawMessage) (any, *JSONRPCError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
			ID     int               `json:"id"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(url string) *HTTPClient {
	cfg := DefaultClientConfig(url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return NewHTTPClient(cfg)
}

func TestFeeHistory(t *testing.T) {
	srv := rpcServer(t, func(method string, params []json.RawMessage) (any, *JSONRPCError) {
		if method != "eth_feeHistory" {
			t.Errorf("method = %q, want eth_feeHistory", method)
		}
		var count string
		_ = json.Unmarshal(params[0], &count)
		if count != "0x19" {
			t.Errorf("block count = %q, want 0x19", count)
		}
		return map[string]any{
			"oldestBlock":   "0x10",
			"baseFeePerGas": []string{"0x7", "0x7"},
			"gasUsedRatio":  []float64{0.5},
			"reward":        [][]string{{"0x0"}, {"0x186a0"}},
		}, nil
	})

	h, err := testClient(srv.URL).FeeHistory(context.Background(), 25, []float64{30})
	if err != nil {
		t.Fatalf("FeeHistory() error = %v", err)
	}
	if h.OldestBlock != 16 {
		t.Errorf("OldestBlock = %d, want 16", h.OldestBlock)
	}
	if len(h.Reward) != 2 || h.Reward[1][0].Cmp(big.NewInt(100000)) != 0 {
		t.Errorf("Reward = %v, want [[0] [100000]]", h.Reward)
	}
}

func TestReceiptNotFound(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *JSONRPCError) {
		return nil, nil
	})

	r, err := testClient(srv.URL).GetTransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetTransactionReceipt() error = %v", err)
	}
	if r != nil {
		t.Errorf("GetTransactionReceipt() = %+v, want nil", r)
	}
}

func TestReceiptDecoded(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *JSONRPCError) {
		return map[string]string{
			"transactionHash": "0xabc",
			"status":          "0x1",
			"gasUsed":         "0x5208",
			"blockNumber":     "0x64",
		}, nil
	})

	r, err := testClient(srv.URL).GetTransactionReceipt(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetTransactionReceipt() error = %v", err)
	}
	if r.Status != 1 || r.GasUsed != 21000 || r.BlockNumber != 100 || r.TxHash != "0xabc" {
		t.Errorf("receipt = %+v", r)
	}
}

func TestCallRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xe708"}`))
	}))
	defer srv.Close()

	id, err := testClient(srv.URL).ChainID(context.Background())
	if err != nil {
		t.Fatalf("ChainID() error = %v", err)
	}
	if id.Int64() != 59144 {
		t.Errorf("ChainID() = %v, want 59144", id)
	}
	if calls.Load() != 2 {
		t.Errorf("server calls = %d, want 2", calls.Load())
	}
}

func TestSendRawTransactionNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"already known"}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SendRawTransaction(context.Background(), []byte{0x02, 0x01})
	if !isHTTPStatusError(err) {
		t.Fatalf("SendRawTransaction() error = %v, want *HTTPStatusError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
}

func TestCallDoesNotRetryRPCError(t *testing.T) {
	var calls atomic.Int32
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *JSONRPCError) {
		calls.Add(1)
		return nil, &JSONRPCError{Code: 3, Message: "execution reverted"}
	})

	_, err := testClient(srv.URL).EstimateGas(context.Background(), CallMsg{To: "0x01"})
	if !isRPCError(err) {
		t.Fatalf("EstimateGas() error = %v, want *RPCError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
}

func TestCallMsgArg(t *testing.T) {
	msg := CallMsg{
		From:  "0xfrom",
		To:    "0xto",
		Value: big.NewInt(255),
		Data:  []byte{0xde, 0xad},
	}
	arg := msg.arg()
	if arg["value"] != "0xff" {
		t.Errorf("value = %v, want 0xff", arg["value"])
	}
	if arg["data"] != "0xdead" {
		t.Errorf("data = %v, want 0xdead", arg["data"])
	}
	if _, ok := arg["maxFeePerGas"]; ok {
		t.Error("maxFeePerGas should be omitted when unset")
	}
}

func TestObserveHook(t *testing.T) {
	srv := rpcServer(t, func(string, []json.RawMessage) (any, *JSONRPCError) {
		return "0x1", nil
	})

	var seen []string
	cfg := DefaultClientConfig(srv.URL)
	cfg.Observe = func(method string, _ time.Duration, _ error) { seen = append(seen, method) }

	if _, err := NewHTTPClient(cfg).GetNonce(context.Background(), "0xabc"); err != nil {
		t.Fatalf("GetNonce() error = %v", err)
	}
	if len(seen) != 1 || seen[0] != "eth_getTransactionCount" {
		t.Errorf("observed = %v, want [eth_getTransactionCount]", seen)
	}
}
