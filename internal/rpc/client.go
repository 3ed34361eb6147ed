// Package rpc provides JSON-RPC client functionality with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the interface for JSON-RPC communication with the chain.
type Client interface {
	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// ChainID returns the chain id reported by the node.
	ChainID(ctx context.Context) (*big.Int, error)

	// GetNonce fetches the pending nonce for an address.
	GetNonce(ctx context.Context, address string) (uint64, error)

	// GetBalance returns the native balance for an address.
	GetBalance(ctx context.Context, address string) (*big.Int, error)

	// FeeHistory returns priority-fee percentiles for the most recent blocks.
	FeeHistory(ctx context.Context, blockCount uint64, percentiles []float64) (*FeeHistory, error)

	// EstimateGas simulates msg and returns the gas it would use.
	EstimateGas(ctx context.Context, msg CallMsg) (uint64, error)

	// EthCall executes msg against the latest state without a transaction.
	EthCall(ctx context.Context, msg CallMsg) ([]byte, error)

	// SendRawTransaction submits a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, txRLP []byte) (string, error)

	// GetTransactionReceipt returns the receipt for a transaction, or nil if not yet mined.
	GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// CallMsg describes a call or simulated transaction.
type CallMsg struct {
	From      string
	To        string
	Value     *big.Int
	Data      []byte
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

func (m CallMsg) arg() map[string]interface{} {
	arg := map[string]interface{}{}
	if m.From != "" {
		arg["from"] = m.From
	}
	if m.To != "" {
		arg["to"] = m.To
	}
	if m.Value != nil && m.Value.Sign() > 0 {
		arg["value"] = hexutil.EncodeBig(m.Value)
	}
	if len(m.Data) > 0 {
		arg["data"] = hexutil.Encode(m.Data)
	}
	if m.GasTipCap != nil {
		arg["maxPriorityFeePerGas"] = hexutil.EncodeBig(m.GasTipCap)
	}
	if m.GasFeeCap != nil {
		arg["maxFeePerGas"] = hexutil.EncodeBig(m.GasFeeCap)
	}
	return arg
}

// TransactionReceipt represents an Ethereum transaction receipt.
type TransactionReceipt struct {
	TxHash            string `json:"transactionHash"`
	Status            uint64 `json:"status"`            // 1 = success, 0 = failure
	GasUsed           uint64 `json:"gasUsed"`           // Actual gas consumed
	BlockNumber       uint64 `json:"blockNumber"`       // Block this tx was included in
	EffectiveGasPrice uint64 `json:"effectiveGasPrice"` // Actual gas price paid
}

// FeeHistory is the decoded result of eth_feeHistory.
type FeeHistory struct {
	OldestBlock  uint64
	BaseFee      []*big.Int
	GasUsedRatio []float64
	// Reward holds one row per block, one column per requested percentile.
	Reward [][]*big.Int
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ObserveFunc receives the duration and outcome of every RPC method call.
type ObserveFunc func(method string, d time.Duration, err error)

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
	Observe        ObserveFunc
}

// DefaultClientConfig returns default configuration.
// Public Linea endpoints answer slowly under load, so the timeout is generous.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        15 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
	observe    ObserveFunc
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
		observe:    cfg.Observe,
	}
}

// Call makes a JSON-RPC call with retry logic. Only transport failures and
// retryable HTTP statuses are retried; node-level errors are returned as is.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := c.call(ctx, method, params)
	if c.observe != nil {
		c.observe(method, time.Since(start), err)
	}
	return result, err
}

func (c *HTTPClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// A re-posted transaction may already be in the mempool; the caller
	// decides what to do with a failed submission.
	if !retrySafe(method) {
		return c.doRequest(ctx, body)
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		result, err := c.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		if isRPCError(err) || isHTTPStatusError(err) {
			return nil, err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

// retrySafe reports whether method can be re-sent after a transport failure.
func retrySafe(method string) bool {
	return method != "eth_sendRawTransaction"
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	return rpcResp.Result, nil
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func isHTTPStatusError(err error) bool {
	var httpErr *HTTPStatusError
	return errors.As(err, &httpErr)
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

func (c *HTTPClient) callHex(ctx context.Context, method string, params []interface{}) (string, error) {
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return "", fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return s, nil
}

// ChainID returns the chain id.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	s, err := c.callHex(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	return hexutil.DecodeBig(s)
}

// GetNonce fetches the nonce for an address, including mempool transactions.
func (c *HTTPClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	s, err := c.callHex(ctx, "eth_getTransactionCount", []interface{}{address, "pending"})
	if err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(s)
}

// GetBalance returns the balance for an address at the latest block.
func (c *HTTPClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	s, err := c.callHex(ctx, "eth_getBalance", []interface{}{address, "latest"})
	if err != nil {
		return nil, err
	}
	return hexutil.DecodeBig(s)
}

// FeeHistory returns the reward percentiles of the last blockCount blocks.
func (c *HTTPClient) FeeHistory(ctx context.Context, blockCount uint64, percentiles []float64) (*FeeHistory, error) {
	result, err := c.Call(ctx, "eth_feeHistory", []interface{}{hexutil.EncodeUint64(blockCount), "latest", percentiles})
	if err != nil {
		return nil, err
	}
	return parseFeeHistory(result)
}

func parseFeeHistory(data json.RawMessage) (*FeeHistory, error) {
	var raw struct {
		OldestBlock   string     `json:"oldestBlock"`
		BaseFeePerGas []string   `json:"baseFeePerGas"`
		GasUsedRatio  []float64  `json:"gasUsedRatio"`
		Reward        [][]string `json:"reward"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fee history: %w", err)
	}

	h := &FeeHistory{GasUsedRatio: raw.GasUsedRatio}
	if raw.OldestBlock != "" {
		oldest, err := hexutil.DecodeUint64(raw.OldestBlock)
		if err != nil {
			return nil, fmt.Errorf("oldestBlock: %w", err)
		}
		h.OldestBlock = oldest
	}
	for _, s := range raw.BaseFeePerGas {
		v, err := hexutil.DecodeBig(s)
		if err != nil {
			return nil, fmt.Errorf("baseFeePerGas: %w", err)
		}
		h.BaseFee = append(h.BaseFee, v)
	}
	for _, row := range raw.Reward {
		rewards := make([]*big.Int, 0, len(row))
		for _, s := range row {
			v, err := hexutil.DecodeBig(s)
			if err != nil {
				return nil, fmt.Errorf("reward: %w", err)
			}
			rewards = append(rewards, v)
		}
		h.Reward = append(h.Reward, rewards)
	}
	return h, nil
}

// EstimateGas simulates msg against the pending state.
func (c *HTTPClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	s, err := c.callHex(ctx, "eth_estimateGas", []interface{}{msg.arg()})
	if err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(s)
}

// EthCall runs msg against the latest block.
func (c *HTTPClient) EthCall(ctx context.Context, msg CallMsg) ([]byte, error) {
	s, err := c.callHex(ctx, "eth_call", []interface{}{msg.arg(), "latest"})
	if err != nil {
		return nil, err
	}
	return hexutil.Decode(s)
}

// SendRawTransaction sends a signed transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) (string, error) {
	return c.callHex(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(txRLP)})
}

// GetTransactionReceipt returns the receipt for a transaction.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []interface{}{txHash})
	if err != nil {
		return nil, err
	}

	if string(result) == "null" || len(result) == 0 {
		return nil, nil // Not found yet
	}

	return parseReceipt(result)
}

func parseReceipt(data json.RawMessage) (*TransactionReceipt, error) {
	var rawReceipt struct {
		TransactionHash   string `json:"transactionHash"`
		Status            string `json:"status"`
		GasUsed           string `json:"gasUsed"`
		BlockNumber       string `json:"blockNumber"`
		EffectiveGasPrice string `json:"effectiveGasPrice"`
	}
	if err := json.Unmarshal(data, &rawReceipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, _ := hexutil.DecodeUint64(rawReceipt.Status)
	gasUsed, _ := hexutil.DecodeUint64(rawReceipt.GasUsed)
	blockNumber, _ := hexutil.DecodeUint64(rawReceipt.BlockNumber)
	effectiveGasPrice, _ := hexutil.DecodeUint64(rawReceipt.EffectiveGasPrice)

	return &TransactionReceipt{
		TxHash:            rawReceipt.TransactionHash,
		Status:            status,
		GasUsed:           gasUsed,
		BlockNumber:       blockNumber,
		EffectiveGasPrice: effectiveGasPrice,
	}, nil
}
