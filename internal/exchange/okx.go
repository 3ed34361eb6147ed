// Package exchange moves funds from a centralized exchange to on-chain
// addresses. Only OKX's v5 REST API is supported.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/gateway-fm/questrunner/internal/metrics"
)

const (
	DefaultBaseURL = "https://www.okx.com"

	// LineaChain is OKX's chain id for ETH on Linea.
	LineaChain = "ETH-Linea"
	// Currency withdrawn for gas top-ups.
	Currency = "ETH"

	// destOnChain is the OKX dest value for an on-chain withdrawal.
	destOnChain = "4"

	completeState = "Withdrawal complete"
)

// ErrWithdrawalTimeout is returned when a withdrawal does not complete
// within the polling budget.
var ErrWithdrawalTimeout = errors.New("withdrawal not completed in time")

// APIError is an OKX response with a non-zero code.
type APIError struct {
	Code    string
	Message string
	Path    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx %s: code %s: %s", e.Path, e.Code, e.Message)
}

// Config configures the OKX client.
type Config struct {
	BaseURL    string
	APIKey     string
	SecretKey  string
	Passphrase string

	// PollInterval and PollAttempts bound WaitWithdrawal.
	PollInterval time.Duration
	PollAttempts int

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.PrometheusMetrics

	now func() time.Time
}

// OKX is a minimal funding API client.
type OKX struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewOKX creates a client. Zero-valued fields get defaults.
func NewOKX(cfg Config) *OKX {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 30
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OKX{cfg: cfg, http: httpClient, logger: logger.With(slog.String("component", "okx"))}
}

// Configured reports whether API credentials are present.
func (o *OKX) Configured() bool {
	return o.cfg.APIKey != "" && o.cfg.SecretKey != "" && o.cfg.Passphrase != ""
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type currencyInfo struct {
	Ccy    string `json:"ccy"`
	Chain  string `json:"chain"`
	MinFee string `json:"minFee"`
}

type withdrawalRequest struct {
	Ccy    string `json:"ccy"`
	Amt    string `json:"amt"`
	Dest   string `json:"dest"`
	ToAddr string `json:"toAddr"`
	Fee    string `json:"fee"`
	Chain  string `json:"chain"`
}

type withdrawalResult struct {
	WdID string `json:"wdId"`
}

type withdrawalStatus struct {
	WdID  string `json:"wdId"`
	State string `json:"state"`
}

// Fund withdraws ether worth of ETH to addr on Linea and waits for the
// withdrawal to complete.
func (o *OKX) Fund(ctx context.Context, to common.Address, ether decimal.Decimal) error {
	id, err := o.Withdraw(ctx, Currency, LineaChain, to, ether)
	if err != nil {
		o.cfg.Metrics.RecordWithdrawal("failed")
		return err
	}
	if err := o.WaitWithdrawal(ctx, id); err != nil {
		o.cfg.Metrics.RecordWithdrawal("timeout")
		return err
	}
	o.cfg.Metrics.RecordWithdrawal("completed")
	return nil
}

// Withdraw submits an on-chain withdrawal and returns its id.
func (o *OKX) Withdraw(ctx context.Context, ccy, chain string, to common.Address, amt decimal.Decimal) (string, error) {
	fee, err := o.WithdrawalFee(ctx, ccy, chain)
	if err != nil {
		o.logger.Error("cannot determine withdrawal fee, sending 0",
			slog.String("chain", chain), slog.String("error", err.Error()))
		fee = "0"
	}

	body := withdrawalRequest{
		Ccy:    ccy,
		Amt:    amt.String(),
		Dest:   destOnChain,
		ToAddr: to.Hex(),
		Fee:    fee,
		Chain:  chain,
	}
	o.logger.Info("withdrawing from exchange",
		slog.String("to", to.Hex()), slog.String("amount", body.Amt), slog.String("ccy", ccy))

	var res []withdrawalResult
	if err := o.do(ctx, http.MethodPost, "/api/v5/asset/withdrawal", nil, body, &res); err != nil {
		return "", fmt.Errorf("withdraw %s %s: %w", body.Amt, ccy, err)
	}
	if len(res) == 0 || res[0].WdID == "" {
		return "", fmt.Errorf("withdraw %s %s: empty withdrawal id", body.Amt, ccy)
	}
	return res[0].WdID, nil
}

// WithdrawalFee returns the minimum fee OKX charges for ccy on chain.
func (o *OKX) WithdrawalFee(ctx context.Context, ccy, chain string) (string, error) {
	var infos []currencyInfo
	if err := o.do(ctx, http.MethodGet, "/api/v5/asset/currencies", url.Values{"ccy": {ccy}}, nil, &infos); err != nil {
		return "", err
	}
	for _, info := range infos {
		if info.Chain == chain {
			return info.MinFee, nil
		}
	}
	return "", fmt.Errorf("chain %s not listed for %s", chain, ccy)
}

// WaitWithdrawal polls the withdrawal status until it completes.
func (o *OKX) WaitWithdrawal(ctx context.Context, id string) error {
	for i := 0; i < o.cfg.PollAttempts; i++ {
		var statuses []withdrawalStatus
		err := o.do(ctx, http.MethodGet, "/api/v5/asset/deposit-withdraw-status", url.Values{"wdId": {id}}, nil, &statuses)
		switch {
		case err != nil:
			o.logger.Debug("withdrawal status poll failed", slog.String("wd_id", id), slog.String("error", err.Error()))
		case len(statuses) > 0 && strings.Contains(statuses[0].State, completeState):
			o.logger.Info("withdrawal complete", slog.String("wd_id", id))
			return nil
		}

		if i == o.cfg.PollAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.PollInterval):
		}
	}
	return fmt.Errorf("withdrawal %s: %w", id, ErrWithdrawalTimeout)
}

func (o *OKX) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, o.cfg.BaseURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	ts := o.cfg.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", o.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", Sign(o.cfg.SecretKey, ts, method, requestPath, body))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", o.cfg.Passphrase)

	resp, err := o.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("okx %s: HTTP %d: %s", path, resp.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if env.Code != "0" {
		return &APIError{Code: env.Code, Message: env.Msg, Path: path}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

// Sign computes the OK-ACCESS-SIGN header: base64(HMAC-SHA256(secret,
// timestamp + method + requestPath + body)).
func Sign(secret, timestamp, method, requestPath string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + strings.ToUpper(method) + requestPath))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
