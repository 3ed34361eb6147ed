// Package browser drives AdsPower browser profiles: the AdsPower local API
// starts and stops profiles, a DevTools Protocol session controls their
// pages, and on top of that sit the wallet extension and the quest site.
package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gateway-fm/questrunner/internal/account"
	"github.com/gateway-fm/questrunner/internal/jitter"
	"github.com/gateway-fm/questrunner/internal/ratelimit"
)

// DefaultAdsURL is the AdsPower local API root.
const DefaultAdsURL = "http://local.adspower.net:50325/api/v1/"

// ErrProfileNotFound is returned when AdsPower has no profile with the
// requested serial number.
var ErrProfileNotFound = errors.New("adspower profile not found")

// APIError is an AdsPower response with a non-zero code.
type APIError struct {
	Code    int
	Message string
	Path    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("adspower %s: code %d: %s", e.Path, e.Code, e.Message)
}

// AdsConfig configures the AdsPower client.
type AdsConfig struct {
	BaseURL string

	// Pacer serializes calls across all workers. Defaults to a 1-2 s gap.
	Pacer *ratelimit.Limiter

	// StartAttempts and StartRetryDelay bound Launch.
	StartAttempts   int
	StartRetryDelay time.Duration
	// StartupDelay is how long a freshly started profile gets before its
	// debugger endpoint is used.
	StartupDelay time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Ads is an AdsPower local API client. It is safe for concurrent use.
type Ads struct {
	cfg    AdsConfig
	http   *http.Client
	pacer  *ratelimit.Limiter
	logger *slog.Logger
}

// NewAds creates a client. Zero-valued fields get defaults.
func NewAds(cfg AdsConfig) *Ads {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAdsURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/"
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = 3
	}
	if cfg.StartRetryDelay < 0 {
		cfg.StartRetryDelay = 0
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = ratelimit.New(jitter.Range{Min: 1, Max: 2}, nil)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ads{
		cfg:    cfg,
		http:   httpClient,
		pacer:  pacer,
		logger: logger.With(slog.String("component", "adspower")),
	}
}

type adsEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type browserData struct {
	Status string `json:"status"`
	WS     struct {
		Puppeteer string `json:"puppeteer"`
	} `json:"ws"`
}

type userList struct {
	List []struct {
		UserID       string `json:"user_id"`
		SerialNumber string `json:"serial_number"`
	} `json:"list"`
}

type proxyConfig struct {
	ProxyType     string `json:"proxy_type"`
	ProxyHost     string `json:"proxy_host"`
	ProxyPort     string `json:"proxy_port"`
	ProxyUser     string `json:"proxy_user"`
	ProxyPassword string `json:"proxy_password"`
	ProxySoft     string `json:"proxy_soft"`
}

type userUpdate struct {
	UserID          string      `json:"user_id"`
	UserProxyConfig proxyConfig `json:"user_proxy_config"`
}

func serial(profile int) url.Values {
	return url.Values{"serial_number": {strconv.Itoa(profile)}}
}

// Active returns the debugger endpoint of a running profile. ok is false
// when the profile is not running.
func (a *Ads) Active(ctx context.Context, profile int) (endpoint string, ok bool, err error) {
	var data browserData
	if err := a.do(ctx, http.MethodGet, "browser/active", serial(profile), nil, &data); err != nil {
		return "", false, fmt.Errorf("check profile %d: %w", profile, err)
	}
	if data.Status != "Active" {
		return "", false, nil
	}
	return data.WS.Puppeteer, data.WS.Puppeteer != "", nil
}

// Start launches a profile and returns its debugger endpoint.
func (a *Ads) Start(ctx context.Context, profile int) (string, error) {
	var data browserData
	if err := a.do(ctx, http.MethodGet, "browser/start", serial(profile), nil, &data); err != nil {
		return "", fmt.Errorf("start profile %d: %w", profile, err)
	}
	if data.WS.Puppeteer == "" {
		return "", fmt.Errorf("start profile %d: empty debugger endpoint", profile)
	}
	return data.WS.Puppeteer, nil
}

// Stop closes a profile.
func (a *Ads) Stop(ctx context.Context, profile int) error {
	if err := a.do(ctx, http.MethodGet, "browser/stop", serial(profile), nil, nil); err != nil {
		return fmt.Errorf("stop profile %d: %w", profile, err)
	}
	return nil
}

// UserID resolves a serial number to the AdsPower user id.
func (a *Ads) UserID(ctx context.Context, profile int) (string, error) {
	var users userList
	if err := a.do(ctx, http.MethodGet, "user/list", serial(profile), nil, &users); err != nil {
		return "", fmt.Errorf("lookup profile %d: %w", profile, err)
	}
	if len(users.List) == 0 || users.List[0].UserID == "" {
		return "", fmt.Errorf("profile %d: %w", profile, ErrProfileNotFound)
	}
	return users.List[0].UserID, nil
}

// SetProxy assigns an HTTP proxy to a profile.
func (a *Ads) SetProxy(ctx context.Context, profile int, proxy account.Proxy) error {
	id, err := a.UserID(ctx, profile)
	if err != nil {
		return err
	}
	body := userUpdate{
		UserID: id,
		UserProxyConfig: proxyConfig{
			ProxyType:     "http",
			ProxyHost:     proxy.Host,
			ProxyPort:     proxy.Port,
			ProxyUser:     proxy.Login,
			ProxyPassword: proxy.Password,
			ProxySoft:     "other",
		},
	}
	if err := a.do(ctx, http.MethodPost, "user/update", nil, body, nil); err != nil {
		return fmt.Errorf("set proxy for profile %d: %w", profile, err)
	}
	a.logger.Info("proxy set", slog.Int("profile", profile), slog.String("proxy", proxy.String()))
	return nil
}

// Launch returns the debugger endpoint of profile, starting it when it is
// not already running. Failures are retried StartAttempts times.
func (a *Ads) Launch(ctx context.Context, profile int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.StartAttempts; attempt++ {
		endpoint, err := a.launchOnce(ctx, profile)
		if err == nil {
			return endpoint, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		a.logger.Warn("browser launch failed",
			slog.Int("profile", profile),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < a.cfg.StartAttempts {
			if err := sleep(ctx, a.cfg.StartRetryDelay); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("launch profile %d after %d attempts: %w", profile, a.cfg.StartAttempts, lastErr)
}

func (a *Ads) launchOnce(ctx context.Context, profile int) (string, error) {
	endpoint, ok, err := a.Active(ctx, profile)
	if err != nil {
		return "", err
	}
	if !ok {
		if endpoint, err = a.Start(ctx, profile); err != nil {
			return "", err
		}
	}
	if err := sleep(ctx, a.cfg.StartupDelay); err != nil {
		return "", err
	}
	return endpoint, nil
}

func (a *Ads) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	if err := a.pacer.Wait(ctx); err != nil {
		return err
	}

	u := a.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("adspower %s: HTTP %d: %s", path, resp.StatusCode, string(raw))
	}

	var env adsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if env.Code != 0 {
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

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
