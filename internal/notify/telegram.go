// Package notify sends end-of-run reports to a Telegram chat.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gateway-fm/questrunner/internal/metrics"
	"github.com/gateway-fm/questrunner/pkg/types"
)

const DefaultAPIURL = "https://api.telegram.org"

// Report counts account outcomes of one process run.
type Report struct {
	Completed int
	Failed    int
	Timeout   int
	Skipped   int
	Elapsed   time.Duration

	// Durations summarizes the accounts that actually ran. May be nil.
	Durations *metrics.DurationSummary
}

// Add counts one outcome.
func (r *Report) Add(o types.RunOutcome) {
	switch o {
	case types.OutcomeCompleted:
		r.Completed++
	case types.OutcomeTimeout:
		r.Timeout++
	case types.OutcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Total is the number of accounts counted.
func (r Report) Total() int {
	return r.Completed + r.Failed + r.Timeout + r.Skipped
}

// Text renders the report as a chat message.
func (r Report) Text() string {
	lines := []string{
		"Linea quests run finished",
		fmt.Sprintf("Accounts: %d", r.Total()),
		fmt.Sprintf("Completed: %d", r.Completed),
		fmt.Sprintf("Failed: %d", r.Failed+r.Timeout),
	}
	if r.Timeout > 0 {
		lines = append(lines, fmt.Sprintf("  of which timed out: %d", r.Timeout))
	}
	lines = append(lines, fmt.Sprintf("Skipped: %d", r.Skipped))
	if r.Elapsed > 0 {
		lines = append(lines, fmt.Sprintf("Elapsed: %s", r.Elapsed.Round(time.Second)))
	}
	if d := r.Durations; d != nil {
		lines = append(lines, fmt.Sprintf("Per account: p50 %s, p95 %s, max %s",
			d.P50.Round(time.Second), d.P95.Round(time.Second), d.Max.Round(time.Second)))
	}
	return strings.Join(lines, "\n")
}

// Config configures the Telegram notifier.
type Config struct {
	APIURL     string
	Token      string
	ChatID     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Telegram posts messages through the Bot API sendMessage method.
type Telegram struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewTelegram creates a notifier. It is disabled when the token or chat
// id is empty.
func NewTelegram(cfg Config) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{cfg: cfg, http: httpClient, logger: logger.With(slog.String("component", "telegram"))}
}

// Enabled reports whether messages will be sent.
func (t *Telegram) Enabled() bool {
	return t.cfg.Token != "" && t.cfg.ChatID != ""
}

type sendMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts text to the configured chat. It is a no-op when disabled.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.Enabled() {
		return nil
	}
	body, err := json.Marshal(sendMessage{ChatID: t.cfg.ChatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := t.cfg.APIURL + "/bot" + t.cfg.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		// The URL carries the bot token.
		return fmt.Errorf("telegram request failed: %w", redact(err, t.cfg.Token))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("telegram HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram HTTP %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

// SendReport sends a run report. Failures are logged, not returned: the
// run has already finished by the time it is called.
func (t *Telegram) SendReport(ctx context.Context, r Report) {
	if !t.Enabled() {
		return
	}
	if err := t.Send(ctx, r.Text()); err != nil {
		t.logger.Warn("failed to send run report", slog.String("error", err.Error()))
		return
	}
	t.logger.Info("run report sent", slog.Int("accounts", r.Total()))
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, secret string) error {
	if secret == "" {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), secret, "<token>"), err: err}
}
