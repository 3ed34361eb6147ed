package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/questrunner/internal/metrics"
	"github.com/gateway-fm/questrunner/pkg/types"
)

func TestReport(t *testing.T) {
	var r Report
	for _, o := range []types.RunOutcome{
		types.OutcomeCompleted, types.OutcomeCompleted, types.OutcomeFailed,
		types.OutcomeTimeout, types.OutcomeSkipped,
	} {
		r.Add(o)
	}
	r.Elapsed = 95 * time.Second
	r.Durations = &metrics.DurationSummary{Count: 4, P50: 61 * time.Second, P95: 5 * time.Minute, Max: 6 * time.Minute}

	assert.Equal(t, 5, r.Total())
	assert.Equal(t, 2, r.Completed)
	text := r.Text()
	assert.Contains(t, text, "Accounts: 5")
	assert.Contains(t, text, "Completed: 2")
	assert.Contains(t, text, "Failed: 2")
	assert.Contains(t, text, "timed out: 1")
	assert.Contains(t, text, "Skipped: 1")
	assert.Contains(t, text, "Elapsed: 1m35s")
	assert.Contains(t, text, "p50 1m1s, p95 5m0s, max 6m0s")
}

func TestSend(t *testing.T) {
	var got sendMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram(Config{APIURL: srv.URL, Token: "123:abc", ChatID: "-100"})
	require.True(t, tg.Enabled())
	require.NoError(t, tg.Send(context.Background(), "hello"))

	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "-100", got.ChatID)
	assert.Equal(t, "hello", got.Text)
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	tg := NewTelegram(Config{APIURL: srv.URL, Token: "t", ChatID: "c"})
	err := tg.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestSendRedactsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	tg := NewTelegram(Config{APIURL: srv.URL, Token: "999:secret", ChatID: "c"})
	err := tg.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "999:secret")
}

func TestDisabled(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	for _, cfg := range []Config{
		{APIURL: srv.URL},
		{APIURL: srv.URL, Token: "t"},
		{APIURL: srv.URL, ChatID: "c"},
	} {
		tg := NewTelegram(cfg)
		assert.False(t, tg.Enabled())
		assert.NoError(t, tg.Send(context.Background(), "x"))
		tg.SendReport(context.Background(), Report{Completed: 1})
	}
	assert.Zero(t, calls.Load())
}
