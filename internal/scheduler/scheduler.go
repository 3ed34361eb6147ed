// Package scheduler runs account jobs with a bounded number of workers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gateway-fm/questrunner/internal/account"
	"github.com/gateway-fm/questrunner/internal/metrics"
	"github.com/gateway-fm/questrunner/pkg/types"
)

// RunFunc executes the campaign for one account.
type RunFunc func(ctx context.Context, acc *account.Account) error

// SkipFunc reports whether an account no longer needs a run. It is called
// right before the job starts, after the worker slot is acquired.
type SkipFunc func(ctx context.Context, acc *account.Account) (bool, error)

// Result is the outcome of one account job.
type Result struct {
	Profile   int
	Outcome   types.RunOutcome
	Err       error
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
}

// DefaultStartDelay spaces out browser launches of concurrent workers.
const DefaultStartDelay = 3 * time.Second

// Config for creating a Scheduler.
type Config struct {
	Concurrency int           // Max concurrent accounts (default: 1)
	Timeout     time.Duration // Per-attempt timeout (default: 900s)
	Attempts    int           // Attempts per account (default: 1)
	StartDelay  time.Duration // Pause after acquiring a slot (default: 3s, negative: none)
	Skip        SkipFunc
	Logger      *slog.Logger
	Metrics     *metrics.PrometheusMetrics
}

// Scheduler admits accounts through a weighted semaphore.
type Scheduler struct {
	cfg       Config
	semaphore *semaphore.Weighted
	logger    *slog.Logger
}

// New creates a new Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 900 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	switch {
	case cfg.StartDelay == 0:
		cfg.StartDelay = DefaultStartDelay
	case cfg.StartDelay < 0:
		cfg.StartDelay = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:       cfg,
		semaphore: semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:    logger,
	}
}

// Concurrency returns the worker count.
func (s *Scheduler) Concurrency() int {
	return s.cfg.Concurrency
}

// Run executes fn for every account and waits for all of them. A failing
// account never cancels the others. Results keep the order of accounts.
// Accounts not started before ctx is cancelled are reported as skipped.
func (s *Scheduler) Run(ctx context.Context, accounts []*account.Account, fn RunFunc) []Result {
	results := make([]Result, len(accounts))
	var g errgroup.Group

	var mu sync.Mutex
	for i, acc := range accounts {
		results[i] = Result{Profile: acc.Profile, Outcome: types.OutcomeSkipped}

		if err := s.semaphore.Acquire(ctx, 1); err != nil {
			mu.Lock()
			results[i].Err = err
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			defer s.semaphore.Release(1)
			res := s.runOne(ctx, acc, fn)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

func (s *Scheduler) runOne(ctx context.Context, acc *account.Account, fn RunFunc) Result {
	logger := s.logger.With(slog.Int("profile", acc.Profile), slog.String("address", acc.Address.Hex()))
	res := Result{Profile: acc.Profile, Outcome: types.OutcomeSkipped, StartedAt: time.Now()}

	if err := sleep(ctx, s.cfg.StartDelay); err != nil {
		res.Err = err
		return res
	}

	if s.cfg.Skip != nil {
		skip, err := s.cfg.Skip(ctx, acc)
		if err != nil {
			logger.Warn("failed to re-check account", slog.String("error", err.Error()))
		} else if skip {
			logger.Info("account already complete")
			return res
		}
	}

	s.cfg.Metrics.AccountStarted()
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		res.Attempts = attempt
		res.Err = s.attempt(ctx, acc, fn)
		if res.Err == nil || ctx.Err() != nil {
			break
		}
		logger.Error("account run failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.cfg.Attempts),
			slog.String("error", res.Err.Error()))
	}
	res.Duration = time.Since(res.StartedAt)
	res.Outcome = outcome(res.Err)
	s.cfg.Metrics.AccountFinished(string(res.Outcome), res.Duration)

	if res.Err == nil {
		logger.Info("account run completed", slog.Duration("duration", res.Duration))
	}
	return res
}

func (s *Scheduler) attempt(ctx context.Context, acc *account.Account, fn RunFunc) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	err := fn(attemptCtx, acc)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return errors.Join(ErrTimeout, err)
	}
	return err
}

// ErrTimeout marks an attempt that ran past the per-account timeout.
var ErrTimeout = errors.New("account run timed out")

func outcome(err error) types.RunOutcome {
	switch {
	case err == nil:
		return types.OutcomeCompleted
	case errors.Is(err, ErrTimeout):
		return types.OutcomeTimeout
	default:
		return types.OutcomeFailed
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
