// Package quest runs the Linea campaign for one account: it opens the
// browser profile, performs the on-chain action behind each quest,
// verifies it on the quest site and unwinds the position afterwards.
package quest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gateway-fm/questrunner/internal/account"
	"github.com/gateway-fm/questrunner/internal/amount"
	"github.com/gateway-fm/questrunner/internal/chain"
	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/jitter"
	"github.com/gateway-fm/questrunner/internal/metrics"
	"github.com/gateway-fm/questrunner/pkg/types"
)

// ErrNotVerified is returned when the quest site never shows a quest as
// complete within the interaction budget.
var ErrNotVerified = errors.New("quest not verified on site")

// Lender supplies to and withdraws from the lending market.
type Lender interface {
	Supply(ctx context.Context) error
	Withdraw(ctx context.Context) error
}

// Swapper swaps through the aggregator. A zero amount swaps the default.
type Swapper interface {
	Swap(ctx context.Context, from, to contracts.Descriptor, amt amount.Amount) error
}

// LiquidityProvider manages DEX positions.
type LiquidityProvider interface {
	AddLiquidityETH(ctx context.Context, token contracts.Descriptor) error
	RemoveLiquidity(ctx context.Context, token contracts.Descriptor) error
	Stake(ctx context.Context) error
}

// Treasury sweeps the native balance to the exchange.
type Treasury interface {
	WithdrawToCEX(ctx context.Context) (*chain.Receipt, error)
}

// Site is the browser side of a run.
type Site interface {
	UnlockWallet(ctx context.Context) error
	OpenSite(ctx context.Context) error
	QuestCompleted(ctx context.Context, text string) (bool, error)
	InteractQuest(ctx context.Context, text string) error
	Close(ctx context.Context) error
}

// Store is the quest flag persistence used by a run.
type Store interface {
	CreateIfAbsent(ctx context.Context, profile int, address string) error
	QuestDone(ctx context.Context, profile int, quest types.QuestID) (bool, error)
	SetQuestDone(ctx context.Context, profile int, quest types.QuestID) error
}

// Adapters are the on-chain protocol clients of one account.
type Adapters struct {
	Lender    Lender
	Swapper   Swapper
	Liquidity LiquidityProvider
	Treasury  Treasury
}

// SiteOpener opens the browser profile of an account.
type SiteOpener func(ctx context.Context, acc *account.Account) (Site, error)

// AdapterFactory builds the on-chain clients of an account.
type AdapterFactory func(ctx context.Context, acc *account.Account) (*Adapters, error)

// Quest is a campaign task as it reads on the quest site.
type Quest struct {
	ID   types.QuestID
	Text string
}

// Campaign lists the quests in their default order. The stake quest needs
// LP tokens left by the liquidity quests, so it always runs last.
var Campaign = []Quest{
	{ID: types.QuestSupply, Text: "Supply any asset on Linea on Zerolend"},
	{ID: types.QuestZeroLiquidity, Text: "Provide liquidity to Zero/ETH on Nile"},
	{ID: types.QuestNileLiquidity, Text: "Provide liquidity to Nile/ETH on Nile"},
	{ID: types.QuestStake, Text: "Stake Zero/ETH on Zerolend."},
}

// handler is the on-chain side of a quest. action runs only while the
// quest flag is unset; unwind runs on every pass.
type handler struct {
	action func(ctx context.Context, a *Adapters) error
	unwind func(ctx context.Context, a *Adapters) error
}

func liquidityHandler(token contracts.Descriptor) handler {
	return handler{
		action: func(ctx context.Context, a *Adapters) error {
			return a.Liquidity.AddLiquidityETH(ctx, token)
		},
		unwind: func(ctx context.Context, a *Adapters) error {
			if err := a.Liquidity.RemoveLiquidity(ctx, token); err != nil {
				return err
			}
			return a.Swapper.Swap(ctx, token, contracts.ETH, amount.Zero())
		},
	}
}

var handlers = map[types.QuestID]handler{
	types.QuestSupply: {
		action: func(ctx context.Context, a *Adapters) error { return a.Lender.Supply(ctx) },
		unwind: func(ctx context.Context, a *Adapters) error { return a.Lender.Withdraw(ctx) },
	},
	types.QuestZeroLiquidity: liquidityHandler(contracts.ZERO),
	types.QuestNileLiquidity: liquidityHandler(contracts.NILE),
	types.QuestStake: {
		action: func(ctx context.Context, a *Adapters) error { return a.Liquidity.Stake(ctx) },
	},
}

// Config configures the orchestrator.
type Config struct {
	Store    Store
	OpenSite SiteOpener
	Adapters AdapterFactory

	// QuestAttempts bounds retries of one quest.
	QuestAttempts int
	// InteractAttempts bounds verification rounds on the quest site.
	InteractAttempts int
	// ShuffleQuests reorders all quests but the last.
	ShuffleQuests bool
	WithdrawToCEX bool

	// CloseTimeout bounds browser shutdown after the run context ends.
	CloseTimeout time.Duration

	Rand    *rand.Rand
	Logger  *slog.Logger
	Metrics *metrics.PrometheusMetrics
}

// Orchestrator runs accounts. It is safe for concurrent use by workers
// running different accounts.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New creates an orchestrator. Zero-valued fields get defaults.
func New(cfg Config) *Orchestrator {
	if cfg.QuestAttempts <= 0 {
		cfg.QuestAttempts = 3
	}
	if cfg.InteractAttempts <= 0 {
		cfg.InteractAttempts = 3
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = jitter.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger, rnd: rnd}
}

// order returns the campaign order for one run.
func (o *Orchestrator) order() []Quest {
	quests := make([]Quest, len(Campaign))
	copy(quests, Campaign)
	if !o.cfg.ShuffleQuests {
		return quests
	}
	head := quests[:len(quests)-1]
	o.rndMu.Lock()
	o.rnd.Shuffle(len(head), func(i, j int) { head[i], head[j] = head[j], head[i] })
	o.rndMu.Unlock()
	return quests
}

// run is the state of one account run.
type run struct {
	o        *Orchestrator
	acc      *account.Account
	site     Site
	adapters *Adapters
	logger   *slog.Logger
}

// Run executes the whole campaign for acc. Quests that exhaust their
// attempts do not stop the run; their errors are joined into the result.
func (o *Orchestrator) Run(ctx context.Context, acc *account.Account) error {
	logger := o.logger.With(slog.Int("profile", acc.Profile), slog.String("address", acc.Address.Hex()))

	if err := o.cfg.Store.CreateIfAbsent(ctx, acc.Profile, acc.Address.Hex()); err != nil {
		return fmt.Errorf("create account row: %w", err)
	}

	site, err := o.cfg.OpenSite(ctx, acc)
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CloseTimeout)
		defer cancel()
		if cerr := site.Close(closeCtx); cerr != nil {
			logger.Error("failed to close browser", slog.String("error", cerr.Error()))
		}
	}()

	if err := site.UnlockWallet(ctx); err != nil {
		return fmt.Errorf("unlock wallet: %w", err)
	}

	adapters, err := o.cfg.Adapters(ctx, acc)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}

	r := &run{o: o, acc: acc, site: site, adapters: adapters, logger: logger}
	quests := o.order()

	if err := r.refreshStatuses(ctx, quests); err != nil {
		return err
	}

	var failed []error
	for _, q := range quests {
		if err := r.runQuest(ctx, q); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed = append(failed, fmt.Errorf("%s: %w", q.ID, err))
		}
	}

	if o.cfg.WithdrawToCEX {
		if _, err := adapters.Treasury.WithdrawToCEX(ctx); err != nil {
			failed = append(failed, fmt.Errorf("withdraw to cex: %w", err))
		}
	}

	if len(failed) > 0 {
		return errors.Join(failed...)
	}
	logger.Info("all quests done")
	return nil
}

// refreshStatuses copies completion badges from the site into the store.
func (r *run) refreshStatuses(ctx context.Context, quests []Quest) error {
	if err := r.site.OpenSite(ctx); err != nil {
		return fmt.Errorf("open quest site: %w", err)
	}
	for _, q := range quests {
		if _, err := r.checkSite(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// checkSite reads the badge for q and persists a completed flag.
func (r *run) checkSite(ctx context.Context, q Quest) (bool, error) {
	done, err := r.site.QuestCompleted(ctx, q.Text)
	if err != nil {
		return false, fmt.Errorf("check %s on site: %w", q.ID, err)
	}
	if !done {
		return false, nil
	}
	if err := r.o.cfg.Store.SetQuestDone(ctx, r.acc.Profile, q.ID); err != nil {
		return false, fmt.Errorf("mark %s done: %w", q.ID, err)
	}
	return true, nil
}

// runQuest retries one quest in a bounded loop.
func (r *run) runQuest(ctx context.Context, q Quest) error {
	h, ok := handlers[q.ID]
	if !ok {
		return fmt.Errorf("no handler for %s", q.ID)
	}
	logger := r.logger.With(slog.String("quest", q.ID.String()))

	var lastErr error
	for attempt := 1; attempt <= r.o.cfg.QuestAttempts; attempt++ {
		logger.Info("running quest", slog.String("text", q.Text), slog.Int("attempt", attempt))
		outcome, err := r.questOnce(ctx, q, h)
		if err == nil {
			r.o.cfg.Metrics.RecordQuest(q.ID.String(), outcome)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		logger.Error("quest attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	r.o.cfg.Metrics.RecordQuest(q.ID.String(), "failed")
	return lastErr
}

func (r *run) questOnce(ctx context.Context, q Quest, h handler) (string, error) {
	outcome := "skipped"
	done, err := r.o.cfg.Store.QuestDone(ctx, r.acc.Profile, q.ID)
	if err != nil {
		return "", err
	}
	if !done {
		if err := h.action(ctx, r.adapters); err != nil {
			return "", err
		}
		if err := r.interact(ctx, q); err != nil {
			return "", err
		}
		outcome = "completed"
	}
	if h.unwind != nil {
		if err := h.unwind(ctx, r.adapters); err != nil {
			return "", fmt.Errorf("unwind: %w", err)
		}
	}
	return outcome, nil
}

// interact walks the site verification until the badge appears.
func (r *run) interact(ctx context.Context, q Quest) error {
	for attempt := 1; attempt <= r.o.cfg.InteractAttempts; attempt++ {
		done, err := r.o.cfg.Store.QuestDone(ctx, r.acc.Profile, q.ID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if err := r.site.OpenSite(ctx); err != nil {
			r.logger.Warn("quest site unavailable", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			continue
		}
		if done, err = r.checkSite(ctx, q); err != nil {
			return err
		}
		if done {
			r.logger.Info("quest verified", slog.String("quest", q.ID.String()))
			return nil
		}

		if err := r.site.InteractQuest(ctx, q.Text); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("quest interaction failed",
				slog.String("quest", q.ID.String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}
	}

	// The last click may have been the one that verified it.
	if err := r.site.OpenSite(ctx); err == nil {
		if done, err := r.checkSite(ctx, q); err == nil && done {
			return nil
		}
	}
	return fmt.Errorf("%s after %d rounds: %w", q.ID, r.o.cfg.InteractAttempts, ErrNotVerified)
}
