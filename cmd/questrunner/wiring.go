package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/gateway-fm/questrunner/internal/account"
	"github.com/gateway-fm/questrunner/internal/browser"
	"github.com/gateway-fm/questrunner/internal/chain"
	"github.com/gateway-fm/questrunner/internal/config"
	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/defi"
	"github.com/gateway-fm/questrunner/internal/exchange"
	"github.com/gateway-fm/questrunner/internal/jitter"
	"github.com/gateway-fm/questrunner/internal/metrics"
	"github.com/gateway-fm/questrunner/internal/quest"
	"github.com/gateway-fm/questrunner/internal/rpc"
	"github.com/gateway-fm/questrunner/internal/scheduler"
	"github.com/gateway-fm/questrunner/internal/storage"
	"github.com/gateway-fm/questrunner/internal/wowmax"
	"github.com/gateway-fm/questrunner/pkg/types"
)

// wiring holds the process-wide clients shared by every account run.
type wiring struct {
	cfg      *config.Config
	rpc      rpc.Client
	abis     *contracts.ABISource
	quotes   *wowmax.Client
	funder   defi.Funder
	launcher *browser.Launcher
	metrics  *metrics.PrometheusMetrics
	logger   *slog.Logger
	rnd      *rand.Rand

	orchestrator *quest.Orchestrator
}

func newWiring(ctx context.Context, cfg *config.Config, rpcClient rpc.Client, store storage.Storage,
	m *metrics.PrometheusMetrics, logger *slog.Logger) (*wiring, error) {
	chainID, err := rpcClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id from %s: %w", cfg.RPCURL, err)
	}
	if chainID.Int64() != contracts.ChainID {
		return nil, fmt.Errorf("rpc_linea serves chain %s, want %d", chainID, contracts.ChainID)
	}

	abis := contracts.NewABISource(cfg.ABIDir)
	if err := abis.Preload(); err != nil {
		return nil, err
	}

	w := &wiring{
		cfg:     cfg,
		rpc:     rpcClient,
		abis:    abis,
		quotes:  wowmax.New(wowmax.Config{BaseURL: cfg.QuoteAPIURL, Logger: logger}),
		metrics: m,
		logger:  logger,
		rnd:     jitter.New(),
	}

	if cfg.OKX.Configured() {
		w.funder = exchange.NewOKX(exchange.Config{
			APIKey:     cfg.OKX.APIKey,
			SecretKey:  cfg.OKX.SecretKey,
			Passphrase: cfg.OKX.Passphrase,
			Logger:     logger,
			Metrics:    m,
		})
	} else {
		logger.Warn("okx credentials not set, native top-ups are disabled")
	}

	w.launcher = browser.NewLauncher(browser.LauncherConfig{
		Ads:         browser.NewAds(browser.AdsConfig{BaseURL: cfg.AdsAPIURL, Logger: logger}),
		WalletURL:   cfg.WalletURL,
		QuestURL:    cfg.QuestURL,
		UseProxy:    cfg.UseProxy,
		MobileProxy: cfg.MobileProxy,
		ChangeIPURL: cfg.ChangeIPURL,
		Logger:      logger,
	})

	w.orchestrator = quest.New(quest.Config{
		Store:            store,
		OpenSite:         w.openSite,
		Adapters:         w.adapters,
		QuestAttempts:    cfg.QuestAttempts,
		InteractAttempts: cfg.InteractAttempts,
		ShuffleQuests:    true,
		WithdrawToCEX:    cfg.WithdrawToCEX,
		Logger:           logger,
		Metrics:          m,
	})
	return w, nil
}

// openSite starts the account's browser profile.
func (w *wiring) openSite(ctx context.Context, acc *account.Account) (quest.Site, error) {
	session, err := w.launcher.Open(ctx, acc)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// adapters builds the on-chain clients of one account run. The ETH price
// is fetched once and shared by all of them.
func (w *wiring) adapters(ctx context.Context, acc *account.Account) (*quest.Adapters, error) {
	ethPrice, err := w.quotes.ETHPrice(ctx)
	if err != nil {
		return nil, err
	}

	c := chain.New(acc, chain.Config{
		RPC:                w.rpc,
		ABIs:               w.abis,
		PriorityMultiplier: w.cfg.PriorityMultiplier,
		GasLimitMultiplier: w.cfg.GasLimitMultiplier,
		MinBalance:         w.cfg.MinBalance,
		Cooldown:           w.cfg.Cooldown,
		Logger:             w.logger,
		Metrics:            w.metrics,
	})
	pricer := defi.NewPricer(c, ethPrice, w.funder)
	swapper := defi.NewWowmax(pricer, w.quotes)

	return &quest.Adapters{
		Lender:    defi.NewZeroland(pricer),
		Swapper:   swapper,
		Liquidity: defi.NewNile(pricer, swapper),
		Treasury:  c,
	}, nil
}

// pendingAccounts drops profiles whose four quests are already done.
func pendingAccounts(accounts []*account.Account, completed []int) []*account.Account {
	done := make(map[int]bool, len(completed))
	for _, p := range completed {
		done[p] = true
	}
	pending := make([]*account.Account, 0, len(accounts))
	for _, acc := range accounts {
		if !done[acc.Profile] {
			pending = append(pending, acc)
		}
	}
	return pending
}

func shuffleAccounts(accounts []*account.Account, rnd *rand.Rand) {
	rnd.Shuffle(len(accounts), func(i, j int) { accounts[i], accounts[j] = accounts[j], accounts[i] })
}

// completeSkip re-reads the store right before a worker starts an account,
// so a profile finished by an earlier run in the same process is not redone.
func completeSkip(store storage.Storage) scheduler.SkipFunc {
	return func(ctx context.Context, acc *account.Account) (bool, error) {
		status, err := store.GetByProfile(ctx, acc.Profile)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return status.Complete(), nil
	}
}

// runRecord converts a scheduler result into a run history row.
func runRecord(r scheduler.Result) *types.AccountRun {
	run := &types.AccountRun{
		ProfileNumber: r.Profile,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.StartedAt.Add(r.Duration),
		Outcome:       r.Outcome,
		Attempts:      r.Attempts,
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
		run.FinishedAt = run.StartedAt
	}
	if r.Err != nil {
		run.Error = r.Err.Error()
	}
	return run
}
