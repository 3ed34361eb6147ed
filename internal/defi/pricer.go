// Package defi holds the protocol adapters that perform quest actions on
// Linea: lending on Zerolend, swaps through the WOWMAX aggregator and
// liquidity plus vote-locking on Nile.
//
// Every adapter follows the same shape: read the current position, return
// early when it already satisfies the target, top up funding when short,
// submit the action and pause for a random cooldown.
package defi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/gateway-fm/questrunner/internal/amount"
	"github.com/gateway-fm/questrunner/internal/chain"
	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/jitter"
)

// ErrInsufficientFunds is returned when an action cannot be funded.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Funder moves ETH from an exchange to an on-chain address.
type Funder interface {
	Fund(ctx context.Context, to common.Address, ether decimal.Decimal) error
}

// Pricer derives USD and ETH prices from on-chain reserves and a single ETH
// price fetched at the start of an account run. It also owns the native
// top-up path shared by the adapters.
type Pricer struct {
	chain    *chain.Client
	ethPrice float64
	funder   Funder

	mu   sync.Mutex
	weth common.Address
}

// NewPricer binds a chain client to an ETH/USD price. funder may be nil,
// in which case a required top-up fails with ErrInsufficientFunds.
func NewPricer(c *chain.Client, ethPrice float64, funder Funder) *Pricer {
	return &Pricer{chain: c, ethPrice: ethPrice, funder: funder}
}

// ETHPrice returns the USD price of one ETH used for this run.
func (p *Pricer) ETHPrice() float64 { return p.ethPrice }

// USD converts a dollar figure to ether at the run's price.
func (p *Pricer) USD(dollars float64) float64 { return dollars / p.ethPrice }

// WETH returns the wrapped-native address the Nile router pairs against.
func (p *Pricer) WETH(ctx context.Context) (common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.weth != (common.Address{}) {
		return p.weth, nil
	}

	router, err := p.chain.Contract(contracts.NileRouter)
	if err != nil {
		return common.Address{}, err
	}
	out, err := router.Call(ctx, "weth")
	if err != nil {
		return common.Address{}, err
	}
	weth, err := chain.AddressOutput(out, "weth")
	if err != nil {
		return common.Address{}, err
	}
	p.weth = weth
	return weth, nil
}

// RouterReserves returns the volatile-pool reserves of token and WETH as
// reported by the Nile router.
func (p *Pricer) RouterReserves(ctx context.Context, token contracts.Descriptor) (tokenReserve, ethReserve *big.Int, err error) {
	weth, err := p.WETH(ctx)
	if err != nil {
		return nil, nil, err
	}
	router, err := p.chain.Contract(contracts.NileRouter)
	if err != nil {
		return nil, nil, err
	}
	out, err := router.Call(ctx, "getReserves", token.Address, weth, false)
	if err != nil {
		return nil, nil, err
	}
	r, err := chain.BigOutputs(out, "getReserves")
	if err != nil {
		return nil, nil, err
	}
	if len(r) < 2 || r[0].Sign() == 0 || r[1].Sign() == 0 {
		return nil, nil, fmt.Errorf("pool %s/WETH has no liquidity", token)
	}
	return r[0], r[1], nil
}

// SwapPrice returns how many units of token one ETH buys at the pool ratio.
func (p *Pricer) SwapPrice(ctx context.Context, token contracts.Descriptor) (float64, error) {
	rToken, rETH, err := p.RouterReserves(ctx, token)
	if err != nil {
		return 0, err
	}
	return decimal.NewFromBigInt(rToken, 0).Div(decimal.NewFromBigInt(rETH, 0)).InexactFloat64(), nil
}

// PairState is a snapshot of a Nile pair. Reserve1 is the WETH side.
type PairState struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
	Supply   *big.Int
}

// Pair reads reserves and total supply of the LP token paired with base.
func (p *Pricer) Pair(ctx context.Context, base contracts.Descriptor) (contracts.Descriptor, PairState, error) {
	lp, err := contracts.PairedLP(base)
	if err != nil {
		return contracts.Descriptor{}, PairState{}, err
	}
	pair, err := p.chain.Contract(lp)
	if err != nil {
		return lp, PairState{}, err
	}
	out, err := pair.Call(ctx, "getReserves")
	if err != nil {
		return lp, PairState{}, err
	}
	r, err := chain.BigOutputs(out, "getReserves")
	if err != nil {
		return lp, PairState{}, err
	}
	supply, err := pair.CallBig(ctx, "totalSupply")
	if err != nil {
		return lp, PairState{}, err
	}
	if len(r) < 2 {
		return lp, PairState{}, fmt.Errorf("%s getReserves: short output", lp)
	}
	return lp, PairState{Reserve0: r[0], Reserve1: r[1], Supply: supply}, nil
}

// LPPrice returns the USD value of one LP token of the pool paired with
// base: ethReserve * ethPrice * 2 / lpSupply.
func (p *Pricer) LPPrice(ctx context.Context, base contracts.Descriptor) (float64, error) {
	lp, st, err := p.Pair(ctx, base)
	if err != nil {
		return 0, err
	}
	return LPPrice(st.Reserve1, st.Supply, p.ethPrice, lp)
}

// LPPrice prices an LP token from its pool's ETH reserve and total supply.
func LPPrice(ethReserve, lpSupply *big.Int, ethPrice float64, lp contracts.Descriptor) (float64, error) {
	if lpSupply == nil || lpSupply.Sign() == 0 {
		return 0, fmt.Errorf("%s has zero total supply", lp)
	}
	v := decimal.NewFromBigInt(ethReserve, 0).
		Mul(decimal.NewFromFloat(ethPrice)).
		Mul(decimal.NewFromInt(2)).
		Div(decimal.NewFromBigInt(lpSupply, 0))
	return v.InexactFloat64(), nil
}

// ensureNative tops up the native balance from the exchange when it is
// below threshold ether. withdraw is the ether amount requested.
func (p *Pricer) ensureNative(ctx context.Context, threshold float64, withdraw decimal.Decimal) error {
	balance, err := p.chain.NativeBalance(ctx)
	if err != nil {
		return err
	}
	if balance.Float() >= threshold {
		return nil
	}

	log := p.chain.Logger()
	if p.funder == nil {
		return fmt.Errorf("%w: native balance %s below %.6f and no exchange configured",
			ErrInsufficientFunds, balance, threshold)
	}
	log.Info("topping up from exchange",
		slog.String("balance", balance.String()),
		slog.Float64("threshold", threshold),
		slog.String("amount", withdraw.String()),
	)
	if err := p.funder.Fund(ctx, p.chain.Address(), withdraw); err != nil {
		return fmt.Errorf("top up %s: %w", withdraw, err)
	}
	return nil
}

// ensureGasMoney keeps at least $16 of ETH on the account, withdrawing a
// random $20-25 when below.
func (p *Pricer) ensureGasMoney(ctx context.Context) error {
	rnd := p.chain.Rand()
	places := 5 + rnd.IntN(3)
	withdraw := jitter.Uniform(rnd, p.USD(20), p.USD(25), places)
	return p.ensureNative(ctx, p.USD(16), decimal.NewFromFloat(withdraw))
}

// deadline is 24 hours after now, in unix seconds.
func deadline(now time.Time) *big.Int {
	return big.NewInt(now.Add(24 * time.Hour).Unix())
}

func percentOf(v *big.Int, num, den int64) *big.Int {
	r := new(big.Int).Mul(v, big.NewInt(num))
	return r.Quo(r, big.NewInt(den))
}

func logSkip(c *chain.Client, action, reason string, attrs ...slog.Attr) {
	args := []any{slog.String("action", action), slog.String("reason", reason)}
	for _, a := range attrs {
		args = append(args, a)
	}
	c.Logger().Info("skipping", args...)
}

func amountAttr(key string, a amount.Amount) slog.Attr {
	return slog.String(key, a.String())
}
