package defi

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/gateway-fm/questrunner/internal/amount"
	"github.com/gateway-fm/questrunner/internal/chain"
	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/jitter"
)

// Supply band in USD and the dust floor for withdrawals.
const (
	supplyMinUSD = 16
	supplyMaxUSD = 17

	// supplyTopUpFactor is how much of the target must be on hand before depositing.
	supplyTopUpFactor = 1.1
)

var supplyDust = big.NewInt(1_000_000_000)

// Zeroland supplies and withdraws ETH on Zerolend.
type Zeroland struct {
	chain  *chain.Client
	pricer *Pricer
}

// NewZeroland creates the lending adapter.
func NewZeroland(p *Pricer) *Zeroland {
	return &Zeroland{chain: p.chain, pricer: p}
}

// Supply deposits a random $16-17 of ETH unless the receipt-token balance
// already exceeds the band's lower bound.
func (z *Zeroland) Supply(ctx context.Context) error {
	lower := z.pricer.USD(supplyMinUSD)
	target := amount.Ether(jitter.Uniform(z.chain.Rand(), lower, z.pricer.USD(supplyMaxUSD), 6))

	supplied, err := z.chain.Balance(ctx, contracts.ZeroETH)
	if err != nil {
		return err
	}
	if supplied.Cmp(amount.Ether(lower)) > 0 {
		logSkip(z.chain, "supply", "already supplied", amountAttr("supplied", supplied))
		return nil
	}

	need := target.Ether().Mul(decimal.NewFromFloat(supplyTopUpFactor))
	if err := z.pricer.ensureNative(ctx, need.InexactFloat64(), need.Round(6)); err != nil {
		return err
	}

	lend, err := z.chain.Contract(contracts.Zerolend)
	if err != nil {
		return err
	}
	r, err := lend.Transact(ctx, target.Wei(), "depositETH",
		contracts.ZerolendPool.Address, z.chain.Address(), uint16(0))
	if err != nil {
		return err
	}
	z.chain.Logger().Info("supplied to zerolend", slog.String("tx", r.TxHash), amountAttr("amount", target))
	return z.chain.Cooldown(ctx)
}

// Withdraw redeems the whole receipt-token balance back to ETH. Balances
// under 1 gwei are treated as already withdrawn.
func (z *Zeroland) Withdraw(ctx context.Context) error {
	supplied, err := z.chain.Balance(ctx, contracts.ZeroETH)
	if err != nil {
		return err
	}
	if supplied.Wei().Cmp(supplyDust) < 0 {
		logSkip(z.chain, "withdraw", "nothing supplied", amountAttr("supplied", supplied))
		return nil
	}

	if _, err := z.chain.Approve(ctx, contracts.ZeroETH, contracts.Zerolend.Address, supplied); err != nil {
		return err
	}
	lend, err := z.chain.Contract(contracts.Zerolend)
	if err != nil {
		return err
	}
	r, err := lend.Transact(ctx, nil, "withdrawETH",
		contracts.ZerolendPool.Address, supplied.Wei(), z.chain.Address())
	if err != nil {
		return err
	}
	z.chain.Logger().Info("withdrew from zerolend", slog.String("tx", r.TxHash), amountAttr("amount", supplied))
	return z.chain.Cooldown(ctx)
}
