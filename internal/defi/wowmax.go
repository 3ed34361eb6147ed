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
	"github.com/gateway-fm/questrunner/internal/wowmax"
)

// Quoter returns router calldata for a swap.
type Quoter interface {
	Quote(ctx context.Context, from, to contracts.Descriptor, ether decimal.Decimal) (*wowmax.Quote, error)
}

// Wowmax swaps through the WOWMAX aggregator router.
type Wowmax struct {
	chain  *chain.Client
	pricer *Pricer
	quoter Quoter
}

// NewWowmax creates the swap adapter.
func NewWowmax(p *Pricer, q Quoter) *Wowmax {
	return &Wowmax{chain: p.chain, pricer: p, quoter: q}
}

// Swap exchanges amt of from for to. A zero amt means the whole balance
// when selling a token and a random $9-10 when selling ETH. Token balances
// worth less than $1 are left alone.
func (w *Wowmax) Swap(ctx context.Context, from, to contracts.Descriptor, amt amount.Amount) error {
	value := new(big.Int)

	if !from.Native {
		balance, err := w.chain.Balance(ctx, from)
		if err != nil {
			return err
		}
		perETH, err := w.pricer.SwapPrice(ctx, from)
		if err != nil {
			return err
		}
		perUSD := perETH / w.pricer.ETHPrice()
		if balance.Float() < perUSD {
			logSkip(w.chain, "swap", "balance under $1", amountAttr("balance", balance), slog.String("token", from.String()))
			return nil
		}
		if amt.IsZero() {
			amt = balance
		}
		if _, err := w.chain.Approve(ctx, from, contracts.WowmaxRouter.Address, amt); err != nil {
			return err
		}
	} else {
		if err := w.pricer.ensureGasMoney(ctx); err != nil {
			return err
		}
		if amt.IsZero() {
			amt = amount.Ether(jitter.Uniform(w.chain.Rand(), w.pricer.USD(9), w.pricer.USD(10), 6))
		}
		value = amt.Wei()
	}

	quote, err := w.quoter.Quote(ctx, from, to, amt.Ether())
	if err != nil {
		return err
	}
	r, err := w.chain.Execute(ctx, contracts.WowmaxRouter.Address, value, quote.Data, "swap")
	if err != nil {
		return err
	}
	w.chain.Logger().Info("swapped",
		slog.String("tx", r.TxHash),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		amountAttr("amount", amt),
	)
	return w.chain.Cooldown(ctx)
}
