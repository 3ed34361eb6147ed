package defi

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gateway-fm/questrunner/internal/amount"
	"github.com/gateway-fm/questrunner/internal/chain"
	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/jitter"
)

const (
	lpHeldUSD      = 15
	lpDustUSD      = 0.5
	tokenFloorUSD  = 7.5
	tokenTargetUSD = 8

	slippageNum = 98
	slippageDen = 100
)

// Lock durations offered by the Nile LP locker: 90, 180 and 360 days.
var lockDurations = []int64{7_776_000, 15_552_000, 31_104_000}

// Swapper buys and sells tokens.
type Swapper interface {
	Swap(ctx context.Context, from, to contracts.Descriptor, amt amount.Amount) error
}

// Nile provides and removes volatile-pool liquidity on Nile and locks
// ZERO/ETH LP tokens.
type Nile struct {
	chain   *chain.Client
	pricer  *Pricer
	swapper Swapper
	now     func() time.Time
}

// NewNile creates the liquidity adapter. Token shortfalls are bought through s.
func NewNile(p *Pricer, s Swapper) *Nile {
	return &Nile{chain: p.chain, pricer: p, swapper: s, now: time.Now}
}

// AddLiquidityETH pairs token with ETH in its volatile pool. Positions
// already worth more than $15 are left alone. The token side is topped up to
// about $8 through the swapper when under $7.5.
func (n *Nile) AddLiquidityETH(ctx context.Context, token contracts.Descriptor) error {
	lp, err := contracts.PairedLP(token)
	if err != nil {
		return err
	}
	lpBalance, err := n.chain.Balance(ctx, lp)
	if err != nil {
		return err
	}
	lpPrice, err := n.pricer.LPPrice(ctx, token)
	if err != nil {
		return err
	}
	if lpBalance.Float() > lpHeldUSD/lpPrice {
		logSkip(n.chain, "add_liquidity", "liquidity already provided", amountAttr("lp", lpBalance), slog.String("token", token.String()))
		return nil
	}

	balance, err := n.chain.Balance(ctx, token)
	if err != nil {
		return err
	}
	perETH, err := n.pricer.SwapPrice(ctx, token)
	if err != nil {
		return err
	}
	perUSD := perETH / n.pricer.ETHPrice()
	if balance.Float() < tokenFloorUSD*perUSD {
		shortfall := tokenTargetUSD*perUSD - balance.Float()
		if err := n.swapper.Swap(ctx, contracts.ETH, token, amount.Ether(shortfall/perETH)); err != nil {
			return fmt.Errorf("buy %s for liquidity: %w", token, err)
		}
		if balance, err = n.chain.Balance(ctx, token); err != nil {
			return err
		}
	}
	if balance.IsZero() {
		return fmt.Errorf("%w: no %s to provide", ErrInsufficientFunds, token)
	}

	if _, err := n.chain.Approve(ctx, token, contracts.NileRouter.Address, balance); err != nil {
		return err
	}

	rToken, rETH, err := n.pricer.RouterReserves(ctx, token)
	if err != nil {
		return err
	}
	tokenWei := balance.Wei()
	ethWei := new(big.Int).Mul(tokenWei, rETH)
	ethWei.Quo(ethWei, rToken)

	router, err := n.chain.Contract(contracts.NileRouter)
	if err != nil {
		return err
	}
	r, err := router.Transact(ctx, ethWei, "addLiquidityETH",
		token.Address,
		false,
		tokenWei,
		percentOf(tokenWei, slippageNum, slippageDen),
		percentOf(ethWei, slippageNum, slippageDen),
		n.chain.Address(),
		deadline(n.now()),
	)
	if err != nil {
		return err
	}
	n.chain.Logger().Info("liquidity added",
		slog.String("tx", r.TxHash),
		slog.String("token", token.String()),
		amountAttr("token_amount", balance),
		amountAttr("eth_amount", amount.Wei(ethWei)),
	)
	return n.chain.Cooldown(ctx)
}

// RemoveLiquidity withdraws 99.5% of the LP balance of token's pool with a
// 2% floor on both outputs. Positions under $0.5 are ignored.
func (n *Nile) RemoveLiquidity(ctx context.Context, token contracts.Descriptor) error {
	lp, err := contracts.PairedLP(token)
	if err != nil {
		return err
	}
	lpBalance, err := n.chain.Balance(ctx, lp)
	if err != nil {
		return err
	}
	lpPrice, err := n.pricer.LPPrice(ctx, token)
	if err != nil {
		return err
	}
	if lpBalance.Float() < lpDustUSD/lpPrice {
		logSkip(n.chain, "remove_liquidity", "no liquidity", amountAttr("lp", lpBalance), slog.String("token", token.String()))
		return nil
	}

	if _, err := n.chain.Approve(ctx, lp, contracts.NileRouter.Address, lpBalance); err != nil {
		return err
	}
	_, pool, err := n.pricer.Pair(ctx, token)
	if err != nil {
		return err
	}
	if pool.Supply.Sign() == 0 {
		return fmt.Errorf("%s has zero total supply", lp)
	}

	liquidity := percentOf(lpBalance.Wei(), 995, 1000)
	minToken := shareOf(pool.Reserve0, liquidity, pool.Supply)
	minETH := shareOf(pool.Reserve1, liquidity, pool.Supply)

	router, err := n.chain.Contract(contracts.NileRouter)
	if err != nil {
		return err
	}
	r, err := router.Transact(ctx, nil, "removeLiquidityETH",
		token.Address,
		false,
		liquidity,
		minToken,
		minETH,
		n.chain.Address(),
		deadline(n.now()),
	)
	if err != nil {
		return err
	}
	n.chain.Logger().Info("liquidity removed",
		slog.String("tx", r.TxHash),
		slog.String("token", token.String()),
		amountAttr("lp", amount.Wei(liquidity)),
	)
	return n.chain.Cooldown(ctx)
}

// shareOf returns reserve * liquidity / supply discounted by the slippage floor.
func shareOf(reserve, liquidity, supply *big.Int) *big.Int {
	v := new(big.Int).Mul(reserve, liquidity)
	v.Quo(v, supply)
	return percentOf(v, slippageNum, slippageDen)
}

// Stake locks a random 0.01-0.2 ZERO/ETH LP for a random duration. When the
// LP balance is smaller, 98-99% of it is locked instead. An existing lock
// makes this a no-op.
func (n *Nile) Stake(ctx context.Context) error {
	voting, err := n.chain.Balance(ctx, contracts.ZeroLPVoting)
	if err != nil {
		return err
	}
	if !voting.IsZero() {
		logSkip(n.chain, "stake", "already staked", amountAttr("voting", voting))
		return nil
	}

	lpBalance, err := n.chain.Balance(ctx, contracts.LPZeroWETH)
	if err != nil {
		return err
	}
	rnd := n.chain.Rand()
	lockAmount := amount.Ether(jitter.Uniform(rnd, 0.01, 0.2, 4))
	if lpBalance.LessThan(lockAmount) {
		lockAmount = lpBalance.MulFloat(jitter.Uniform(rnd, 0.98, 0.99, 3))
	}
	if lockAmount.IsZero() {
		return fmt.Errorf("%w: no %s to stake", ErrInsufficientFunds, contracts.LPZeroWETH)
	}

	if _, err := n.chain.Approve(ctx, contracts.LPZeroWETH, contracts.NileLockerLP.Address, lockAmount); err != nil {
		return err
	}
	locker, err := n.chain.Contract(contracts.NileLockerLP)
	if err != nil {
		return err
	}
	duration := lockDurations[rnd.IntN(len(lockDurations))]
	r, err := locker.Transact(ctx, nil, "createLock", lockAmount.Wei(), big.NewInt(duration), true)
	if err != nil {
		return err
	}
	n.chain.Logger().Info("staked",
		slog.String("tx", r.TxHash),
		amountAttr("lp", lockAmount),
		slog.Int64("duration_s", duration),
	)
	return n.chain.Cooldown(ctx)
}
