package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/gateway-fm/questrunner/internal/amount"
	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/jitter"
	"github.com/gateway-fm/questrunner/internal/rpc"
)

const (
	// feeHistoryBlocks is how many recent blocks the priority fee is sampled from.
	feeHistoryBlocks = 25
	// baseFeeWei is added on top of the tip to form maxFeePerGas. Linea's
	// base fee is pinned at 7 wei.
	baseFeeWei = 7
	// tipGranularity is the unit the tip is rounded to.
	tipGranularity = 100_000
)

// TxRequest is an unsigned EIP-1559 transaction.
type TxRequest struct {
	From      common.Address
	To        common.Address
	ChainID   *big.Int
	Nonce     uint64
	Value     *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int
	Gas       uint64
	Data      []byte

	// Label names the action in logs and metrics.
	Label string
}

// Receipt is a confirmed transaction.
type Receipt struct {
	TxHash      string
	Status      uint64
	GasUsed     uint64
	BlockNumber uint64
	Label       string
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool { return r != nil && r.Status == 1 }

// PriorityFee samples recent fee history and picks a tip.
//
// One random percentile in [20, 40] is requested over the last 25 blocks and
// a random block with a non-zero reward is chosen. The reward is scaled by
// the configured multiplier and rounded to a multiple of 100000 wei. When no
// block carries a reward the tip is zero.
func (c *Client) PriorityFee(ctx context.Context) (*big.Int, error) {
	percentile := float64(c.rnd.IntN(21) + 20)
	history, err := c.rpc.FeeHistory(ctx, feeHistoryBlocks, []float64{percentile})
	if err != nil {
		return nil, c.fail("fee history", err)
	}

	var rewards []*big.Int
	for _, row := range history.Reward {
		if len(row) > 0 && row[0] != nil && row[0].Sign() > 0 {
			rewards = append(rewards, row[0])
		}
	}
	if len(rewards) == 0 {
		c.metrics.RecordPriorityFee(0)
		return new(big.Int), nil
	}

	reward := decimal.NewFromBigInt(rewards[c.rnd.IntN(len(rewards))], 0)
	mult := decimal.NewFromFloat(c.cfg.PriorityMultiplier.Pick(c.rnd))
	unit := decimal.NewFromInt(tipGranularity)
	tip := reward.Mul(mult).Div(unit).Round(0).Mul(unit).BigInt()

	c.metrics.RecordPriorityFee(float64(tip.Uint64()))
	return tip, nil
}

// PrepareTransaction returns a request carrying the sender, pending nonce,
// chain id, value and fee caps. Callers fill To, Data and Label.
func (c *Client) PrepareTransaction(ctx context.Context, value *big.Int) (*TxRequest, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.rpc.GetNonce(ctx, c.account.Address.Hex())
	if err != nil {
		return nil, c.fail("nonce", err)
	}
	tip, err := c.PriorityFee(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}

	return &TxRequest{
		From:      c.account.Address,
		ChainID:   chainID,
		Nonce:     nonce,
		Value:     new(big.Int).Set(value),
		GasTipCap: tip,
		GasFeeCap: new(big.Int).Add(tip, big.NewInt(baseFeeWei)),
	}, nil
}

// SendTransaction signs, submits and waits for tx. A zero gas argument means
// estimate and apply the gas limit multiplier. A receipt is returned even
// when the transaction reverted; Transact turns that into an error.
func (c *Client) SendTransaction(ctx context.Context, req *TxRequest, gas uint64) (*Receipt, error) {
	label := req.Label
	if label == "" {
		label = "transfer"
	}

	if gas == 0 {
		estimated, err := c.rpc.EstimateGas(ctx, rpc.CallMsg{
			From:      req.From.Hex(),
			To:        req.To.Hex(),
			Value:     req.Value,
			Data:      req.Data,
			GasTipCap: req.GasTipCap,
			GasFeeCap: req.GasFeeCap,
		})
		if err != nil {
			c.metrics.RecordTx(label, "estimate_failed", 0)
			return nil, c.fail("estimate gas for "+label, err)
		}
		gas = uint64(float64(estimated) * c.cfg.GasLimitMultiplier.Pick(c.rnd))
	}
	req.Gas = gas

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   req.ChainID,
		Nonce:     req.Nonce,
		GasTipCap: req.GasTipCap,
		GasFeeCap: req.GasFeeCap,
		Gas:       req.Gas,
		To:        &to,
		Value:     req.Value,
		Data:      req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(req.ChainID), c.account.PrivateKey)
	if err != nil {
		return nil, c.fail("sign "+label, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, c.fail("encode "+label, err)
	}

	start := time.Now()
	hash, err := c.rpc.SendRawTransaction(ctx, raw)
	if err != nil {
		c.metrics.RecordTx(label, "send_failed", 0)
		return nil, c.fail("send "+label, err)
	}
	c.logger.Info("transaction sent",
		slog.String("action", label),
		slog.String("tx", hash),
		slog.Uint64("nonce", req.Nonce),
		slog.Uint64("gas", gas),
	)

	receipt, err := c.waitReceipt(ctx, hash)
	if err != nil {
		c.metrics.RecordTx(label, "unconfirmed", 0)
		return nil, c.fail("confirm "+label, err)
	}
	receipt.Label = label

	status := "confirmed"
	if !receipt.Succeeded() {
		status = "reverted"
	}
	c.metrics.RecordTx(label, status, time.Since(start))
	c.logger.Info("transaction "+status,
		slog.String("action", label),
		slog.String("tx", hash),
		slog.Uint64("block", receipt.BlockNumber),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return receipt, nil
}

// waitReceipt polls until the receipt appears or ctx ends.
func (c *Client) waitReceipt(ctx context.Context, hash string) (*Receipt, error) {
	ticker := time.NewTicker(c.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		r, err := c.rpc.GetTransactionReceipt(ctx, hash)
		if err != nil {
			c.logger.Debug("receipt poll failed", slog.String("tx", hash), slog.String("error", err.Error()))
		} else if r != nil {
			return &Receipt{TxHash: hash, Status: r.Status, GasUsed: r.GasUsed, BlockNumber: r.BlockNumber}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Execute sends raw calldata to an address, as used for aggregator swaps.
func (c *Client) Execute(ctx context.Context, to common.Address, value *big.Int, data []byte, label string) (*Receipt, error) {
	req, err := c.PrepareTransaction(ctx, value)
	if err != nil {
		return nil, err
	}
	req.To = to
	req.Data = data
	req.Label = label
	return c.confirm(c.SendTransaction(ctx, req, 0))
}

// Transact calls a state-changing contract method and waits for it.
// A reverted transaction yields *RevertedError.
func (k *Contract) Transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (*Receipt, error) {
	data, err := k.Pack(method, args...)
	if err != nil {
		return nil, k.client.fail(method, err)
	}
	return k.client.Execute(ctx, k.Descriptor.Address, value, data, method)
}

func (c *Client) confirm(r *Receipt, err error) (*Receipt, error) {
	if err != nil {
		return nil, err
	}
	if !r.Succeeded() {
		return r, c.fail(r.Label, &RevertedError{TxHash: r.TxHash, Label: r.Label})
	}
	return r, nil
}

// Approve grants spender an allowance of amt on token unless the current
// allowance already covers it. The returned receipt is nil when nothing was
// sent.
func (c *Client) Approve(ctx context.Context, token contracts.Descriptor, spender common.Address, amt amount.Amount) (*Receipt, error) {
	k, err := c.Contract(token)
	if err != nil {
		return nil, err
	}
	allowance, err := k.CallBig(ctx, "allowance", c.account.Address, spender)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(amt.Wei()) >= 0 {
		c.logger.Debug("allowance sufficient",
			slog.String("token", token.String()),
			slog.String("spender", spender.Hex()),
		)
		return nil, nil
	}

	c.logger.Info("approving",
		slog.String("token", token.String()),
		slog.String("spender", spender.Hex()),
		slog.String("amount", amt.String()),
	)
	return k.Transact(ctx, nil, "approve", spender, amt.Wei())
}

// Transfer sends native value to an address.
func (c *Client) Transfer(ctx context.Context, to common.Address, value *big.Int, label string) (*Receipt, error) {
	req, err := c.PrepareTransaction(ctx, value)
	if err != nil {
		return nil, err
	}
	req.To = to
	req.Label = label
	return c.confirm(c.SendTransaction(ctx, req, 0))
}

// WithdrawToCEX sweeps native balance to the account's exchange deposit
// address, keeping a random reserve from the MinBalance band. Nothing is sent
// when no deposit address is configured or the balance does not exceed the
// band's upper bound.
func (c *Client) WithdrawToCEX(ctx context.Context) (*Receipt, error) {
	dest, ok := c.account.WithdrawTarget()
	if !ok {
		c.logger.Info("skipping withdrawal", slog.String("reason", ErrNoWithdrawTarget.Error()))
		return nil, nil
	}

	balance, err := c.NativeBalance(ctx)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount.Ether(c.cfg.MinBalance.Max)) <= 0 {
		c.logger.Info("skipping withdrawal: balance at or under reserve",
			slog.String("balance", balance.String()),
			slog.Float64("reserve_max", c.cfg.MinBalance.Max),
		)
		return nil, nil
	}

	reserve := amount.Ether(jitter.Uniform(c.rnd, c.cfg.MinBalance.Min, c.cfg.MinBalance.Max, 6))
	value := balance.Sub(reserve)

	c.logger.Info("withdrawing to exchange",
		slog.String("to", dest.Hex()),
		slog.String("amount", value.String()),
		slog.String("reserve", reserve.String()),
	)
	r, err := c.Transfer(ctx, dest, value.Wei(), "withdraw_to_cex")
	if err != nil {
		return nil, err
	}
	if err := c.Cooldown(ctx); err != nil {
		return r, err
	}
	return r, nil
}
