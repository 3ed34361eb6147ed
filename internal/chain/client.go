// Package chain performs all on-chain work for one account: balance reads,
// contract calls, EIP-1559 fee selection, signing, submission and
// confirmation, conditional ERC-20 approvals and the final CEX sweep.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand/v2"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/questrunner/internal/account"
	"github.com/gateway-fm/questrunner/internal/amount"
	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/jitter"
	"github.com/gateway-fm/questrunner/internal/metrics"
	"github.com/gateway-fm/questrunner/internal/rpc"
)

// Config holds the knobs shared by every account's client.
type Config struct {
	RPC  rpc.Client
	ABIs *contracts.ABISource

	// PriorityMultiplier scales the sampled priority fee.
	PriorityMultiplier jitter.Range
	// GasLimitMultiplier is the headroom applied to estimated gas.
	GasLimitMultiplier jitter.Range
	// MinBalance is the native reserve band, in ether, left behind by WithdrawToCEX.
	MinBalance jitter.Range
	// Cooldown is the pause, in seconds, after each state-changing action.
	Cooldown jitter.Range

	ReceiptPollInterval time.Duration

	Rand    *rand.Rand
	Logger  *slog.Logger
	Metrics *metrics.PrometheusMetrics
}

// Client is the chain handle of a single account. It is not safe for
// concurrent use; each account run owns its client.
type Client struct {
	rpc     rpc.Client
	abis    *contracts.ABISource
	account *account.Account
	cfg     Config
	rnd     *rand.Rand
	logger  *slog.Logger
	metrics *metrics.PrometheusMetrics

	chainID *big.Int
}

// New creates a client for acc.
func New(acc *account.Account, cfg Config) *Client {
	if cfg.ABIs == nil {
		cfg.ABIs = contracts.NewABISource("")
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.PriorityMultiplier == (jitter.Range{}) {
		cfg.PriorityMultiplier = jitter.Range{Min: 1, Max: 1}
	}
	if cfg.GasLimitMultiplier == (jitter.Range{}) {
		cfg.GasLimitMultiplier = jitter.Range{Min: 1, Max: 1}
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = jitter.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		rpc:     cfg.RPC,
		abis:    cfg.ABIs,
		account: acc,
		cfg:     cfg,
		rnd:     rnd,
		logger:  logger.With(slog.Int("profile", acc.Profile), slog.String("address", acc.Address.Hex())),
		metrics: cfg.Metrics,
	}
}

// Address returns the account's on-chain address.
func (c *Client) Address() common.Address { return c.account.Address }

// Profile returns the account's profile number.
func (c *Client) Profile() int { return c.account.Profile }

// Logger returns the account-scoped logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Rand returns the account's random source.
func (c *Client) Rand() *rand.Rand { return c.rnd }

// Cooldown sleeps a random duration from the configured cooldown band.
func (c *Client) Cooldown(ctx context.Context) error {
	lo, hi := c.cfg.Cooldown.Min, c.cfg.Cooldown.Max
	c.logger.Debug("cooldown", slog.Float64("min_s", lo), slog.Float64("max_s", hi))
	return jitter.Sleep(ctx, c.rnd, lo, hi)
}

// ChainID returns the chain id, fetched once.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.rpc.ChainID(ctx)
	if err != nil {
		return nil, c.fail("chain id", err)
	}
	c.chainID = id
	return id, nil
}

// Balance returns the account's balance of token, or of the native token
// when token is contracts.ETH.
func (c *Client) Balance(ctx context.Context, token contracts.Descriptor) (amount.Amount, error) {
	if token.Native {
		wei, err := c.rpc.GetBalance(ctx, c.account.Address.Hex())
		if err != nil {
			return amount.Amount{}, c.fail("native balance", err)
		}
		return amount.Wei(wei), nil
	}

	k, err := c.Contract(token)
	if err != nil {
		return amount.Amount{}, err
	}
	return k.BalanceOf(ctx, c.account.Address)
}

// NativeBalance is Balance(ctx, contracts.ETH).
func (c *Client) NativeBalance(ctx context.Context) (amount.Amount, error) {
	return c.Balance(ctx, contracts.ETH)
}

// Contract resolves a callable handle from the descriptor's address and
// named ABI. A missing or unparseable ABI yields *contracts.ConfigurationError.
func (c *Client) Contract(d contracts.Descriptor) (*Contract, error) {
	if d.Native {
		return nil, &contracts.ConfigurationError{Name: d.String(), Err: contracts.ErrNoABI}
	}
	parsed, err := c.abis.Load(d.ABIName())
	if err != nil {
		return nil, err
	}
	return &Contract{Descriptor: d, ABI: parsed, client: c}, nil
}

// fail tags err with the profile and operation unless it is already tagged.
func (c *Client) fail(op string, err error) error {
	var tagged *AccountError
	if errors.As(err, &tagged) {
		return err
	}
	return &AccountError{Profile: c.account.Profile, Op: op, Err: err}
}

// Contract is a bound contract handle.
type Contract struct {
	Descriptor contracts.Descriptor
	ABI        *abi.ABI
	client     *Client
}

// Address returns the contract address.
func (k *Contract) Address() common.Address { return k.Descriptor.Address }

// Pack encodes a method call.
func (k *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := k.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s.%s: %w", k.Descriptor, method, err)
	}
	return data, nil
}

// Call executes a read-only method and returns its decoded outputs.
func (k *Contract) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := k.Pack(method, args...)
	if err != nil {
		return nil, k.client.fail(method, err)
	}
	out, err := k.client.rpc.EthCall(ctx, rpc.CallMsg{
		From: k.client.account.Address.Hex(),
		To:   k.Descriptor.Address.Hex(),
		Data: data,
	})
	if err != nil {
		return nil, k.client.fail(fmt.Sprintf("call %s.%s", k.Descriptor, method), err)
	}
	values, err := k.ABI.Unpack(method, out)
	if err != nil {
		return nil, k.client.fail(fmt.Sprintf("unpack %s.%s", k.Descriptor, method), err)
	}
	return values, nil
}

// CallBig calls a method whose first output is a uint256.
func (k *Contract) CallBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := k.Call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return bigOutput(out, 0, method)
}

// BalanceOf returns the ERC-20 balance of owner.
func (k *Contract) BalanceOf(ctx context.Context, owner common.Address) (amount.Amount, error) {
	wei, err := k.CallBig(ctx, "balanceOf", owner)
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.Wei(wei), nil
}

// TotalSupply returns the ERC-20 total supply.
func (k *Contract) TotalSupply(ctx context.Context) (amount.Amount, error) {
	wei, err := k.CallBig(ctx, "totalSupply")
	if err != nil {
		return amount.Amount{}, err
	}
	return amount.Wei(wei), nil
}

func bigOutput(out []interface{}, i int, method string) (*big.Int, error) {
	if len(out) <= i {
		return nil, fmt.Errorf("%s: expected at least %d outputs, got %d", method, i+1, len(out))
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: output %d is %T, not *big.Int", method, i, out[i])
	}
	return v, nil
}

// BigOutputs converts every output of a call to *big.Int.
func BigOutputs(out []interface{}, method string) ([]*big.Int, error) {
	res := make([]*big.Int, len(out))
	for i := range out {
		v, err := bigOutput(out, i, method)
		if err != nil {
			return nil, err
		}
		res[i] = v
	}
	return res, nil
}

// AddressOutput returns the first output of a call as an address.
func AddressOutput(out []interface{}, method string) (common.Address, error) {
	if len(out) == 0 {
		return common.Address{}, fmt.Errorf("%s: no outputs", method)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s: output is %T, not address", method, out[0])
	}
	return addr, nil
}
