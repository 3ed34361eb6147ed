package defi

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/questrunner/internal/account"
	"github.com/gateway-fm/questrunner/internal/amount"
	"github.com/gateway-fm/questrunner/internal/chain"
	"github.com/gateway-fm/questrunner/internal/contracts"
	"github.com/gateway-fm/questrunner/internal/jitter"
	"github.com/gateway-fm/questrunner/internal/rpc/rpctest"
	"github.com/gateway-fm/questrunner/internal/wowmax"
)

const (
	testKey      = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testETHPrice = 2000.0
)

var weth = common.HexToAddress("0xe5D7C2a44FfDDf6b295A15c148167daaAf5Cf34f")

func ether(v float64) *big.Int { return amount.Ether(v).Wei() }

// world is a minimal model of the Linea contracts the adapters touch.
type world struct {
	t     *testing.T
	fake  *rpctest.Fake
	abis  *contracts.ABISource
	owner common.Address

	mu         sync.Mutex
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[[3]common.Address]*big.Int

	// router getReserves(token, weth) answers
	routerReserves map[common.Address][2]*big.Int
	// pair getReserves() and totalSupply answers
	pairReserves map[common.Address][2]*big.Int
	pairSupply   map[common.Address]*big.Int

	// tokensPerETH credited on a swap from native to swapTo
	swapRate *big.Int
	swapTo   contracts.Descriptor
}

type fakeFunder struct {
	w     *world
	calls []decimal.Decimal
}

func (f *fakeFunder) Fund(_ context.Context, to common.Address, ether decimal.Decimal) error {
	f.calls = append(f.calls, ether)
	cur := f.w.fake.Balance(to)
	f.w.fake.SetBalance(to, cur.Add(cur, amount.FromDecimal(ether, 18).Wei()))
	return nil
}

type fakeQuoter struct {
	calls []quoteCall
}

type quoteCall struct {
	from, to contracts.Descriptor
	amount   decimal.Decimal
}

func (q *fakeQuoter) Quote(_ context.Context, from, to contracts.Descriptor, ether decimal.Decimal) (*wowmax.Quote, error) {
	q.calls = append(q.calls, quoteCall{from: from, to: to, amount: ether})
	return &wowmax.Quote{Data: []byte{0x12, 0x34, 0x56, 0x78}}, nil
}

func newWorld(t *testing.T) (*world, *chain.Client) {
	t.Helper()
	acc, err := account.NewAccountFromHex(3, testKey)
	require.NoError(t, err)

	w := &world{
		t:              t,
		fake:           rpctest.New(contracts.ChainID),
		abis:           contracts.NewABISource(""),
		owner:          acc.Address,
		balances:       make(map[common.Address]map[common.Address]*big.Int),
		allowances:     make(map[[3]common.Address]*big.Int),
		routerReserves: make(map[common.Address][2]*big.Int),
		pairReserves:   make(map[common.Address][2]*big.Int),
		pairSupply:     make(map[common.Address]*big.Int),
	}
	w.install()

	c := chain.New(acc, chain.Config{
		RPC:                 w.fake,
		ABIs:                w.abis,
		ReceiptPollInterval: time.Millisecond,
		MinBalance:          jitter.Range{Min: 0.001, Max: 0.002},
		Rand:                jitter.Seeded(7),
	})
	return w, c
}

func (w *world) abi(name string) *abi.ABI {
	parsed, err := w.abis.Load(name)
	require.NoError(w.t, err)
	return parsed
}

func (w *world) setToken(token contracts.Descriptor, owner common.Address, wei *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[token.Address] == nil {
		w.balances[token.Address] = make(map[common.Address]*big.Int)
	}
	w.balances[token.Address][owner] = new(big.Int).Set(wei)
}

func (w *world) token(token contracts.Descriptor, owner common.Address) *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if b := w.balances[token.Address][owner]; b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (w *world) credit(token common.Address, owner common.Address, wei *big.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[token] == nil {
		w.balances[token] = make(map[common.Address]*big.Int)
	}
	cur := w.balances[token][owner]
	if cur == nil {
		cur = new(big.Int)
	}
	w.balances[token][owner] = new(big.Int).Add(cur, wei)
}

func (w *world) install() {
	erc20 := []contracts.Descriptor{
		contracts.ZERO, contracts.NILE, contracts.ZeroETH, contracts.ZeroLPVoting,
		contracts.LPZeroWETH, contracts.LPNileWETH,
	}
	for _, d := range erc20 {
		d := d
		parsed := w.abi(d.ABIName())
		w.fake.Handle(d.Address, parsed, "balanceOf", func(_ common.Address, args []interface{}) ([]interface{}, error) {
			return []interface{}{w.token(d, args[0].(common.Address))}, nil
		})
		w.fake.Handle(d.Address, parsed, "allowance", func(_ common.Address, args []interface{}) ([]interface{}, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			a := w.allowances[[3]common.Address{d.Address, args[0].(common.Address), args[1].(common.Address)}]
			if a == nil {
				a = new(big.Int)
			}
			return []interface{}{a}, nil
		})
	}

	router := w.abi(contracts.ABINileRouter)
	w.fake.Handle(contracts.NileRouter.Address, router, "weth", func(common.Address, []interface{}) ([]interface{}, error) {
		return []interface{}{weth}, nil
	})
	w.fake.Handle(contracts.NileRouter.Address, router, "getReserves", func(_ common.Address, args []interface{}) ([]interface{}, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		r := w.routerReserves[args[0].(common.Address)]
		if r[0] == nil {
			return []interface{}{new(big.Int), new(big.Int)}, nil
		}
		return []interface{}{r[0], r[1]}, nil
	})

	pair := w.abi(contracts.ABINilePair)
	for _, lp := range []contracts.Descriptor{contracts.LPZeroWETH, contracts.LPNileWETH} {
		lp := lp
		w.fake.Handle(lp.Address, pair, "getReserves", func(common.Address, []interface{}) ([]interface{}, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			r := w.pairReserves[lp.Address]
			if r[0] == nil {
				r = [2]*big.Int{new(big.Int), new(big.Int)}
			}
			return []interface{}{r[0], r[1], big.NewInt(0)}, nil
		})
		w.fake.Handle(lp.Address, pair, "totalSupply", func(common.Address, []interface{}) ([]interface{}, error) {
			w.mu.Lock()
			defer w.mu.Unlock()
			s := w.pairSupply[lp.Address]
			if s == nil {
				s = new(big.Int)
			}
			return []interface{}{s}, nil
		})
	}

	w.fake.OnSend = w.apply
}

// apply mirrors the state changes of the transactions under test.
func (w *world) apply(tx *types.Transaction, from common.Address) error {
	to := *tx.To()
	data := tx.Data()
	if len(data) < 4 {
		return nil
	}

	tokenABI := w.abi(contracts.ABIToken)
	if m, err := tokenABI.MethodById(data[:4]); err == nil && m.Name == "approve" {
		args, err := m.Inputs.Unpack(data[4:])
		if err != nil {
			return err
		}
		w.mu.Lock()
		w.allowances[[3]common.Address{to, from, args[0].(common.Address)}] = args[1].(*big.Int)
		w.mu.Unlock()
		return nil
	}

	switch to {
	case contracts.WowmaxRouter.Address:
		if tx.Value().Sign() > 0 && w.swapRate != nil {
			w.credit(w.swapTo.Address, from, new(big.Int).Mul(tx.Value(), w.swapRate))
		}
	case contracts.Zerolend.Address:
		name, args, err := rpctest.DecodeSent(w.abi(contracts.ABIZerolend), tx)
		if err != nil {
			return err
		}
		switch name {
		case "depositETH":
			w.credit(contracts.ZeroETH.Address, from, tx.Value())
		case "withdrawETH":
			w.credit(contracts.ZeroETH.Address, from, new(big.Int).Neg(args[1].(*big.Int)))
		}
	case contracts.NileRouter.Address:
		name, args, err := rpctest.DecodeSent(w.abi(contracts.ABINileRouter), tx)
		if err != nil {
			return err
		}
		if name == "addLiquidityETH" {
			lp, _ := contracts.PairedLP(contracts.Descriptor{Address: args[0].(common.Address)})
			w.credit(lp.Address, from, ether(1))
		}
	case contracts.NileLockerLP.Address:
		w.credit(contracts.ZeroLPVoting.Address, from, big.NewInt(1))
	}
	return nil
}

// sentTo returns submitted transactions addressed to addr.
func (w *world) sentTo(addr common.Address) []*types.Transaction {
	var out []*types.Transaction
	for _, tx := range w.fake.Sent() {
		if *tx.To() == addr {
			out = append(out, tx)
		}
	}
	return out
}
