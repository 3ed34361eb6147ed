// Package rpctest provides an in-memory chain that satisfies rpc.Client for
// tests. Contract reads are answered by per-method handlers and every signed
// transaction is decoded and recorded.
package rpctest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/questrunner/internal/rpc"
)

// MethodFunc answers a contract read. It receives the decoded arguments and
// returns the output values in ABI order.
type MethodFunc func(from common.Address, args []interface{}) ([]interface{}, error)

// SendFunc is invoked for every submitted transaction after it is recorded.
// Returning an error makes the receipt report failure.
type SendFunc func(tx *types.Transaction, from common.Address) error

type handlerKey struct {
	to       common.Address
	selector [4]byte
}

type handler struct {
	method abi.Method
	fn     MethodFunc
}

// Fake is an in-memory rpc.Client.
type Fake struct {
	mu sync.Mutex

	chainID  *big.Int
	nonces   map[common.Address]uint64
	balances map[common.Address]*big.Int
	handlers map[handlerKey]handler
	receipts map[string]*rpc.TransactionReceipt

	// Rewards is returned as the eth_feeHistory reward matrix.
	Rewards [][]*big.Int
	// Gas is the eth_estimateGas answer.
	Gas uint64
	// EstimateErr, when set, fails every gas estimation.
	EstimateErr error
	// OnSend applies side effects of submitted transactions.
	OnSend SendFunc

	sent     []*types.Transaction
	methods  map[string]int
	percents [][]float64
}

var _ rpc.Client = (*Fake)(nil)

// New returns an empty chain with the given id.
func New(chainID int64) *Fake {
	return &Fake{
		chainID:  big.NewInt(chainID),
		nonces:   make(map[common.Address]uint64),
		balances: make(map[common.Address]*big.Int),
		handlers: make(map[handlerKey]handler),
		receipts: make(map[string]*rpc.TransactionReceipt),
		methods:  make(map[string]int),
		Gas:      100_000,
	}
}

// SetBalance sets the native balance of addr.
func (f *Fake) SetBalance(addr common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = new(big.Int).Set(wei)
}

// Balance returns the native balance of addr.
func (f *Fake) Balance(addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Handle registers fn as the answer for calls to method on contract to.
func (f *Fake) Handle(to common.Address, contractABI *abi.ABI, method string, fn MethodFunc) {
	m, ok := contractABI.Methods[method]
	if !ok {
		panic(fmt.Sprintf("rpctest: abi has no method %q", method))
	}
	var sel [4]byte
	copy(sel[:], m.ID)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[handlerKey{to: to, selector: sel}] = handler{method: m, fn: fn}
}

// Sent returns every submitted transaction in order.
func (f *Fake) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// MethodCalls returns how many times an RPC method was invoked.
func (f *Fake) MethodCalls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.methods[method]
}

// FeeHistoryPercentiles returns the percentile arguments seen so far.
func (f *Fake) FeeHistoryPercentiles() [][]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]float64(nil), f.percents...)
}

func (f *Fake) count(method string) {
	f.mu.Lock()
	f.methods[method]++
	f.mu.Unlock()
}

// Call is not supported for raw methods; typed helpers cover the surface in use.
func (f *Fake) Call(_ context.Context, method string, _ []interface{}) (json.RawMessage, error) {
	f.count(method)
	return nil, fmt.Errorf("rpctest: raw call %s not supported", method)
}

func (f *Fake) ChainID(context.Context) (*big.Int, error) {
	f.count("eth_chainId")
	return new(big.Int).Set(f.chainID), nil
}

func (f *Fake) GetNonce(_ context.Context, address string) (uint64, error) {
	f.count("eth_getTransactionCount")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[common.HexToAddress(address)], nil
}

func (f *Fake) GetBalance(_ context.Context, address string) (*big.Int, error) {
	f.count("eth_getBalance")
	return f.Balance(common.HexToAddress(address)), nil
}

func (f *Fake) FeeHistory(_ context.Context, blockCount uint64, percentiles []float64) (*rpc.FeeHistory, error) {
	f.count("eth_feeHistory")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.percents = append(f.percents, percentiles)

	h := &rpc.FeeHistory{}
	for i := uint64(0); i < blockCount && i < uint64(len(f.Rewards)); i++ {
		h.Reward = append(h.Reward, f.Rewards[i])
	}
	return h, nil
}

func (f *Fake) EstimateGas(context.Context, rpc.CallMsg) (uint64, error) {
	f.count("eth_estimateGas")
	if f.EstimateErr != nil {
		return 0, f.EstimateErr
	}
	return f.Gas, nil
}

func (f *Fake) EthCall(_ context.Context, msg rpc.CallMsg) ([]byte, error) {
	f.count("eth_call")
	if len(msg.Data) < 4 {
		return nil, errors.New("rpctest: call data too short")
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])

	f.mu.Lock()
	h, ok := f.handlers[handlerKey{to: common.HexToAddress(msg.To), selector: sel}]
	f.mu.Unlock()
	if !ok {
		return nil, &rpc.RPCError{Code: 3, Message: fmt.Sprintf("execution reverted: no handler for %s %x", msg.To, sel)}
	}

	args, err := h.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("rpctest: unpack %s: %w", h.method.Name, err)
	}
	out, err := h.fn(common.HexToAddress(msg.From), args)
	if err != nil {
		return nil, err
	}
	return h.method.Outputs.Pack(out...)
}

func (f *Fake) SendRawTransaction(_ context.Context, txRLP []byte) (string, error) {
	f.count("eth_sendRawTransaction")

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(txRLP); err != nil {
		return "", fmt.Errorf("rpctest: decode tx: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return "", fmt.Errorf("rpctest: recover sender: %w", err)
	}

	f.mu.Lock()
	if tx.Nonce() != f.nonces[from] {
		f.mu.Unlock()
		return "", &rpc.RPCError{Code: -32000, Message: "nonce too low"}
	}
	f.nonces[from]++
	f.sent = append(f.sent, tx)
	onSend := f.OnSend
	f.mu.Unlock()

	status := uint64(1)
	if onSend != nil {
		if err := onSend(tx, from); err != nil {
			status = 0
		}
	}

	hash := tx.Hash().Hex()
	f.mu.Lock()
	f.receipts[hash] = &rpc.TransactionReceipt{TxHash: hash, Status: status, GasUsed: tx.Gas(), BlockNumber: uint64(len(f.sent))}
	f.mu.Unlock()
	return hash, nil
}

func (f *Fake) GetTransactionReceipt(_ context.Context, txHash string) (*rpc.TransactionReceipt, error) {
	f.count("eth_getTransactionReceipt")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[txHash], nil
}

// DecodeSent returns the method name and arguments of a recorded call to a
// contract described by contractABI.
func DecodeSent(contractABI *abi.ABI, tx *types.Transaction) (string, []interface{}, error) {
	data := tx.Data()
	if len(data) < 4 {
		return "", nil, errors.New("rpctest: no call data")
	}
	m, err := contractABI.MethodById(data[:4])
	if err != nil {
		return "", nil, err
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, err
	}
	return m.Name, args, nil
}
