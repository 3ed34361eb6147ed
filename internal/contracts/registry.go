// Package contracts holds the static table of Linea tokens and protocol
// contracts the runner talks to, plus the ABI files that describe them.
package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID is Linea mainnet.
const ChainID = 59144

// ABI identifiers. Each names a JSON file under abis/.
const (
	ABIToken        = "token"
	ABINileRouter   = "nile_router"
	ABINilePair     = "nile_pair"
	ABINileLockerLP = "nile_locker_lp"
	ABIZerolend     = "zerolend"
)

// NativeSentinel is the address string used for the chain's gas token.
const NativeSentinel = "native"

// Descriptor identifies a token or contract. Two descriptors are equal when
// their addresses are equal.
type Descriptor struct {
	Name    string
	Address common.Address
	Native  bool
	ABI     string
}

// Key returns the identity used for equality and map lookups.
func (d Descriptor) Key() string {
	if d.Native {
		return NativeSentinel
	}
	return strings.ToLower(d.Address.Hex())
}

// Equal compares descriptors by address.
func (d Descriptor) Equal(o Descriptor) bool { return d.Key() == o.Key() }

// ABIName returns the ABI identifier, defaulting to the ERC-20 token ABI.
func (d Descriptor) ABIName() string {
	if d.ABI == "" {
		return ABIToken
	}
	return d.ABI
}

// QuoteSymbol is how the swap API refers to this asset.
func (d Descriptor) QuoteSymbol() string {
	if d.Native {
		return "ETH"
	}
	return d.Address.Hex()
}

func (d Descriptor) String() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Native {
		return NativeSentinel
	}
	return d.Address.Hex()
}

func token(name, addr string) Descriptor {
	return Descriptor{Name: name, Address: common.HexToAddress(addr), ABI: ABIToken}
}

func contract(name, addr, abiName string) Descriptor {
	return Descriptor{Name: name, Address: common.HexToAddress(addr), ABI: abiName}
}

// Tokens.
var (
	ETH          = Descriptor{Name: "ETH", Native: true}
	ZERO         = token("ZERO", "0x78354f8DcCB269a615A7e0a24f9B0718FDC3C7A7")
	NILE         = token("NILE", "0xAAAac83751090C6ea42379626435f805DDF54DC8")
	LPZeroWETH   = contract("LP_ZERO_WETH", "0x0040F36784dDA0821E74BA67f86E084D70d67a3A", ABINilePair)
	LPNileWETH   = contract("LP_NILE_WETH", "0xFC6A4cd4007C3d24D37114d81A801a56F9536625", ABINilePair)
	ZeroETH      = token("ZERO_ETH", "0xb4ffef15daf4c02787bc5332580b838ce39805f5")
	ZeroLPVoting = token("ZERO_LP_VOTING", "0x0374ae8e866723ADAE4A62DcE376129F292369b4")
)

// Protocol contracts.
var (
	WowmaxRouter = contract("wowmax_router", "0x9773e6C011e6CF919904b2F99DDc66e616611269", "")
	NileRouter   = contract("nile_router", "0xaaa45c8f5ef92a000a121d102f4e89278a711faa", ABINileRouter)
	NilePair     = contract("nile_pair", "0x0040F36784dDA0821E74BA67f86E084D70d67a3A", ABINilePair)
	NileLockerLP = contract("nile_locker_lp", "0x8bb8b092f3f872a887f377f73719c665dd20ab06", ABINileLockerLP)
	Zerolend     = contract("zerolend", "0x5d50bE703836C330Fc2d147a631CDd7bb8D7171c", ABIZerolend)
	ZerolendPool = contract("zerolend_pool", "0x2f9bB73a8e98793e26Cb2F6C4ad037BDf1C6B269", "")
)

// Tokens enumerates every known token.
var Tokens = []Descriptor{ETH, ZERO, NILE, LPZeroWETH, LPNileWETH, ZeroETH, ZeroLPVoting}

// Contracts enumerates every known protocol contract.
var Contracts = []Descriptor{WowmaxRouter, NileRouter, NilePair, NileLockerLP, Zerolend, ZerolendPool}

var lpPairs = map[string]Descriptor{
	ZERO.Key(): LPZeroWETH,
	NILE.Key(): LPNileWETH,
}

// PairedLP returns the Nile volatile-pool LP token for base.
func PairedLP(base Descriptor) (Descriptor, error) {
	lp, ok := lpPairs[base.Key()]
	if !ok {
		return Descriptor{}, fmt.Errorf("no liquidity pool registered for %s", base)
	}
	return lp, nil
}

// Lookup resolves a token or contract by name, case-insensitively.
func Lookup(name string) (Descriptor, bool) {
	for _, set := range [][]Descriptor{Tokens, Contracts} {
		for _, d := range set {
			if strings.EqualFold(d.Name, name) {
				return d, true
			}
		}
	}
	return Descriptor{}, false
}

// NameOf returns the registered token name for d, or its address.
func NameOf(d Descriptor) string {
	for _, t := range Tokens {
		if t.Equal(d) {
			return t.Name
		}
	}
	return d.String()
}
