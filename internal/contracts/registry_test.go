package contracts

import (
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairedLP(t *testing.T) {
	tests := []struct {
		name    string
		base    Descriptor
		want    Descriptor
		wantErr bool
	}{
		{name: "zero", base: ZERO, want: LPZeroWETH},
		{name: "nile", base: NILE, want: LPNileWETH},
		{name: "lowercase address still matches", base: Descriptor{Address: common.HexToAddress("0x78354f8dccb269a615a7e0a24f9b0718fdc3c7a7")}, want: LPZeroWETH},
		{name: "native has no pool", base: ETH, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PairedLP(tt.base)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want))
		})
	}
}

func TestDescriptorEquality(t *testing.T) {
	assert.True(t, NilePair.Equal(LPZeroWETH), "pair and LP token share an address")
	assert.False(t, ETH.Equal(Descriptor{}), "native sentinel differs from the zero address")
	assert.Equal(t, "ETH", ETH.QuoteSymbol())
	assert.Equal(t, ZERO.Address.Hex(), ZERO.QuoteSymbol())
	assert.Equal(t, ABIToken, ZerolendPool.ABIName())
}

func TestLookupAndNameOf(t *testing.T) {
	d, ok := Lookup("nile_router")
	require.True(t, ok)
	assert.Equal(t, NileRouter.Address, d.Address)

	_, ok = Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, "LP_ZERO_WETH", NameOf(NilePair))
}

func TestEmbeddedABIsLoad(t *testing.T) {
	src := NewABISource("")
	require.NoError(t, src.Preload())

	router, err := src.Load(ABINileRouter)
	require.NoError(t, err)
	for _, m := range []string{"weth", "getReserves", "addLiquidityETH", "removeLiquidityETH"} {
		_, ok := router.Methods[m]
		assert.True(t, ok, "nile_router missing %s", m)
	}

	again, err := src.Load(ABINileRouter)
	require.NoError(t, err)
	assert.Same(t, router, again)
}

func TestLoadConfigurationErrors(t *testing.T) {
	src := NewABISourceFS(fstest.MapFS{
		"broken.json": &fstest.MapFile{Data: []byte(`{not json`)},
	})

	_, err := src.Load("missing")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "missing", cfgErr.Name)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = src.Load("broken")
	require.ErrorAs(t, err, &cfgErr)

	_, err = src.Load("")
	assert.ErrorIs(t, err, ErrNoABI)
}
