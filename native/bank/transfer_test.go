package bank

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/core/state"
	"cloneprotocol/storage"
)

var (
	mint  = common.HexToAddress("0xa1")
	alice = common.HexToAddress("0x11")
	bob   = common.HexToAddress("0x22")
)

func newLedger() (*Ledger, *state.Manager) {
	manager := state.NewManager(storage.NewMemDB())
	return NewLedger(manager), manager
}

func TestMintBurnTransfer(t *testing.T) {
	ledger, manager := newLedger()
	require.NoError(t, ledger.Mint(mint, alice, uint256.NewInt(1_000)))
	require.NoError(t, ledger.Transfer(mint, alice, bob, uint256.NewInt(400)))
	require.NoError(t, ledger.Burn(mint, bob, uint256.NewInt(100)))
	require.NoError(t, manager.Commit())

	balance, err := ledger.Balance(mint, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(600), balance.Uint64())
	balance, err = ledger.Balance(mint, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(300), balance.Uint64())
	supply, err := ledger.Supply(mint)
	require.NoError(t, err)
	require.Equal(t, uint64(900), supply.Uint64())
}

func TestInsufficientBalance(t *testing.T) {
	ledger, _ := newLedger()
	require.NoError(t, ledger.Mint(mint, alice, uint256.NewInt(10)))

	err := ledger.Transfer(mint, alice, bob, uint256.NewInt(11))
	require.ErrorIs(t, err, cloneerr.ErrInvalidTokenAccountBalance)
	err = ledger.Burn(mint, bob, uint256.NewInt(1))
	require.ErrorIs(t, err, cloneerr.ErrInvalidTokenAccountBalance)
	err = ledger.Transfer(mint, alice, alice, uint256.NewInt(11))
	require.ErrorIs(t, err, cloneerr.ErrInvalidTokenAccountBalance)

	require.ErrorIs(t, ledger.Mint(mint, alice, new(uint256.Int)), cloneerr.ErrInvalidTokenAmount)
}

func TestDiscardRevertsLedger(t *testing.T) {
	ledger, manager := newLedger()
	require.NoError(t, ledger.Mint(mint, alice, uint256.NewInt(5)))
	require.NoError(t, manager.Commit())

	require.NoError(t, ledger.Transfer(mint, alice, bob, uint256.NewInt(5)))
	manager.Discard()

	balance, err := ledger.Balance(mint, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(5), balance.Uint64())
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("  0x00000000000000000000000000000000000000a1 ")
	require.NoError(t, err)
	require.Equal(t, mint, addr)

	for _, bad := range []string{"", "0x1234", "zz000000000000000000000000000000000000a1"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
