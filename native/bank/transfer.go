package bank

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	cloneerr "cloneprotocol/core/errors"
)

const addressHexLength = common.AddressLength * 2

var (
	balancePrefix = []byte("bank/balance/")
	supplyPrefix  = []byte("bank/supply/")
)

// Store is the slice of the state manager the ledger needs.
type Store interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Ledger tracks token balances and supplies for every mint the protocol
// touches. Amounts are raw integer units at each mint's scale.
type Ledger struct {
	store Store
}

// NewLedger binds a ledger to the supplied store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// ParseAddress normalises and validates an account or mint expressed as a
// hex string.
func ParseAddress(ref string) (common.Address, error) {
	var addr common.Address
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return addr, fmt.Errorf("bank: address required")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	if len(trimmed) != addressHexLength {
		return addr, fmt.Errorf("bank: address must be %d bytes (got %d hex chars)", common.AddressLength, len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("bank: decode address: %w", err)
	}
	copy(addr[:], decoded)
	return addr, nil
}

func balanceKey(mint, owner common.Address) []byte {
	key := make([]byte, 0, len(balancePrefix)+2*common.AddressLength)
	key = append(key, balancePrefix...)
	key = append(key, mint.Bytes()...)
	return append(key, owner.Bytes()...)
}

func supplyKey(mint common.Address) []byte {
	return append(append([]byte{}, supplyPrefix...), mint.Bytes()...)
}

func (l *Ledger) read(key []byte) (*uint256.Int, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("bank: ledger not configured")
	}
	value := new(uint256.Int)
	ok, err := l.store.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return value, nil
}

func (l *Ledger) write(key []byte, value *uint256.Int) error {
	if value.IsZero() {
		return l.store.KVDelete(key)
	}
	return l.store.KVPut(key, value)
}

// Balance returns the owner's balance of mint.
func (l *Ledger) Balance(mint, owner common.Address) (*uint256.Int, error) {
	return l.read(balanceKey(mint, owner))
}

// Supply returns the outstanding supply of mint.
func (l *Ledger) Supply(mint common.Address) (*uint256.Int, error) {
	return l.read(supplyKey(mint))
}

func requireAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return cloneerr.Wrap(cloneerr.ErrInvalidTokenAmount, "token amount must be positive")
	}
	return nil
}

// Mint credits to with amount and grows the supply.
func (l *Ledger) Mint(mint, to common.Address, amount *uint256.Int) error {
	if err := requireAmount(amount); err != nil {
		return err
	}
	supply, err := l.Supply(mint)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return cloneerr.Wrap(cloneerr.ErrCheckedMath, "supply overflow for %s", mint.Hex())
	}
	if err := l.credit(mint, to, amount); err != nil {
		return err
	}
	return l.write(supplyKey(mint), next)
}

// Burn debits from by amount and shrinks the supply.
func (l *Ledger) Burn(mint, from common.Address, amount *uint256.Int) error {
	if err := requireAmount(amount); err != nil {
		return err
	}
	if err := l.debit(mint, from, amount); err != nil {
		return err
	}
	supply, err := l.Supply(mint)
	if err != nil {
		return err
	}
	if supply.Lt(amount) {
		return cloneerr.Wrap(cloneerr.ErrCheckedMath, "supply underflow for %s", mint.Hex())
	}
	return l.write(supplyKey(mint), new(uint256.Int).Sub(supply, amount))
}

// Transfer moves amount of mint between accounts.
func (l *Ledger) Transfer(mint, from, to common.Address, amount *uint256.Int) error {
	if err := requireAmount(amount); err != nil {
		return err
	}
	if from == to {
		balance, err := l.Balance(mint, from)
		if err != nil {
			return err
		}
		if balance.Lt(amount) {
			return insufficient(mint, from, balance, amount)
		}
		return nil
	}
	if err := l.debit(mint, from, amount); err != nil {
		return err
	}
	return l.credit(mint, to, amount)
}

func (l *Ledger) credit(mint, to common.Address, amount *uint256.Int) error {
	balance, err := l.Balance(mint, to)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return cloneerr.Wrap(cloneerr.ErrCheckedMath, "balance overflow for %s", to.Hex())
	}
	return l.write(balanceKey(mint, to), next)
}

func (l *Ledger) debit(mint, from common.Address, amount *uint256.Int) error {
	balance, err := l.Balance(mint, from)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return insufficient(mint, from, balance, amount)
	}
	return l.write(balanceKey(mint, from), new(uint256.Int).Sub(balance, amount))
}

func insufficient(mint, owner common.Address, have, want *uint256.Int) error {
	return cloneerr.Wrap(cloneerr.ErrInvalidTokenAccountBalance, "%s holds %s of %s, needs %s",
		owner.Hex(), have.Dec(), mint.Hex(), want.Dec())
}
