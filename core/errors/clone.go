package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
)

// Error is a protocol failure with a stable name and numeric code. Codes are
// part of the wire contract and never change once assigned.
type Error struct {
	Name string
	Code uint32
	msg  string
}

func (e *Error) Error() string { return e.msg }

var byName = map[string]*Error{}

func define(code uint32, name, msg string) *Error {
	e := &Error{Name: name, Code: code, msg: msg}
	byName[name] = e
	return e
}

// Oracle and state freshness. Retryable once prices are refreshed.
var (
	ErrOutdatedOracle = define(6000, "OutdatedOracle", "clone: outdated oracle")
	ErrPoolEmpty      = define(6001, "PoolEmpty", "clone: pool empty")
)

// Status and input validation.
var (
	ErrPoolDeprecated             = define(6002, "PoolDeprecated", "clone: pool deprecated")
	ErrStatusPreventsAction       = define(6003, "StatusPreventsAction", "clone: status prevents action")
	ErrInvalidTokenAmount         = define(6004, "InvalidTokenAmount", "clone: invalid token amount")
	ErrInvalidTokenAccountBalance = define(6005, "InvalidTokenAccountBalance", "clone: invalid token account balance")
	ErrSlippageToleranceExceeded  = define(6006, "SlippageToleranceExceeded", "clone: slippage tolerance exceeded")
)

// Invariant preservation.
var (
	ErrInvalidMintCollateralRatio  = define(6007, "InvalidMintCollateralRatio", "clone: invalid mint collateral ratio")
	ErrHealthScoreTooLow           = define(6008, "HealthScoreTooLow", "clone: health score too low")
	ErrNotSubjectToLiquidation     = define(6009, "NotSubjectToLiquidation", "clone: not subject to liquidation")
	ErrLiquidationAmountTooLarge   = define(6010, "LiquidationAmountTooLarge", "clone: liquidation amount too large")
	ErrMaxPoolOwnershipExceeded    = define(6011, "MaxPoolOwnershipExceeded", "clone: max pool ownership exceeded")
	ErrRequireOnlyStableCollateral = define(6012, "RequireOnlyStableCollateral", "clone: require only stable collateral")
	ErrNonStablesNotSupported      = define(6013, "NonStablesNotSupported", "clone: non-stable collateral not supported")
	ErrInvalidInputPositionIndex   = define(6014, "InvalidInputPositionIndex", "clone: invalid input position index")
	ErrInvalidAccountLoaderOwner   = define(6015, "InvalidAccountLoaderOwner", "clone: invalid account loader owner")
)

// Math. These indicate a bug when they surface.
var (
	ErrCheckedMath       = define(6016, "CheckedMathError", "clone: checked math error")
	ErrIntTypeConversion = define(6017, "IntTypeConversionError", "clone: integer type conversion error")
)

// As returns the protocol error wrapped by err, if any.
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the stable numeric code for err or 0 when err carries none.
func CodeOf(err error) uint32 {
	if e, ok := As(err); ok {
		return e.Code
	}
	return 0
}

// NameOf returns the stable name for err or "" when err carries none.
func NameOf(err error) string {
	if e, ok := As(err); ok {
		return e.Name
	}
	return ""
}

// ByName resolves a taxonomy entry from its stable name.
func ByName(name string) (*Error, bool) {
	e, ok := byName[name]
	return e, ok
}

// Names lists every taxonomy name ordered by code.
func Names() []string {
	all := make([]*Error, 0, len(byName))
	for _, e := range byName {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })
	names := make([]string, len(all))
	for i, e := range all {
		names[i] = e.Name
	}
	return names
}

// Wrap annotates a taxonomy error with call-site detail while keeping it
// matchable through errors.Is.
func Wrap(e *Error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", e, fmt.Sprintf(format, args...))
}
