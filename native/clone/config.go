package clone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"cloneprotocol/native/bank"
	"cloneprotocol/native/fixed"
)

const bpsDenominator = 10_000

// Config captures the protocol parameters as loaded from TOML.
type Config struct {
	Admin                              string `toml:"Admin"`
	Treasury                           string `toml:"Treasury"`
	CometCollateralILDLiquidatorFeeBps uint16 `toml:"CometCollateralIldLiquidatorFeeBps"`
	CometOnassetILDLiquidatorFeeBps    uint16 `toml:"CometOnassetIldLiquidatorFeeBps"`
	MaxHealthLiquidation               uint64 `toml:"MaxHealthLiquidation"`
	LiquidationDiscountRateBps         uint16 `toml:"LiquidationDiscountRateBps"`
	MaxOwnershipPct                    uint64 `toml:"MaxOwnershipPct"`
}

// Default values applied by EnsureDefaults.
const (
	DefaultMaxHealthLiquidation = 20
	DefaultMaxOwnershipPct      = 100
)

// EnsureDefaults fills unset limits.
func (c *Config) EnsureDefaults() {
	if c.MaxHealthLiquidation == 0 {
		c.MaxHealthLiquidation = DefaultMaxHealthLiquidation
	}
	if c.MaxOwnershipPct == 0 {
		c.MaxOwnershipPct = DefaultMaxOwnershipPct
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	var errs []error
	if _, err := bank.ParseAddress(c.Admin); err != nil {
		errs = append(errs, fmt.Errorf("Admin: %w", err))
	}
	if _, err := bank.ParseAddress(c.Treasury); err != nil {
		errs = append(errs, fmt.Errorf("Treasury: %w", err))
	}
	for name, bps := range map[string]uint16{
		"CometCollateralIldLiquidatorFeeBps": c.CometCollateralILDLiquidatorFeeBps,
		"CometOnassetIldLiquidatorFeeBps":    c.CometOnassetILDLiquidatorFeeBps,
		"LiquidationDiscountRateBps":         c.LiquidationDiscountRateBps,
	} {
		if bps >= bpsDenominator {
			errs = append(errs, fmt.Errorf("%s must be below %d", name, bpsDenominator))
		}
	}
	if c.MaxHealthLiquidation > 100 {
		errs = append(errs, fmt.Errorf("MaxHealthLiquidation must not exceed 100"))
	}
	if c.MaxOwnershipPct > 100 {
		errs = append(errs, fmt.Errorf("MaxOwnershipPct must not exceed 100"))
	}
	return errors.Join(errs...)
}

// Clone returns a copy of the configuration.
func (c Config) Clone() Config { return c }

// Parameters converts a validated configuration into the stored record.
func (c Config) Parameters() (Parameters, error) {
	c.EnsureDefaults()
	if err := c.Validate(); err != nil {
		return Parameters{}, err
	}
	admin, _ := bank.ParseAddress(c.Admin)
	treasury, _ := bank.ParseAddress(c.Treasury)
	return Parameters{
		Admin:                              admin,
		Treasury:                           treasury,
		CometCollateralILDLiquidatorFeeBps: c.CometCollateralILDLiquidatorFeeBps,
		CometOnassetILDLiquidatorFeeBps:    c.CometOnassetILDLiquidatorFeeBps,
		MaxHealthLiquidation:               c.MaxHealthLiquidation,
		LiquidationDiscountRateBps:         c.LiquidationDiscountRateBps,
		MaxOwnershipPct:                    c.MaxOwnershipPct,
	}, nil
}

// LoadConfig decodes a TOML parameter file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(strings.TrimSpace(path), &cfg); err != nil {
		return Config{}, fmt.Errorf("clone: load config: %w", err)
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("clone: invalid config: %w", err)
	}
	return cfg, nil
}

// Parameters is the global protocol record.
type Parameters struct {
	Admin                              common.Address
	Treasury                           common.Address
	CometCollateralILDLiquidatorFeeBps uint16
	CometOnassetILDLiquidatorFeeBps    uint16
	MaxHealthLiquidation               uint64
	LiquidationDiscountRateBps         uint16
	MaxOwnershipPct                    uint64
	EventCounter                       uint64
}

// MaxHealth returns the liquidation ceiling as a score.
func (p Parameters) MaxHealth() fixed.Decimal {
	return fixed.NewFromUint64(p.MaxHealthLiquidation, 0)
}

// MaxOwnership returns the per-LP pool ownership bound as a ratio.
func (p Parameters) MaxOwnership() fixed.Decimal {
	return fixed.FromPCT(p.MaxOwnershipPct)
}

// ParametersUpdate carries the fields UpdateParameters may change. Nil
// fields are left untouched.
type ParametersUpdate struct {
	Admin                              *common.Address
	Treasury                           *common.Address
	CometCollateralILDLiquidatorFeeBps *uint16
	CometOnassetILDLiquidatorFeeBps    *uint16
	MaxHealthLiquidation               *uint64
	LiquidationDiscountRateBps         *uint16
	MaxOwnershipPct                    *uint64
}

func (u ParametersUpdate) apply(p *Parameters) error {
	next := *p
	if u.Admin != nil {
		next.Admin = *u.Admin
	}
	if u.Treasury != nil {
		next.Treasury = *u.Treasury
	}
	if u.CometCollateralILDLiquidatorFeeBps != nil {
		next.CometCollateralILDLiquidatorFeeBps = *u.CometCollateralILDLiquidatorFeeBps
	}
	if u.CometOnassetILDLiquidatorFeeBps != nil {
		next.CometOnassetILDLiquidatorFeeBps = *u.CometOnassetILDLiquidatorFeeBps
	}
	if u.MaxHealthLiquidation != nil {
		next.MaxHealthLiquidation = *u.MaxHealthLiquidation
	}
	if u.LiquidationDiscountRateBps != nil {
		next.LiquidationDiscountRateBps = *u.LiquidationDiscountRateBps
	}
	if u.MaxOwnershipPct != nil {
		next.MaxOwnershipPct = *u.MaxOwnershipPct
	}
	cfg := Config{
		Admin:                              next.Admin.Hex(),
		Treasury:                           next.Treasury.Hex(),
		CometCollateralILDLiquidatorFeeBps: next.CometCollateralILDLiquidatorFeeBps,
		CometOnassetILDLiquidatorFeeBps:    next.CometOnassetILDLiquidatorFeeBps,
		MaxHealthLiquidation:               next.MaxHealthLiquidation,
		LiquidationDiscountRateBps:         next.LiquidationDiscountRateBps,
		MaxOwnershipPct:                    next.MaxOwnershipPct,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	*p = next
	return nil
}
