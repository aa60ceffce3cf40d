package clone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"cloneprotocol/native/bank"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/oracle"
	"cloneprotocol/native/registry"
)

// Genesis is the bootstrap document: parameters plus the initial registry.
// Collaterals reference oracles by their position in Oracles; a collateral
// without an oracle is stable.
type Genesis struct {
	Parameters  Config              `toml:"Parameters"`
	Oracles     []string            `toml:"Oracles"`
	Collaterals []GenesisCollateral `toml:"Collaterals"`
	Pools       []GenesisPool       `toml:"Pools"`
}

// GenesisCollateral lists one collateral. An empty Vault is derived from
// the mint.
type GenesisCollateral struct {
	Mint                   string        `toml:"Mint"`
	Vault                  string        `toml:"Vault"`
	Scale                  uint8         `toml:"Scale"`
	Oracle                 *uint64       `toml:"Oracle"`
	CollateralizationRatio fixed.Decimal `toml:"CollateralizationRatio"`
}

// GenesisPool lists one pool.
type GenesisPool struct {
	OnassetMint                    string        `toml:"OnassetMint"`
	Oracle                         uint64        `toml:"Oracle"`
	TreasuryTradingFeeBps          uint16        `toml:"TreasuryTradingFeeBps"`
	LiquidityTradingFeeBps         uint16        `toml:"LiquidityTradingFeeBps"`
	ILHealthScoreCoefficient       fixed.Decimal `toml:"IlHealthScoreCoefficient"`
	PositionHealthScoreCoefficient fixed.Decimal `toml:"PositionHealthScoreCoefficient"`
	StableCollateralRatio          fixed.Decimal `toml:"StableCollateralRatio"`
	UnderlyingMint                 string        `toml:"UnderlyingMint"`
	UnderlyingVault                string        `toml:"UnderlyingVault"`
	UnderlyingScale                uint8         `toml:"UnderlyingScale"`
	Status                         string        `toml:"Status"`
}

// LoadGenesis decodes a TOML genesis file.
func LoadGenesis(path string) (Genesis, error) {
	var g Genesis
	meta, err := toml.DecodeFile(strings.TrimSpace(path), &g)
	if err != nil {
		return Genesis{}, fmt.Errorf("clone: load genesis: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Genesis{}, fmt.Errorf("clone: load genesis: unknown keys %v", undecoded)
	}
	g.Parameters.EnsureDefaults()
	return g, nil
}

// DeriveVault returns the deterministic vault address for a mint.
func DeriveVault(mint common.Address) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("clone/vault"), mint.Bytes())[12:])
}

func optionalAddress(raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return bank.ParseAddress(raw)
}

func (g Genesis) collaterals() ([]registry.Collateral, error) {
	out := make([]registry.Collateral, 0, len(g.Collaterals))
	var errs []error
	for i, c := range g.Collaterals {
		mint, err := bank.ParseAddress(c.Mint)
		if err != nil {
			errs = append(errs, fmt.Errorf("Collaterals[%d].Mint: %w", i, err))
			continue
		}
		vault, err := optionalAddress(c.Vault)
		if err != nil {
			errs = append(errs, fmt.Errorf("Collaterals[%d].Vault: %w", i, err))
			continue
		}
		if vault == (common.Address{}) {
			vault = DeriveVault(mint)
		}
		oracleIndex := oracle.StableIndex
		if c.Oracle != nil {
			oracleIndex = *c.Oracle
		}
		out = append(out, registry.Collateral{
			Mint:                   mint,
			Vault:                  vault,
			Scale:                  c.Scale,
			OracleInfoIndex:        oracleIndex,
			CollateralizationRatio: c.CollateralizationRatio,
		})
	}
	return out, errors.Join(errs...)
}

func (g Genesis) pools() ([]registry.Pool, []registry.PoolStatus, error) {
	out := make([]registry.Pool, 0, len(g.Pools))
	statuses := make([]registry.PoolStatus, 0, len(g.Pools))
	var errs []error
	for i, p := range g.Pools {
		mint, err := bank.ParseAddress(p.OnassetMint)
		if err != nil {
			errs = append(errs, fmt.Errorf("Pools[%d].OnassetMint: %w", i, err))
			continue
		}
		underlying, err := optionalAddress(p.UnderlyingMint)
		if err != nil {
			errs = append(errs, fmt.Errorf("Pools[%d].UnderlyingMint: %w", i, err))
			continue
		}
		underlyingVault, err := optionalAddress(p.UnderlyingVault)
		if err != nil {
			errs = append(errs, fmt.Errorf("Pools[%d].UnderlyingVault: %w", i, err))
			continue
		}
		if underlying != (common.Address{}) && underlyingVault == (common.Address{}) {
			underlyingVault = DeriveVault(underlying)
		}
		status := registry.StatusActive
		if strings.TrimSpace(p.Status) != "" {
			if status, err = registry.ParseStatus(p.Status); err != nil {
				errs = append(errs, fmt.Errorf("Pools[%d].Status: %w", i, err))
				continue
			}
		}
		out = append(out, registry.Pool{
			TreasuryTradingFeeBps:  p.TreasuryTradingFeeBps,
			LiquidityTradingFeeBps: p.LiquidityTradingFeeBps,
			AssetInfo: registry.AssetInfo{
				OnassetMint:                    mint,
				OracleInfoIndex:                p.Oracle,
				ILHealthScoreCoefficient:       p.ILHealthScoreCoefficient,
				PositionHealthScoreCoefficient: p.PositionHealthScoreCoefficient,
				StableCollateralRatio:          p.StableCollateralRatio,
				UnderlyingMint:                 underlying,
				UnderlyingVault:                underlyingVault,
				UnderlyingScale:                p.UnderlyingScale,
			},
		})
		statuses = append(statuses, status)
	}
	return out, statuses, errors.Join(errs...)
}

// ApplyGenesis initializes the protocol and its registry in one atomic
// operation. It fails if the protocol is already initialized.
func (e *Engine) ApplyGenesis(g Genesis) error {
	params, err := g.Parameters.Parameters()
	if err != nil {
		return err
	}
	collaterals, err := g.collaterals()
	if err != nil {
		return err
	}
	pools, statuses, err := g.pools()
	if err != nil {
		return err
	}
	return e.execute("genesis", params.Admin, func(tx *txn) error {
		if _, err := loadParameters(e.state); err == nil {
			return errAlreadyInitialized
		} else if !errors.Is(err, ErrNotInitialized) {
			return err
		}
		td := &registry.TokenData{}
		for i, raw := range g.Oracles {
			feed, err := bank.ParseAddress(raw)
			if err != nil {
				return fmt.Errorf("Oracles[%d]: %w", i, err)
			}
			if _, err := td.AddOracle(feed); err != nil {
				return fmt.Errorf("Oracles[%d]: %w", i, err)
			}
		}
		for i, c := range collaterals {
			if _, err := td.AddCollateral(c); err != nil {
				return fmt.Errorf("Collaterals[%d]: %w", i, err)
			}
		}
		for i, p := range pools {
			if _, _, exists := td.PoolByMint(p.AssetInfo.OnassetMint); exists {
				return fmt.Errorf("Pools[%d]: onAsset mint %s listed twice", i, p.AssetInfo.OnassetMint.Hex())
			}
			index, err := td.AddPool(p)
			if err != nil {
				return fmt.Errorf("Pools[%d]: %w", i, err)
			}
			td.Pools[index].Status = statuses[i]
		}
		tx.params = &params
		tx.paramsDirty = true
		tx.td = td
		tx.tdDirty = true
		return nil
	})
}
