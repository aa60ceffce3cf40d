package clone

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clone.toml")
	body := `
Admin = "0x00000000000000000000000000000000000000ad"
Treasury = "0x000000000000000000000000000000000000007e"
CometCollateralIldLiquidatorFeeBps = 250
CometOnassetIldLiquidatorFeeBps = 400
LiquidationDiscountRateBps = 500
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint16(250), cfg.CometCollateralILDLiquidatorFeeBps)
	require.Equal(t, uint64(DefaultMaxHealthLiquidation), cfg.MaxHealthLiquidation)
	require.Equal(t, uint64(DefaultMaxOwnershipPct), cfg.MaxOwnershipPct)

	params, err := cfg.Parameters()
	require.NoError(t, err)
	require.Equal(t, admin, params.Admin)
	require.Equal(t, "20", params.MaxHealth().String())
	require.Equal(t, "1.00", params.MaxOwnership().String())
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.EnsureDefaults()
	require.NoError(t, cfg.Validate())

	bad := cfg.Clone()
	bad.Admin = ""
	bad.CometOnassetILDLiquidatorFeeBps = 10_000
	bad.MaxOwnershipPct = 101
	err := bad.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "Admin")
	require.Contains(t, err.Error(), "CometOnassetIldLiquidatorFeeBps")
	require.Contains(t, err.Error(), "MaxOwnershipPct")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
