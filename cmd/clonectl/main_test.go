package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const genesis = `
Oracles = ["0x00000000000000000000000000000000000000f0"]

[Parameters]
Admin = "0x00000000000000000000000000000000000000ad"
Treasury = "0x000000000000000000000000000000000000007e"

[[Collaterals]]
Mint = "0x00000000000000000000000000000000000000a0"
Scale = 6
CollateralizationRatio = "1"

[[Pools]]
OnassetMint = "0x00000000000000000000000000000000000000b0"
TreasuryTradingFeeBps = 20
LiquidityTradingFeeBps = 30
IlHealthScoreCoefficient = "1"
PositionHealthScoreCoefficient = "5"
`

func TestInitThenInspect(t *testing.T) {
	dir := t.TempDir()
	genesisPath := filepath.Join(dir, "genesis.toml")
	require.NoError(t, os.WriteFile(genesisPath, []byte(genesis), 0o600))
	data := filepath.Join(dir, "clone.db")
	storeArgs := []string{"-backend", "bolt", "-data", data}

	var out bytes.Buffer
	require.NoError(t, runInit(append(storeArgs, "-genesis", genesisPath), &out))
	require.Contains(t, out.String(), "1 oracles, 1 collaterals and 1 pools")

	err := runInit(append(storeArgs, "-genesis", genesisPath), &out)
	require.ErrorContains(t, err, "already initialized")

	out.Reset()
	require.NoError(t, runInspect(append(storeArgs, "pools"), &out))
	require.Contains(t, strings.ToLower(out.String()), "0x00000000000000000000000000000000000000b0")

	out.Reset()
	require.NoError(t, runInspect(append(storeArgs, "parameters"), &out))
	require.Contains(t, strings.ToLower(out.String()), "0x00000000000000000000000000000000000000ad")

	err = runInspect(append(storeArgs, "user", "0x0000000000000000000000000000000000000011"), &out)
	require.ErrorContains(t, err, "not initialized")
	require.Error(t, runInspect(append(storeArgs, "user", "nope"), &out))
	require.Error(t, runInspect(append(storeArgs, "widgets"), &out))
	require.Error(t, runInspect(storeArgs, &out))
}
