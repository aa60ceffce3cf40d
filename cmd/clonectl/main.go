package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"cloneprotocol/core/state"
	"cloneprotocol/native/clone"
	"cloneprotocol/storage"
)

const (
	initCommand    = "init"
	inspectCommand = "inspect"
	defaultBackend = "leveldb"
	defaultDataDir = "./clone-data"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case initCommand:
		err = runInit(os.Args[2:], os.Stdout)
	case inspectCommand:
		err = runInspect(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func storageFlags(fs *flag.FlagSet) (*string, *string) {
	backend := fs.String("backend", defaultBackend, "Storage backend: leveldb, bolt or memory")
	dataDir := fs.String("data", defaultDataDir, "Storage path")
	return backend, dataDir
}

func openEngine(backend, path string) (*clone.Engine, func(), error) {
	db, err := storage.Open(backend, path)
	if err != nil {
		return nil, nil, err
	}
	return clone.NewEngine(state.NewManager(db)), db.Close, nil
}

func runInit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(initCommand, flag.ContinueOnError)
	backend, dataDir := storageFlags(fs)
	genesisPath := fs.String("genesis", "./genesis.toml", "Path to the TOML genesis file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	g, err := clone.LoadGenesis(*genesisPath)
	if err != nil {
		return err
	}
	engine, closeDB, err := openEngine(*backend, *dataDir)
	if err != nil {
		return err
	}
	defer closeDB()
	if err := engine.ApplyGenesis(g); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	fmt.Fprintf(out, "Initialized %s with %d oracles, %d collaterals and %d pools\n",
		*dataDir, len(g.Oracles), len(g.Collaterals), len(g.Pools))
	return nil
}

func runInspect(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(inspectCommand, flag.ContinueOnError)
	backend, dataDir := storageFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("inspect requires one of: parameters, pools, collaterals, oracles, user <address>")
	}

	engine, closeDB, err := openEngine(*backend, *dataDir)
	if err != nil {
		return err
	}
	defer closeDB()

	var value any
	switch rest[0] {
	case "parameters":
		value, err = engine.Parameters()
	case "pools", "collaterals", "oracles":
		td, tdErr := engine.TokenData()
		if tdErr != nil {
			return tdErr
		}
		switch rest[0] {
		case "pools":
			value = td.Pools
		case "collaterals":
			value = td.Collaterals
		default:
			value = td.Oracles
		}
	case "user":
		if len(rest) < 2 || !common.IsHexAddress(strings.TrimSpace(rest[1])) {
			return errors.New("inspect user requires a hex address")
		}
		value, err = engine.User(common.HexToAddress(strings.TrimSpace(rest[1])))
	default:
		return fmt.Errorf("unknown inspect target %q", rest[0])
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: clonectl <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  %s\tApply a genesis file to an empty store\n", initCommand)
	fmt.Fprintf(os.Stderr, "  %s\tPrint parameters, pools, collaterals, oracles or a user as JSON\n", inspectCommand)
}
