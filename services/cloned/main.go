package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"cloneprotocol/core/state"
	"cloneprotocol/native/clone"
	nativeoracle "cloneprotocol/native/oracle"
	"cloneprotocol/observability"
	"cloneprotocol/observability/logging"
	telemetry "cloneprotocol/observability/otel"
	"cloneprotocol/services/cloned/config"
	"cloneprotocol/services/cloned/oracle"
	"cloneprotocol/services/cloned/server"
	"cloneprotocol/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/cloned/config.yaml", "path to cloned configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("cloned: load config: %v", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("CLONE_ENV"))
	}
	logger := logging.SetupWithOptions("cloned", env, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("cloned", env))
	if err != nil {
		log.Fatalf("cloned: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		log.Fatalf("cloned: open storage: %v", err)
	}
	defer db.Close()

	feed := nativeoracle.NewMemoryFeed()
	engine := clone.NewEngine(state.NewManager(db))
	engine.SetLogger(logger.With("component", "engine"))
	engine.SetPriceFeed(feed)
	engine.SetEmitter(observability.Events())

	if err := bootstrap(engine, cfg.GenesisPath, logger); err != nil {
		log.Fatalf("cloned: %v", err)
	}

	registry := oracle.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		built, err := registry.Build(src.Name, src.Type, src.Endpoint, src.APIKey, src.Assets, src.Prices)
		if err != nil {
			log.Fatalf("cloned: build source %s: %v", src.Name, err)
		}
		sources = append(sources, built)
	}
	feeds := make([]oracle.Feed, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		feeds = append(feeds, oracle.Feed{
			Index:   f.Index,
			Address: common.HexToAddress(f.Address),
			Base:    f.Base,
			Quote:   f.Quote,
		})
	}

	mgr, err := oracle.New(engine, feed, sources, feeds,
		cfg.Oracle.Interval.Duration, cfg.Oracle.MaxAge.Duration, cfg.Oracle.MinFeeds,
		oracle.WithLogger(logger.With("component", "oracle")),
		oracle.WithMetrics(observability.Oracle()),
	)
	if err != nil {
		log.Fatalf("cloned: oracle manager: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Admin.JWTSecret,
			Issuer:     cfg.Admin.Issuer,
			Audience:   cfg.Admin.Audience,
			ClockSkew:  cfg.Admin.ClockSkew.Duration,
		},
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, engine, mgr, logger.With("component", "http"))
	if err != nil {
		log.Fatalf("cloned: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mgr.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle manager exited", "error", err)
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}

// bootstrap applies the genesis file to an empty store and resumes the slot
// clock from the newest oracle refresh otherwise.
func bootstrap(engine *clone.Engine, genesisPath string, logger *slog.Logger) error {
	if _, err := engine.Parameters(); errors.Is(err, clone.ErrNotInitialized) {
		if strings.TrimSpace(genesisPath) == "" {
			return errors.New("store is empty and no genesis file is configured")
		}
		g, err := clone.LoadGenesis(genesisPath)
		if err != nil {
			return err
		}
		if err := engine.ApplyGenesis(g); err != nil {
			return err
		}
		logger.Info("genesis applied", "path", genesisPath, "pools", len(g.Pools), "collaterals", len(g.Collaterals))
		return nil
	} else if err != nil {
		return err
	}
	td, err := engine.TokenData()
	if err != nil {
		return err
	}
	var slot uint64
	for _, o := range td.Oracles {
		if o.LastUpdateSlot > slot {
			slot = o.LastUpdateSlot
		}
	}
	engine.SetSlot(slot)
	logger.Info("resumed protocol state", "slot", slot, "pools", len(td.Pools))
	return nil
}
