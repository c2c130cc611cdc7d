package main

import (
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/spf13/viper"

	"github.com/luxfi/perp/pkg/keeper"
	"github.com/luxfi/perp/pkg/metrics"
	"github.com/luxfi/perp/pkg/perp"
)

// MarketConfig declares one market in the config file. Monetary values
// are decimal strings at 1e7 fixed point.
type MarketConfig struct {
	ID              uint32 `mapstructure:"id"`
	BasePrice       string `mapstructure:"base_price"`
	MaxOpenInterest string `mapstructure:"max_open_interest"`
	BaseFundingRate int64  `mapstructure:"base_funding_rate"`
	MaxFundingRate  int64  `mapstructure:"max_funding_rate"`
}

type Config struct {
	DataDir          string            `mapstructure:"data_dir"`
	LogLevel         string            `mapstructure:"log_level"`
	MetricsPort      string            `mapstructure:"metrics_port"`
	SnapshotInterval time.Duration     `mapstructure:"snapshot_interval"`
	Admin            string            `mapstructure:"admin"`
	PoolAddress      string            `mapstructure:"pool_address"`
	ManagerAddress   string            `mapstructure:"manager_address"`
	KeeperAddress    string            `mapstructure:"keeper_address"`
	KeeperInterval   time.Duration     `mapstructure:"keeper_interval"`
	Simulated        bool              `mapstructure:"simulated"`
	FixedPrices      bool              `mapstructure:"fixed_prices"`
	Markets          []MarketConfig    `mapstructure:"markets"`
	Genesis          map[string]string `mapstructure:"genesis"`
}

func loadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("perpd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".perpd"))
	v.SetEnvPrefix("PERPD")
	v.AutomaticEnv()

	v.SetDefault("data_dir", ".perpd")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_port", "9090")
	v.SetDefault("snapshot_interval", "30s")
	v.SetDefault("admin", "admin")
	v.SetDefault("pool_address", "pool")
	v.SetDefault("manager_address", "position-manager")
	v.SetDefault("keeper_address", "keeper")
	v.SetDefault("keeper_interval", "5s")
	v.SetDefault("simulated", true)
	v.SetDefault("fixed_prices", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func parseAmount(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	return v, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, _ := log.ToLevel(cfg.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("starting perpd", "admin", cfg.Admin, "markets", len(cfg.Markets))

	dataPath := filepath.Join(os.Getenv("HOME"), cfg.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "perpd"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("failed to open BadgerDB, falling back to memory", "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return fmt.Errorf("create database: %w", err)
		}
	}
	defer db.Close()

	// Engine wiring.
	params := perp.DefaultParams()
	config := perp.NewStaticConfig(cfg.Admin, params)
	token := perp.NewLedgerToken()
	oracle := perp.NewPriceOracle(config, logger.New("module", "oracle"))
	pool := perp.NewLiquidityPool(cfg.PoolAddress, config, token, logger.New("module", "pool"))
	markets := perp.NewMarketManager(config, logger.New("module", "markets"))
	pm := perp.NewPositionManager(cfg.ManagerAddress, config, token, oracle, pool, markets, logger.New("module", "positions"))

	if err := pool.SetPositionManager(cfg.Admin, cfg.ManagerAddress); err != nil {
		return err
	}
	if err := markets.SetPositionManager(cfg.Admin, cfg.ManagerAddress); err != nil {
		return err
	}

	store := perp.NewStore(db, logger.New("module", "store"))
	snapshot, err := store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if snapshot != nil {
		token.Restore(snapshot.Balances)
		pool.Restore(snapshot.Pool)
		markets.Restore(snapshot.Markets)
		pm.Restore(snapshot.Manager)
		logger.Info("state restored",
			"positions", len(snapshot.Manager.Positions), "orders", len(snapshot.Manager.Orders))
	} else {
		logger.Info("no previous state found, starting fresh")
		for account, amount := range cfg.Genesis {
			v, err := parseAmount(amount, "genesis balance")
			if err != nil {
				return err
			}
			token.Mint(account, v)
		}
	}

	basePrices := make(map[uint32]*big.Int, len(cfg.Markets))
	for _, mc := range cfg.Markets {
		maxOI, err := parseAmount(mc.MaxOpenInterest, "max_open_interest")
		if err != nil {
			return err
		}
		if snapshot == nil {
			if err := markets.CreateMarket(cfg.Admin, mc.ID, maxOI, mc.BaseFundingRate, mc.MaxFundingRate); err != nil {
				return err
			}
		}
		base, err := parseAmount(mc.BasePrice, "base_price")
		if err != nil {
			return err
		}
		basePrices[mc.ID] = base
	}

	if cfg.Simulated {
		if err := oracle.EnableSimulation(cfg.Admin, cfg.FixedPrices, basePrices); err != nil {
			return err
		}
	}

	m, err := metrics.NewPerpMetrics("perp")
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if err := m.StartServer(cfg.MetricsPort); err != nil {
		return err
	}

	k := keeper.New(cfg.KeeperAddress, cfg.KeeperInterval, pm, markets, pool, m, logger.New("module", "keeper"))
	k.Start()

	saveSnapshot := func() error {
		return store.Save(&perp.Snapshot{
			Balances: token.Balances(),
			Pool:     pool.State(),
			Markets:  markets.State(),
			Manager:  pm.State(),
		})
	}

	snapshotTicker := time.NewTicker(cfg.SnapshotInterval)
	defer snapshotTicker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-snapshotTicker.C:
				if err := saveSnapshot(); err != nil {
					logger.Error("snapshot failed", "error", err)
				}
			case <-done:
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig)

	close(done)
	k.Stop()
	if err := saveSnapshot(); err != nil {
		logger.Error("final snapshot failed", "error", err)
	}
	logger.Info("perpd shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "perpd:", err)
		os.Exit(1)
	}
}
