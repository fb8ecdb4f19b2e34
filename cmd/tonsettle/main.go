// Command tonsettle runs the withdrawal settlement engine: an HTTP API that
// accepts approved withdrawals and drives them to confirmed on-chain
// transfers.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nebulaex/tonsettle/api"
	"github.com/nebulaex/tonsettle/api/handlers"
	"github.com/nebulaex/tonsettle/internal/settlement/broadcast"
	"github.com/nebulaex/tonsettle/internal/settlement/cache"
	"github.com/nebulaex/tonsettle/internal/settlement/config"
	"github.com/nebulaex/tonsettle/internal/settlement/coordinator"
	"github.com/nebulaex/tonsettle/internal/settlement/events"
	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/internal/settlement/signer"
	"github.com/nebulaex/tonsettle/internal/settlement/store"
	"github.com/nebulaex/tonsettle/internal/settlement/strategy"
	"github.com/nebulaex/tonsettle/internal/settlement/ton"
	"github.com/nebulaex/tonsettle/internal/settlement/tracker"
	"github.com/nebulaex/tonsettle/internal/settlement/wallet"
	"github.com/nebulaex/tonsettle/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tonsettle: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	settleStore, err := buildStore(cfg, log)
	if err != nil {
		return err
	}

	node := broadcast.NewClient(broadcast.ClientConfig{
		BaseURL: cfg.Node.BaseURL,
		APIKey:  cfg.Node.APIKey,
		Timeout: cfg.Node.Timeout,
	}, log)

	registry, assetMeta, err := buildStrategies(cfg, node)
	if err != nil {
		return err
	}

	assembler, err := wallet.New(wallet.Config{
		HotWallet:   cfg.Wallet.Address,
		SubwalletID: cfg.Wallet.SubwalletID,
		MessageTTL:  cfg.Wallet.MessageTTL,
	})
	if err != nil {
		return err
	}

	seedHex := os.Getenv("TONSETTLE_SIGNING_SEED")
	if seedHex == "" {
		return errors.New("TONSETTLE_SIGNING_SEED is not set")
	}
	sgn, err := signer.NewLocalFromHex(seedHex)
	if err != nil {
		return err
	}

	addrCache := buildCache(cfg, log)
	publisher := buildPublisher(cfg, log)

	trk := tracker.New(node, tracker.Config{
		SourceAccount:     cfg.Wallet.Address,
		ConfirmationDepth: cfg.Confirmation.Depth,
		PollInterval:      cfg.Confirmation.PollInterval,
	}, log)

	engine := coordinator.New(
		coordinator.Config{
			HotWallet:            cfg.Wallet.Address,
			MaxSigningAttempts:   cfg.Retry.MaxSigningAttempts,
			MaxReconcileAttempts: cfg.Retry.MaxReconcileAttempts,
			BackoffBase:          cfg.Retry.BackoffBase,
			BackoffMax:           cfg.Retry.BackoffMax,
			FinalityDeadline:     cfg.Confirmation.FinalityDeadline,
			LookupWindow:         cfg.Confirmation.LookupWindow,
		},
		settleStore, registry, assembler, sgn,
		broadcast.NewBroadcaster(node, log),
		trk, publisher, node, addrCache, log,
	)

	handler := handlers.NewSettlementHandler(engine, assetMeta, log)
	server := api.NewServer(log, handler)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Run(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

// buildStore opens the SQL ledger, or falls back to the in-memory ledger
// when no DSN is configured (development only: it does not survive
// restarts).
func buildStore(cfg *config.Config, log *zap.Logger) (interfaces.SettlementStore, error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured, settlement ledger is in-memory")
		return store.NewMemoryStore(), nil
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	gs := store.NewGormStore(db, log)
	if err := gs.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return gs, nil
}

func buildCache(cfg *config.Config, log *zap.Logger) interfaces.AddressCache {
	if cfg.Redis.Addr == "" {
		return cache.NewMemoryCache()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return cache.NewRedisCache(client, cfg.Redis.TTL, log)
}

func buildPublisher(cfg *config.Config, log *zap.Logger) interfaces.OutcomePublisher {
	logPub := events.NewLogPublisher(log)
	if len(cfg.Kafka.Brokers) == 0 {
		return logPub
	}
	return events.Fanout{
		events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log),
		logPub,
	}
}

// buildStrategies turns asset configuration into the strategy registry and
// the API's presentation metadata.
func buildStrategies(cfg *config.Config, node interfaces.NodeClient) (*strategy.Registry, map[string]handlers.AssetMeta, error) {
	registry := strategy.NewRegistry()
	meta := make(map[string]handlers.AssetMeta, len(cfg.Assets))

	for symbol, asset := range cfg.Assets {
		policy := strategy.Policy{MinAmount: asset.MinAmount, MaxAmount: asset.MaxAmount}
		fee := feeRule(cfg, asset, node)

		switch asset.Kind {
		case "native":
			registry.Register(symbol, strategy.NewNative(symbol, policy, fee))
		case "jetton":
			master, err := ton.ParseAddress(asset.JettonMaster)
			if err != nil {
				return nil, nil, fmt.Errorf("asset %s: jetton master: %w", symbol, err)
			}
			codeHash, err := hex.DecodeString(asset.WalletCodeHash)
			if err != nil || len(codeHash) != 32 {
				return nil, nil, fmt.Errorf("asset %s: wallet_code_hash must be 32 hex bytes", symbol)
			}
			params := ton.JettonParams{
				Master:          master,
				WalletCodeDepth: asset.WalletCodeDepth,
				Workchain:       master.Workchain,
			}
			copy(params.WalletCodeHash[:], codeHash)
			registry.Register(symbol, strategy.NewJetton(symbol, params, policy, fee))
		}

		meta[symbol] = handlers.AssetMeta{
			Decimals: int32(asset.Decimals),
			Cooldown: asset.Cooldown,
		}
	}
	return registry, meta, nil
}

func feeRule(cfg *config.Config, asset config.AssetConfig, node interfaces.NodeClient) strategy.FeeRule {
	if asset.QuoteFees {
		return &strategy.QuotedFee{Client: node, Address: cfg.Wallet.Address, Margin: asset.FeeMargin}
	}
	return strategy.StaticFee(asset.FeeReserve)
}
