package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/PomeGroup/ontonbot-sub004/integrations/telegram"
	"github.com/PomeGroup/ontonbot-sub004/integrations/webhooks"
	"github.com/PomeGroup/ontonbot-sub004/observability/logging"
	telemetry "github.com/PomeGroup/ontonbot-sub004/observability/otel"
	"github.com/PomeGroup/ontonbot-sub004/sdk/go/client"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd/store"
	"github.com/PomeGroup/ontonbot-sub004/services/payoutd/wallet"
	"github.com/PomeGroup/ontonbot-sub004/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("payoutd: %v", err)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/payoutd/config.yaml", "path to payoutd configuration")
	flag.Parse()

	cfg, err := payoutd.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("ONTON_ENV"))
	}
	logger := logging.SetupWithFile("payoutd", env, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("payoutd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	repo := store.New(db)

	journalDB, err := storage.NewLevelDB(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journalDB.Close()

	chainID, err := cfg.ChainID()
	if err != nil {
		return err
	}
	network, err := client.New(cfg.Chain.Endpoint, client.WithAuthToken(cfg.Chain.AuthToken), client.WithChainID(chainID))
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}

	decrypter, err := wallet.NewKeystoreDecrypter(cfg.Keystore.Passphrase)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}

	rt := payoutd.Runtime{
		Store:     repo,
		Network:   network,
		Decrypter: decrypter,
		Journal:   payoutd.NewJournal(journalDB),
		Logger:    logger,
	}
	if token := cfg.Notify.TelegramToken; token != "" {
		var opts []telegram.Option
		if cfg.Notify.BaseURL != "" {
			opts = append(opts, telegram.WithBaseURL(cfg.Notify.BaseURL))
		}
		bot, err := telegram.New(token, opts...)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		rt.Messenger = bot
	} else {
		logger.Warn("telegram token not configured; winner notifications disabled")
	}
	if cfg.Webhook.URL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.Webhook.URL, []byte(cfg.Webhook.Secret), webhooks.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		defer dispatcher.Close()
		rt.Publisher = dispatcher
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("payoutd starting",
		slog.String("chain_id", chainID.String()),
		slog.String("database", cfg.Database.Driver),
		slog.Int("max_batch", cfg.Batch.MaxSize))
	return payoutd.Serve(ctx, cfg, rt)
}
