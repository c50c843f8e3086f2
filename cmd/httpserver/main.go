package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/worldcoins-backend/api/server"
	"github.com/ruteri/worldcoins-backend/api/settlementhandler"
	"github.com/ruteri/worldcoins-backend/api/tokenshandler"
	"github.com/ruteri/worldcoins-backend/catalog"
	"github.com/ruteri/worldcoins-backend/cmd/flags"
	"github.com/ruteri/worldcoins-backend/common"
	"github.com/ruteri/worldcoins-backend/guard"
	"github.com/ruteri/worldcoins-backend/interfaces"
	"github.com/ruteri/worldcoins-backend/journal"
	"github.com/ruteri/worldcoins-backend/metrics"
	"github.com/ruteri/worldcoins-backend/settlement"
	"github.com/ruteri/worldcoins-backend/signer"
	"github.com/ruteri/worldcoins-backend/verifier"
)

var serviceFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:    "app-id",
		Usage:   "World ID application id proofs are verified against",
		EnvVars: []string{"APP_ID"},
	},
	&cli.StringFlag{
		Name:    "verifier-url",
		Value:   verifier.DefaultBaseURL,
		Usage:   "World ID developer portal base URL",
		EnvVars: []string{"VERIFIER_URL"},
	},
	&cli.DurationFlag{
		Name:    "verify-timeout",
		Value:   settlement.DefaultVerifyTimeout,
		Usage:   "how long a proof verification may take",
		EnvVars: []string{"VERIFY_TIMEOUT"},
	},
	&cli.DurationFlag{
		Name:    "confirmation-timeout",
		Value:   settlement.DefaultConfirmationTimeout,
		Usage:   "how long to wait for a submitted transaction to be confirmed",
		EnvVars: []string{"CONFIRMATION_TIMEOUT"},
	},
	&cli.DurationFlag{
		Name:    "submit-timeout",
		Value:   settlement.DefaultSubmitTimeout,
		Usage:   "how long a transaction submission may take",
		EnvVars: []string{"SUBMIT_TIMEOUT"},
	},
	&cli.DurationFlag{
		Name:    "lock-ttl",
		Usage:   "entitlement lock lifetime; zero derives it from the timeouts, shorter values are rejected",
		EnvVars: []string{"LOCK_TTL"},
	},
	&cli.StringFlag{
		Name:    "redis-addr",
		Usage:   "Redis address for the entitlement lock shared across replicas; empty keeps locks in process",
		EnvVars: []string{"REDIS_ADDR"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.IntFlag{
		Name:  "catalog-concurrency",
		Value: catalog.DefaultConcurrency,
		Usage: "tokens read in parallel when listing the catalog",
	},
	&cli.StringFlag{
		Name:    "otlp-endpoint",
		Usage:   "OTLP gRPC collector address; empty disables tracing",
		EnvVars: []string{"OTEL_EXPORTER_OTLP_ENDPOINT"},
	},
	&cli.BoolFlag{
		Name:  "otlp-insecure",
		Usage: "connect to the OTLP collector without TLS",
	},
	&cli.Float64Flag{
		Name:  "trace-sample-rate",
		Value: 1,
		Usage: "fraction of settlements traced",
	},
	flags.JournalFlag,
	flags.PrivateKeyFlag,
	flags.KeystoreFlag,
	flags.KeystorePassFlag,
	flags.VaultAddrFlag,
	flags.VaultTokenFlag,
	flags.VaultMountFlag,
	flags.VaultSecretFlag,
	flags.RateLimitRPSFlag,
	flags.RateLimitBurstFlag,
	flags.LogServiceFlagFn("worldcoins-backend"),
}

func main() {
	allFlags := append(append(append([]cli.Flag{}, flags.CommonFlags...), flags.LedgerFlags...), serviceFlags...)

	app := &cli.App{
		Name:   "httpserver",
		Usage:  "Serve the World ID token factory settlement API",
		Flags:  allFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	appID := cCtx.String("app-id")
	if appID == "" {
		logger.Error("app-id is required")
		return &interfaces.ConfigError{Param: "APP_ID"}
	}

	operatorKey, err := flags.LoadOperatorKey(cCtx)
	if err != nil {
		logger.Error("Failed to load operator key", "err", err)
		return err
	}
	if operatorKey == nil {
		logger.Error("an operator key source is required")
		return &interfaces.ConfigError{Param: "FACTORY_PRIVATE_KEY"}
	}

	shutdownTracing, err := metrics.SetupTracing(cCtx.Context, metrics.TracingConfig{
		ServiceName:    common.PackageName,
		ServiceVersion: common.Version,
		OTLPEndpoint:   cCtx.String("otlp-endpoint"),
		Insecure:       cCtx.Bool("otlp-insecure"),
		SampleRate:     cCtx.Float64("trace-sample-rate"),
	}, logger)
	if err != nil {
		logger.Error("Failed to set up tracing", "err", err)
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("Failed to flush traces", "err", err)
		}
	}()

	// Ledger and signer
	factoryClient, ethClient, err := flags.DialLedger(cCtx, logger)
	if err != nil {
		if errors.Is(err, flags.ErrMissingFactoryAddress) {
			logger.Error("factory-address is required")
			return &interfaces.ConfigError{Param: "FACTORY_ADDRESS"}
		}
		logger.Error("Failed to create factory client", "err", err)
		return err
	}
	defer ethClient.Close()

	authority, err := signer.NewAuthority(operatorKey, big.NewInt(cCtx.Int64(flags.ChainIDFlag.Name)), ethClient, logger)
	if err != nil {
		logger.Error("Failed to create signing authority", "err", err)
		return err
	}
	factoryClient.SetSigner(authority)
	logger.Info("Operator account loaded",
		"operator", authority.Address().Hex(),
		"factory", factoryClient.Address().Hex())

	settleCfg := settlement.Config{
		AppID:               appID,
		VerifyTimeout:       cCtx.Duration("verify-timeout"),
		ConfirmationTimeout: cCtx.Duration("confirmation-timeout"),
		SubmitTimeout:       cCtx.Duration("submit-timeout"),
	}
	lockTTL := cCtx.Duration("lock-ttl")
	if lockTTL == 0 {
		lockTTL = settleCfg.Budget()
	}
	if err := settleCfg.CheckLockTTL(lockTTL); err != nil {
		logger.Error("Entitlement lock would expire during a settlement", "err", err)
		return err
	}

	// Entitlement guard
	var locker guard.Locker
	if redisAddr := cCtx.String("redis-addr"); redisAddr != "" {
		redisLocker := guard.NewRedisLockerFromAddr(redisAddr, cCtx.String("redis-password"), 0)
		if err := redisLocker.Ping(cCtx.Context); err != nil {
			logger.Error("Failed to connect to Redis", "err", err, "address", redisAddr)
			return err
		}
		locker = redisLocker
		logger.Info("Using Redis entitlement locks", "address", redisAddr)
	}
	entitlementGuard := guard.NewGuard(factoryClient, locker, lockTTL, logger)
	logger.Info("Entitlement locks configured", "ttl", lockTTL, "settleBudget", settleCfg.Budget())

	// Settlement journal
	var settlementJournal interfaces.Journal
	if uris := cCtx.StringSlice(flags.JournalFlag.Name); len(uris) > 0 {
		settlementJournal, err = journal.NewFactory(logger).CreateMultiJournal(uris)
		if err != nil {
			logger.Error("Failed to create settlement journal", "err", err)
			return err
		}
		logger.Info("Settlement journal configured", "location", settlementJournal.LocationURI())
		if closer, ok := settlementJournal.(io.Closer); ok {
			defer func() {
				if err := closer.Close(); err != nil {
					logger.Error("Failed to close settlement journal", "err", err)
				}
			}()
		}
	} else {
		logger.Warn("No settlement journal configured, ambiguous settlements cannot be reconciled by id")
	}

	orchestrator := settlement.NewOrchestrator(settleCfg,
		verifier.NewCloudVerifier(cCtx.String("verifier-url"), cCtx.Duration("verify-timeout"), logger),
		factoryClient, entitlementGuard, settlementJournal, logger)

	tokenCatalog := catalog.NewCatalog(factoryClient, cCtx.Int("catalog-concurrency"), logger)

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"), settleCfg.Budget())
	srv, err := server.New(cfg,
		settlementhandler.NewHandler(orchestrator, logger),
		tokenshandler.NewHandler(tokenCatalog, logger))
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("Starting server")
	srv.RunInBackground()

	// Wait for termination signal
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	srv.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
