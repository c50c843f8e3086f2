// Package flags holds the command line flags and helpers shared by the
// binaries.
package flags

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/worldcoins-backend/api"
	"github.com/ruteri/worldcoins-backend/common"
	"github.com/ruteri/worldcoins-backend/interfaces"
	"github.com/ruteri/worldcoins-backend/ledger"
	"github.com/ruteri/worldcoins-backend/signer"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server config. settleBudget is the longest
// a settlement can run; the write timeout never ends a response earlier.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string, settleBudget time.Duration) *api.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	writeTimeout := max(30*time.Second, settleBudget)

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             writeTimeout,
		RateLimitRPS:             cCtx.Float64(RateLimitRPSFlag.Name),
		RateLimitBurst:           cCtx.Int(RateLimitBurstFlag.Name),
	}
}

// LoadOperatorKey loads the operator key from, in order of preference, a raw
// hex key, a keystore file or Vault. It returns nil without error when none
// is configured.
func LoadOperatorKey(cCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	switch {
	case cCtx.String(PrivateKeyFlag.Name) != "":
		return signer.ParsePrivateKey(cCtx.String(PrivateKeyFlag.Name))
	case cCtx.String(KeystoreFlag.Name) != "":
		return signer.LoadKeystore(cCtx.String(KeystoreFlag.Name), cCtx.String(KeystorePassFlag.Name))
	case cCtx.String(VaultSecretFlag.Name) != "":
		ctx, cancel := context.WithTimeout(cCtx.Context, 10*time.Second)
		defer cancel()
		return signer.LoadFromVault(ctx, signer.VaultKeySource{
			Address:    cCtx.String(VaultAddrFlag.Name),
			Token:      cCtx.String(VaultTokenFlag.Name),
			MountPath:  cCtx.String(VaultMountFlag.Name),
			SecretPath: cCtx.String(VaultSecretFlag.Name),
		})
	default:
		return nil, nil
	}
}

var ErrMissingFactoryAddress = errors.New("factory contract address is required")

var RpcAddrFlag = &cli.StringFlag{
	Name:    "rpc-addr",
	Value:   "http://127.0.0.1:8545",
	Usage:   "address to connect to RPC",
	EnvVars: []string{"RPC_URL"},
}

var FactoryAddrFlag = &cli.StringFlag{
	Name:    "factory-address",
	Usage:   "token factory contract address, 0x-prefixed",
	EnvVars: []string{"FACTORY_ADDRESS"},
}

var ChainIDFlag = &cli.Int64Flag{
	Name:    "chain-id",
	Value:   480,
	Usage:   "chain id used to sign transactions",
	EnvVars: []string{"CHAIN_ID"},
}

var ConfirmationsFlag = &cli.Uint64Flag{
	Name:    "confirmations",
	Value:   1,
	Usage:   "blocks a transaction must be buried under, inclusion block counted",
	EnvVars: []string{"CONFIRMATIONS"},
}

var JournalFlag = &cli.StringSliceFlag{
	Name:    "journal",
	Usage:   "settlement journal location URI (file://, sqlite://, s3://), may be repeated",
	EnvVars: []string{"JOURNAL_URIS"},
}

var PrivateKeyFlag = &cli.StringFlag{
	Name:    "private-key",
	Usage:   "hex-encoded operator private key",
	EnvVars: []string{"FACTORY_PRIVATE_KEY"},
}

var KeystoreFlag = &cli.StringFlag{
	Name:    "keystore",
	Usage:   "path to an encrypted operator keystore file",
	EnvVars: []string{"KEYSTORE_PATH"},
}

var KeystorePassFlag = &cli.StringFlag{
	Name:    "keystore-passphrase",
	Usage:   "passphrase for the keystore file",
	EnvVars: []string{"KEYSTORE_PASSPHRASE"},
}

var VaultAddrFlag = &cli.StringFlag{
	Name:    "vault-addr",
	Usage:   "Vault address holding the operator key",
	EnvVars: []string{"VAULT_ADDR"},
}

var VaultTokenFlag = &cli.StringFlag{
	Name:    "vault-token",
	Usage:   "Vault token",
	EnvVars: []string{"VAULT_TOKEN"},
}

var VaultMountFlag = &cli.StringFlag{
	Name:    "vault-mount",
	Value:   "secret",
	Usage:   "Vault KV v2 mount path",
	EnvVars: []string{"VAULT_MOUNT"},
}

var VaultSecretFlag = &cli.StringFlag{
	Name:    "vault-secret",
	Usage:   "path of the operator key secret within the mount",
	EnvVars: []string{"VAULT_SECRET_PATH"},
}

var RateLimitRPSFlag = &cli.Float64Flag{
	Name:    "rate-limit-rps",
	Value:   1,
	Usage:   "action requests per second allowed per client IP, 0 disables",
	EnvVars: []string{"RATE_LIMIT_RPS"},
}

var RateLimitBurstFlag = &cli.IntFlag{
	Name:    "rate-limit-burst",
	Value:   5,
	Usage:   "burst of action requests allowed per client IP",
	EnvVars: []string{"RATE_LIMIT_BURST"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

// LedgerFlags configure the factory client.
var LedgerFlags = []cli.Flag{
	RpcAddrFlag,
	FactoryAddrFlag,
	ChainIDFlag,
	ConfirmationsFlag,
}

// DialLedger connects to the RPC endpoint and creates a read-only factory
// client. The caller attaches a signer when it needs to write.
func DialLedger(cCtx *cli.Context, logger *slog.Logger) (*ledger.FactoryClient, *ethclient.Client, error) {
	rawAddr := cCtx.String(FactoryAddrFlag.Name)
	if rawAddr == "" {
		return nil, nil, ErrMissingFactoryAddress
	}
	factory, err := interfaces.ParseAddress(rawAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid factory address: %w", err)
	}

	rpcAddress := cCtx.String(RpcAddrFlag.Name)
	logger.Info("Connecting to Ethereum RPC", "address", rpcAddress)
	ethClient, err := ethclient.DialContext(cCtx.Context, rpcAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial RPC: %w", err)
	}

	client, err := ledger.NewFactoryClient(ethClient, ledger.Config{
		Address:       factory,
		Confirmations: cCtx.Uint64(ConfirmationsFlag.Name),
	}, logger)
	if err != nil {
		ethClient.Close()
		return nil, nil, err
	}
	return client, ethClient, nil
}
