package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	vault "github.com/hashicorp/vault/api"
)

var privateKeyPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// ErrInvalidKeyFormat is returned for keys that are not 64 hex characters.
var ErrInvalidKeyFormat = errors.New("invalid private key format: must be 64 hex characters with optional 0x prefix")

// ParsePrivateKey parses a hex-encoded secp256k1 private key. A missing 0x
// prefix is tolerated.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	key := strings.TrimSpace(raw)
	if key == "" {
		return nil, errors.New("private key is empty")
	}
	if !strings.HasPrefix(key, "0x") {
		key = "0x" + key
	}
	if !privateKeyPattern.MatchString(key) {
		return nil, ErrInvalidKeyFormat
	}

	parsed, err := crypto.HexToECDSA(key[2:])
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %w", err)
	}
	return parsed, nil
}

// LoadKeystore decrypts a go-ethereum keystore JSON file.
func LoadKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read keystore file: %w", err)
	}

	key, err := keystore.DecryptKey(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

// VaultKeySource locates the operator key in a Vault KV v2 mount.
type VaultKeySource struct {
	Address   string
	Token     string
	MountPath string
	// SecretPath is the path of the secret within the mount, e.g. "worldcoins/operator".
	SecretPath string
	// Field is the secret field holding the hex key. Defaults to "private_key".
	Field string
}

// LoadFromVault reads the operator key from Vault.
func LoadFromVault(ctx context.Context, src VaultKeySource) (*ecdsa.PrivateKey, error) {
	config := vault.DefaultConfig()
	if src.Address != "" {
		config.Address = src.Address
	}

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if src.Token != "" {
		client.SetToken(src.Token)
	}

	mountPath := strings.Trim(src.MountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	field := src.Field
	if field == "" {
		field = "private_key"
	}

	secret, err := client.KVv2(mountPath).Get(ctx, strings.Trim(src.SecretPath, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to read operator key from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.New("operator key secret not found in Vault")
	}

	raw, ok := secret.Data[field].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret has no string field %q", field)
	}
	return ParsePrivateKey(raw)
}
