// Package secret resolves the Bookmate API credential at startup.
package secret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	vaultapi "github.com/hashicorp/vault/api"

	"bookmate-proxy-go/internal/config"
)

// ErrSecretNotFound is returned when the Vault secret or its key does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Token is the Bookmate API credential. It is resolved once and shared
// read-only by all requests.
type Token string

// Load returns the configured token. A token set in the config file, CLI or
// BOOKMATE_TOKEN wins; otherwise it is read from Vault when enabled.
// An empty token is not an error here: requests fail individually instead.
func Load(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Token, error) {
	logger = logger.With("component", "secret")

	if cfg.Bookmate.Token != "" {
		return Token(cfg.Bookmate.Token), nil
	}

	if !cfg.Bookmate.Vault.Enabled {
		logger.Warn("no bookmate token configured; book requests will fail until BOOKMATE_TOKEN is set")
		return "", nil
	}

	tok, err := readVault(ctx, cfg.Bookmate.Vault)
	if err != nil {
		return "", fmt.Errorf("secret: %w", err)
	}
	logger.Info("bookmate token loaded from vault",
		"mount", cfg.Bookmate.Vault.Mount,
		"path", cfg.Bookmate.Vault.Path,
	)
	return tok, nil
}

// readVault reads a single string field from a KV v2 secret.
func readVault(ctx context.Context, vc config.VaultConfig) (Token, error) {
	apiCfg := vaultapi.DefaultConfig()
	if apiCfg.Error != nil {
		return "", fmt.Errorf("vault config: %w", apiCfg.Error)
	}
	apiCfg.Address = vc.Address

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return "", fmt.Errorf("vault client: %w", err)
	}
	if vc.Token != "" {
		client.SetToken(vc.Token)
	}

	fullPath := fmt.Sprintf("%s/data/%s", vc.Mount, vc.Path)
	s, err := client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return "", fmt.Errorf("vault read %s: %w", fullPath, err)
	}
	if s == nil || s.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, fullPath)
	}

	// KV v2 wraps the fields in a "data" key; deleted versions carry data: null.
	data, ok := s.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, fullPath)
	}

	val, ok := data[vc.Key].(string)
	if !ok || val == "" {
		return "", fmt.Errorf("%w: %s key %q", ErrSecretNotFound, fullPath, vc.Key)
	}
	return Token(val), nil
}
