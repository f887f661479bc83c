package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"trading-brain/config"
)

// Provider reads operational secrets from Vault KV v2, falling back to
// environment variables when Vault is disabled or a key is absent. Reads
// are cached for the process lifetime; rotation means restart.
type Provider struct {
	cfg    config.VaultConfig
	client *api.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewProvider builds the provider. With Vault disabled no connection is
// attempted and every lookup resolves from the environment.
func NewProvider(cfg config.VaultConfig, logger zerolog.Logger) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		logger: logger.With().Str("component", "Secrets").Logger(),
		cache:  make(map[string]string),
	}
	if !cfg.Enabled {
		return p, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	p.client = client

	p.logger.Info().Str("address", cfg.Address).Str("path", p.secretPath()).Msg("Vault secrets enabled")
	return p, nil
}

func (p *Provider) secretPath() string {
	return fmt.Sprintf("%s/data/%s", p.cfg.MountPath, p.cfg.SecretPath)
}

// Get resolves one named secret: cache, then Vault, then the fallback env
// var. An empty result from every source is an error so misconfiguration
// fails at startup, not on the first webhook.
func (p *Provider) Get(ctx context.Context, name, envKey string) (string, error) {
	p.mu.RLock()
	if cached, ok := p.cache[name]; ok {
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	value := p.readVault(ctx, name)
	if value == "" {
		value = os.Getenv(envKey)
	}
	if value == "" {
		return "", fmt.Errorf("secret %s not found in vault or %s", name, envKey)
	}

	p.mu.Lock()
	p.cache[name] = value
	p.mu.Unlock()
	return value, nil
}

func (p *Provider) readVault(ctx context.Context, name string) string {
	if p.client == nil {
		return ""
	}
	secret, err := p.client.Logical().ReadWithContext(ctx, p.secretPath())
	if err != nil {
		p.logger.Warn().Err(err).Str("secret", name).Msg("Vault read failed, using env fallback")
		return ""
	}
	if secret == nil || secret.Data == nil {
		return ""
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return ""
	}
	if value, ok := data[name].(string); ok {
		return value
	}
	return ""
}

// WebhookSecret returns the HMAC key for inbound phase webhooks.
func (p *Provider) WebhookSecret(ctx context.Context) (string, error) {
	return p.Get(ctx, "webhook_secret", "WEBHOOK_SECRET")
}

// JWTSecret returns the operator endpoint signing key.
func (p *Provider) JWTSecret(ctx context.Context) (string, error) {
	return p.Get(ctx, "jwt_secret", "AUTH_JWT_SECRET")
}

// DatabasePassword returns the postgres password.
func (p *Provider) DatabasePassword(ctx context.Context) (string, error) {
	return p.Get(ctx, "db_password", "DB_PASSWORD")
}
