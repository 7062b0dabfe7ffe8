// Package config aggregates the service configuration from the seed and
// deployments files plus environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/strongfatTo/RemicoPay/internal/money"
)

// SeedConfig models seed.json: token metadata, pricing and secrets.
type SeedConfig struct {
	Tokens struct {
		Source struct {
			Symbol   string `json:"symbol"`
			Name     string `json:"name"`
			Decimals int    `json:"decimals"`
		} `json:"source"`
		Target struct {
			Symbol   string `json:"symbol"`
			Name     string `json:"name"`
			Decimals int    `json:"decimals"`
		} `json:"target"`
	} `json:"tokens"`
	Pricing struct {
		ExchangeRate uint64 `json:"exchangeRate"`
		FeeBps       uint32 `json:"feeBps"`
	} `json:"pricing"`
	Secrets struct {
		AdminHMACSecret  string `json:"adminHmacSecret"`
		OracleHMACSecret string `json:"oracleHmacSecret"`
	} `json:"secrets"`
	Timeouts struct {
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
	Schedule struct {
		AutoRearm bool `json:"autoRearm"`
	} `json:"schedule"`
}

// DeploymentConfig models deployments.json: the privileged accounts.
type DeploymentConfig struct {
	Owner    string `json:"owner"`
	Oracle   string `json:"oracle"`
	Treasury string `json:"treasury"`
}

// ServiceConfig holds the derived runtime settings.
type ServiceConfig struct {
	HTTPPort          int
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	PostgresDSN       string
}

// AppConfig ties everything together.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
}

const (
	defaultSeedPath        = "seed.json"
	defaultDeploymentsPath = "deployments.json"

	defaultExchangeRate = 7_350_000 // 7.35 target per source
	defaultFeeBps       = 70        // 0.7%
)

// Load aggregates configuration from disk and environment. Missing files
// fall back to defaults so a bare binary still boots a local deployment.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}

	if err := loadJSON(envOr("SEED_PATH", defaultSeedPath), &cfg.Seed); err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	if err := loadJSON(envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath), &cfg.Deployment); err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	applyDefaults(cfg)

	cfg.Service = ServiceConfig{
		HTTPPort:          envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:     time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow: time.Duration(cfg.Seed.Timeouts.IdempotencyWindowSecs) * time.Second,
		PostgresDSN:       envOr("POSTGRES_DSN", ""),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	seed := &cfg.Seed
	if seed.Pricing.ExchangeRate == 0 {
		seed.Pricing.ExchangeRate = defaultExchangeRate
	}
	if seed.Tokens.Source.Symbol == "" {
		seed.Tokens.Source.Symbol = "HKDR"
		seed.Tokens.Source.Name = "HKD Remico"
		seed.Tokens.Source.Decimals = money.Decimals
	}
	if seed.Tokens.Target.Symbol == "" {
		seed.Tokens.Target.Symbol = "PHPC"
		seed.Tokens.Target.Name = "PHP Coin"
		seed.Tokens.Target.Decimals = money.Decimals
	}
	if seed.Pricing.FeeBps == 0 {
		seed.Pricing.FeeBps = defaultFeeBps
	}
	if seed.Timeouts.IdempotencyWindowSecs == 0 {
		seed.Timeouts.IdempotencyWindowSecs = 300
	}
	if v := os.Getenv("EXCHANGE_RATE"); v != "" {
		if parsed := envOrInt("EXCHANGE_RATE", 0); parsed > 0 {
			seed.Pricing.ExchangeRate = uint64(parsed)
		}
	}
	if v := os.Getenv("FEE_BPS"); v != "" {
		seed.Pricing.FeeBps = uint32(envOrInt("FEE_BPS", int(seed.Pricing.FeeBps)))
	}
	if v := envOr("ADMIN_HMAC_SECRET", ""); v != "" {
		seed.Secrets.AdminHMACSecret = v
	}
	if v := envOr("ORACLE_HMAC_SECRET", ""); v != "" {
		seed.Secrets.OracleHMACSecret = v
	}
}

func validate(cfg *AppConfig) error {
	if cfg.Seed.Pricing.ExchangeRate == 0 {
		return errors.New("exchange rate must be positive")
	}
	if cfg.Seed.Pricing.FeeBps > money.MaxFeeBps {
		return fmt.Errorf("feeBps %d exceeds maximum %d", cfg.Seed.Pricing.FeeBps, money.MaxFeeBps)
	}
	return nil
}

func loadJSON(path string, out any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
