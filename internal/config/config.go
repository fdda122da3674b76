// Copyright (c) 2026 ChipHi, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment
// variables. Secrets stay out of the YAML via ${VAR} expansion.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/providers"
)

// Config holds all configuration for the ingestion gateway.
type Config struct {
	Environment     string
	InboxDomain     string
	DefaultProvider string
	Providers       map[string]models.ProviderConfig

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL    string
	EmailsQueue string

	// Content store (raw MIME retrieval)
	ContentStoreURL string

	// Idempotency retention
	RetentionDays int

	// HTTP
	Port    int
	OpsPort int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Environment     string `yaml:"environment"`
	Domain          string `yaml:"domain"`
	DefaultProvider string `yaml:"default_provider"`
	Providers       map[string]struct {
		Enabled          *bool  `yaml:"enabled"`
		WebhookSecret    string `yaml:"webhook_secret"`
		SharedSecret     string `yaml:"shared_secret"`
		TimeoutMs        int    `yaml:"timeout_ms"`
		VerifySignatures *bool  `yaml:"verify_signatures"`
	} `yaml:"providers"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Emails string `yaml:"emails"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	ContentStore struct {
		URL string `yaml:"url"`
	} `yaml:"content_store"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	if data, err := os.ReadFile(configPath); err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}
	// A missing file is fine — everything has an env var or default.

	cfg := &Config{
		Environment:     firstNonEmpty(raw.Environment, envOrDefault("ENVIRONMENT", providers.EnvDevelopment)),
		InboxDomain:     firstNonEmpty(raw.Domain, envOrDefault("INBOX_DOMAIN", "inbox.chiphi.ai")),
		DefaultProvider: firstNonEmpty(raw.DefaultProvider, envOrDefault("DEFAULT_PROVIDER", providers.NameCloudflare)),
		DatabaseURL:     firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/chiphi")),
		RedisURL:        firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EmailsQueue:     firstNonEmpty(raw.Redis.Queues.Emails, envOrDefault("EMAILS_QUEUE", "emails")),
		ContentStoreURL: firstNonEmpty(raw.ContentStore.URL, os.Getenv("CONTENT_STORE_URL")),
		RetentionDays:   envOrDefaultInt("IDEMPOTENCY_RETENTION_DAYS", 90),
		Port:            envOrDefaultInt("PORT", 8080),
		OpsPort:         envOrDefaultInt("OPS_PORT", 9090),
	}

	switch cfg.Environment {
	case providers.EnvDevelopment, providers.EnvProduction, providers.EnvTest:
	default:
		return nil, fmt.Errorf("unknown environment %q", cfg.Environment)
	}

	cfg.Providers = make(map[string]models.ProviderConfig)
	for name, p := range raw.Providers {
		pc := models.ProviderConfig{
			Name:             name,
			Enabled:          true,
			WebhookSecret:    p.WebhookSecret,
			SharedSecret:     p.SharedSecret,
			TimeoutMs:        p.TimeoutMs,
			VerifySignatures: true,
		}
		if p.Enabled != nil {
			pc.Enabled = *p.Enabled
		}
		if p.VerifySignatures != nil {
			pc.VerifySignatures = *p.VerifySignatures
		}
		cfg.Providers[name] = pc
	}

	// Env-only fallbacks so the gateway runs without a YAML file.
	cfg.ensureProvider(providers.NameCloudflare, os.Getenv("CLOUDFLARE_WEBHOOK_SECRET"), "")
	cfg.ensureProvider(providers.NameSES, "", os.Getenv("SES_SHARED_SECRET"))
	cfg.ensureProvider(providers.NameGmail, "", "")

	// Verification can only be disabled outside production.
	if cfg.Environment == providers.EnvProduction {
		for name, pc := range cfg.Providers {
			if !pc.VerifySignatures {
				return nil, fmt.Errorf("provider %s: signature verification cannot be disabled in production", name)
			}
		}
	}

	return cfg, nil
}

// ensureProvider adds a provider entry when the YAML omitted it.
func (c *Config) ensureProvider(name, webhookSecret, sharedSecret string) {
	if _, ok := c.Providers[name]; ok {
		return
	}
	c.Providers[name] = models.ProviderConfig{
		Name:             name,
		Enabled:          true,
		WebhookSecret:    webhookSecret,
		SharedSecret:     sharedSecret,
		VerifySignatures: true,
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
