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

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/validation"
)

// HealthCheckTTL is how long a cached provider health check stays fresh.
const HealthCheckTTL = 60 * time.Second

// FactoryConfig is everything the factory needs to build adapters.
type FactoryConfig struct {
	Environment     string
	InboxDomain     string
	DefaultProvider string
	Providers       map[string]models.ProviderConfig
	RawContent      RawContentFetcher
}

// Factory constructs, caches and health-checks provider adapters. It is an
// explicit, injected object — constructed once at startup, passed by
// reference — so tests never leak state through package globals.
type Factory struct {
	cfg     FactoryConfig
	aliases *validation.AliasValidator

	mu        sync.Mutex
	instances map[string]Provider
	health    map[string]models.ProviderHealthCheck
}

// NewFactory creates the provider factory. Unknown default provider names
// surface immediately as configuration errors.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = NameCloudflare
	}
	if !knownProvider(cfg.DefaultProvider) {
		return nil, &ConfigurationError{
			Provider: cfg.DefaultProvider,
			Field:    "default_provider",
			Reason:   "unknown provider name",
		}
	}
	return &Factory{
		cfg:       cfg,
		aliases:   validation.NewAliasValidator(cfg.InboxDomain),
		instances: make(map[string]Provider),
		health:    make(map[string]models.ProviderHealthCheck),
	}, nil
}

func knownProvider(name string) bool {
	switch name {
	case NameCloudflare, NameSES, NameGmail:
		return true
	}
	return false
}

// Names returns the known provider names in stable order.
func (f *Factory) Names() []string {
	names := []string{NameCloudflare, NameSES, NameGmail}
	sort.Strings(names)
	return names
}

// Aliases returns the alias validator shared by all adapters.
func (f *Factory) Aliases() *validation.AliasValidator {
	return f.aliases
}

// Provider returns the adapter for the given name using configured
// settings, constructing and caching it on first use.
func (f *Factory) Provider(name string) (Provider, error) {
	return f.ProviderWithConfig(name, f.providerConfig(name))
}

// ProviderWithConfig constructs an adapter with explicit secret/timeout
// overrides. Instances are cached by (name, serialized config) so repeated
// construction with identical settings returns the same adapter — cheap
// reuse, not a correctness requirement.
func (f *Factory) ProviderWithConfig(name string, cfg models.ProviderConfig) (Provider, error) {
	key, err := cacheKey(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("serialize provider config: %w", err)
	}

	f.mu.Lock()
	if p, ok := f.instances[key]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	p, err := f.build(name, cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.instances[key] = p
	f.mu.Unlock()
	return p, nil
}

func (f *Factory) build(name string, cfg models.ProviderConfig) (Provider, error) {
	switch name {
	case NameCloudflare:
		return NewCloudflare(cfg, f.cfg.Environment, f.aliases)
	case NameSES:
		return NewSES(cfg, f.cfg.Environment, f.aliases, f.cfg.RawContent)
	case NameGmail:
		return NewGmail(cfg, f.cfg.Environment, f.aliases)
	default:
		return nil, &ConfigurationError{Provider: name, Field: "name", Reason: "unknown provider"}
	}
}

func (f *Factory) providerConfig(name string) models.ProviderConfig {
	if cfg, ok := f.cfg.Providers[name]; ok {
		return cfg
	}
	return models.ProviderConfig{Name: name, VerifySignatures: true}
}

func cacheKey(name string, cfg models.ProviderConfig) (string, error) {
	serialized, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return name + ":" + string(serialized), nil
}

// DefaultProvider returns the configured default adapter. Outside
// production, missing secrets construct fine with unverified placeholder
// settings so builds and local runs never fail on credentials.
func (f *Factory) DefaultProvider() (Provider, error) {
	return f.Provider(f.cfg.DefaultProvider)
}

// FallbackName returns the alternate production provider for the given
// name, or "" when none exists. Gmail is a test path, never a fallback.
func (f *Factory) FallbackName(name string) string {
	switch name {
	case NameCloudflare:
		return NameSES
	case NameSES:
		return NameCloudflare
	}
	return ""
}

// FallbackProvider returns the one alternate provider if and only if that
// alternate is itself fully configured; otherwise nil. Callers must treat
// nil as "no failover available", not an error.
func (f *Factory) FallbackProvider(name string) Provider {
	alt := f.FallbackName(name)
	if alt == "" {
		return nil
	}
	cfg, ok := f.cfg.Providers[alt]
	if !ok || !f.fullyConfigured(alt, cfg) {
		return nil
	}
	p, err := f.ProviderWithConfig(alt, cfg)
	if err != nil {
		return nil
	}
	return p
}

// fullyConfigured means the provider could verify real traffic: enabled,
// with a real (non-placeholder) secret for its verification path.
func (f *Factory) fullyConfigured(name string, cfg models.ProviderConfig) bool {
	if !cfg.Enabled {
		return false
	}
	secret := cfg.WebhookSecret
	if name == NameSES {
		secret = cfg.SharedSecret
	}
	return secret != "" && !IsPlaceholderSecret(secret)
}

// HealthCheck returns the (possibly cached) health of one provider. Cached
// results are reused within HealthCheckTTL to avoid hammering providers.
func (f *Factory) HealthCheck(ctx context.Context, name string) models.ProviderHealthCheck {
	f.mu.Lock()
	if hc, ok := f.health[name]; ok && time.Since(hc.LastChecked) < HealthCheckTTL {
		f.mu.Unlock()
		return hc
	}
	f.mu.Unlock()

	hc := f.checkNow(ctx, name)

	f.mu.Lock()
	f.health[name] = hc
	f.mu.Unlock()
	return hc
}

// checkNow performs an uncached health check. Construction failures and
// panics become unhealthy results, never propagate.
func (f *Factory) checkNow(ctx context.Context, name string) (hc models.ProviderHealthCheck) {
	defer func() {
		if r := recover(); r != nil {
			hc = models.ProviderHealthCheck{
				Provider:    name,
				Healthy:     false,
				LastChecked: time.Now().UTC(),
				Error:       fmt.Sprintf("health check panicked: %v", r),
			}
		}
	}()

	p, err := f.Provider(name)
	if err != nil {
		return models.ProviderHealthCheck{
			Provider:    name,
			Healthy:     false,
			LastChecked: time.Now().UTC(),
			Error:       err.Error(),
		}
	}
	return p.HealthCheck(ctx)
}

// PerformAllHealthChecks runs every provider's health check concurrently
// and returns a complete map even when individual checks fail.
func (f *Factory) PerformAllHealthChecks(ctx context.Context) map[string]models.ProviderHealthCheck {
	names := f.Names()
	results := make([]models.ProviderHealthCheck, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = f.HealthCheck(ctx, name)
		}(i, name)
	}
	wg.Wait()

	out := make(map[string]models.ProviderHealthCheck, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

// ClearCache resets both the instance and health-check caches. Used for
// configuration reloads and test isolation.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances = make(map[string]Provider)
	f.health = make(map[string]models.ProviderHealthCheck)
}
