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
	"log/slog"
	"sync"
)

// Switcher tracks which provider is active and which is the standby, and
// fails over between them based on health. When neither is healthy it
// returns the current provider anyway — the caller observes the failure
// naturally, which beats hiding it behind a dead fallback.
type Switcher struct {
	factory *Factory

	mu       sync.Mutex
	current  string
	fallback string
}

// NewSwitcher creates a switcher starting on the given provider. The
// standby is derived from the factory's fallback pairing.
func NewSwitcher(factory *Factory, current string) (*Switcher, error) {
	if _, err := factory.Provider(current); err != nil {
		return nil, err
	}
	return &Switcher{
		factory:  factory,
		current:  current,
		fallback: factory.FallbackName(current),
	}, nil
}

// Current returns the active provider name.
func (s *Switcher) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SwitchProvider validates the new provider's configuration, then
// atomically updates current and fallback. Invalid configuration surfaces
// as a ConfigurationError and leaves the state untouched.
func (s *Switcher) SwitchProvider(name string) error {
	if !knownProvider(name) {
		return &ConfigurationError{Provider: name, Field: "name", Reason: "unknown provider"}
	}
	if _, err := s.factory.Provider(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = name
	s.fallback = s.factory.FallbackName(name)

	slog.Info("switched active provider",
		"current", s.current,
		"fallback", s.fallback,
	)
	return nil
}

// ActiveProvider decides which provider should receive traffic:
// healthy current → current; else healthy fallback → fallback; else the
// current provider regardless, degrading visibly.
func (s *Switcher) ActiveProvider(ctx context.Context) (Provider, error) {
	s.mu.Lock()
	current, fallback := s.current, s.fallback
	s.mu.Unlock()

	if hc := s.factory.HealthCheck(ctx, current); hc.Healthy {
		return s.factory.Provider(current)
	}

	if fallback != "" {
		if hc := s.factory.HealthCheck(ctx, fallback); hc.Healthy {
			if p := s.factory.FallbackProvider(current); p != nil {
				slog.Warn("primary provider unhealthy, failing over",
					"primary", current,
					"fallback", fallback,
				)
				return p, nil
			}
		}
	}

	slog.Warn("no healthy provider available, staying on current", "provider", current)
	return s.factory.Provider(current)
}
