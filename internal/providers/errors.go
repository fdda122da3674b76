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
	"fmt"
	"strings"
)

// VerificationError means authentication of an inbound request failed:
// bad signature, missing header, wrong shared secret, untrusted certificate
// URL. The request is always rejected — never downgraded to "unverified".
type VerificationError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: verification failed: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: verification failed: %s", e.Provider, e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// ParsingError means the payload was present but semantically invalid.
// Carries a fresh correlation ID and the accumulated validation problems
// for operator diagnosis. Never contains secret material.
type ParsingError struct {
	Provider      string
	CorrelationID string
	Problems      []string
	Err           error
}

func (e *ParsingError) Error() string {
	msg := fmt.Sprintf("%s: parsing failed [%s]", e.Provider, e.CorrelationID)
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParsingError) Unwrap() error { return e.Err }

// ConfigurationError means an adapter or the factory is misconfigured:
// missing required secret in production, unknown provider name, timeout out
// of bounds. Raised at construction time, before any request work.
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s: %s", e.Provider, e.Field, e.Reason)
}
