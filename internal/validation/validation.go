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

// Package validation checks provider wire formats and the canonical payload.
// Validators accumulate human-readable problems into string slices which the
// adapters wrap into typed parsing errors — one failed field never hides the
// others.
package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/chiphi/ingestion/internal/models"
)

// DefaultInboxDomain is the domain inbound aliases must belong to unless
// overridden in configuration.
const DefaultInboxDomain = "inbox.chiphi.ai"

// messageIDPattern restricts provider message IDs to a safe charset.
// Covers RFC 5322 Message-ID forms (angle brackets, @, dots) as well as the
// opaque IDs SES and Cloudflare generate.
var messageIDPattern = regexp.MustCompile(`^[A-Za-z0-9@._<>+:=\-]{1,255}$`)

// AliasValidator validates inbound aliases of the form u_<slug>@<domain>
// and extracts the organisation slug.
type AliasValidator struct {
	domain  string
	pattern *regexp.Regexp
}

// NewAliasValidator builds a validator for the given inbox domain.
func NewAliasValidator(domain string) *AliasValidator {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = DefaultInboxDomain
	}
	return &AliasValidator{
		domain:  domain,
		pattern: regexp.MustCompile(`^u_([A-Za-z0-9_-]+)@` + regexp.QuoteMeta(domain) + `$`),
	}
}

// ExtractOrgSlug returns the organisation slug encoded in the alias.
// A malformed alias yields an error — the alias uniquely determines the
// organisation, so there is no fallback.
func (v *AliasValidator) ExtractOrgSlug(alias string) (string, error) {
	m := v.pattern.FindStringSubmatch(strings.TrimSpace(alias))
	if m == nil {
		return "", fmt.Errorf("alias %q does not match u_<slug>@%s", alias, v.domain)
	}
	return m[1], nil
}

// Valid reports whether the alias is well formed.
func (v *AliasValidator) Valid(alias string) bool {
	_, err := v.ExtractOrgSlug(alias)
	return err == nil
}

// Domain returns the inbox domain the validator was built with.
func (v *AliasValidator) Domain() string {
	return v.domain
}

// ValidMessageID reports whether a provider message ID is acceptable:
// 1–255 characters from the restricted charset.
func ValidMessageID(id string) bool {
	return messageIDPattern.MatchString(id)
}

// ValidEmailAddress reports whether the string parses as a single RFC 5322
// address.
func ValidEmailAddress(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	_, err := mail.ParseAddress(addr)
	return err == nil
}

// Payload validates a canonical payload after adapter parsing. Returns the
// full list of problems, empty when the payload is acceptable.
func (v *AliasValidator) Payload(p *models.NormalizedEmailPayload) []string {
	var problems []string

	if p == nil {
		return []string{"payload is nil"}
	}
	if !v.Valid(p.Alias) {
		problems = append(problems, fmt.Sprintf("alias %q is malformed", p.Alias))
	}
	if !ValidMessageID(p.MessageID) {
		problems = append(problems, fmt.Sprintf("message_id %q is missing or invalid", p.MessageID))
	}
	if !ValidEmailAddress(p.From) {
		problems = append(problems, fmt.Sprintf("from address %q is invalid", p.From))
	}
	if !ValidEmailAddress(p.To) {
		problems = append(problems, fmt.Sprintf("to address %q is invalid", p.To))
	}
	if !p.HasContent() {
		problems = append(problems, "payload has neither text nor html content")
	}
	for i, a := range p.Attachments {
		if a.Name == "" {
			problems = append(problems, fmt.Sprintf("attachment %d has no name", i))
		}
		if a.Size < 0 {
			problems = append(problems, fmt.Sprintf("attachment %d has negative size", i))
		}
	}
	return problems
}
