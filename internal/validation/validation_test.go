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

package validation

import (
	"strings"
	"testing"

	"github.com/chiphi/ingestion/internal/models"
)

// TestExtractOrgSlug verifies slug extraction and rejection of malformed aliases.
func TestExtractOrgSlug(t *testing.T) {
	v := NewAliasValidator("inbox.chiphi.ai")

	tests := []struct {
		alias     string
		wantSlug  string
		wantError bool
	}{
		{
			alias:    "u_acme-corp@inbox.chiphi.ai",
			wantSlug: "acme-corp",
		},
		{
			alias:    "u_acme@inbox.chiphi.ai",
			wantSlug: "acme",
		},
		{
			alias:    "u_org_42@inbox.chiphi.ai",
			wantSlug: "org_42",
		},
		{
			alias:     "acme@inbox.chiphi.ai",
			wantError: true,
		},
		{
			alias:     "u_acme@inbox.example.com",
			wantError: true,
		},
		{
			alias:     "u_@inbox.chiphi.ai",
			wantError: true,
		},
		{
			alias:     "u_acme@inboxXchiphi.ai", // dot must not match as wildcard
			wantError: true,
		},
		{
			alias:     "",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			slug, err := v.ExtractOrgSlug(tt.alias)
			if tt.wantError {
				if err == nil {
					t.Errorf("expected error for alias %q, got slug %q", tt.alias, slug)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if slug != tt.wantSlug {
				t.Errorf("slug = %q, want %q", slug, tt.wantSlug)
			}
		})
	}
}

// TestValidMessageID verifies message ID charset and length bounds.
func TestValidMessageID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"rfc5322 style", "<abc123@mail.example.com>", true},
		{"ses style", "0100018a1b2c3d4e-aaaa-bbbb", true},
		{"generated", "cf_1699999999_a1b2c3d4", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 256), false},
		{"max length", strings.Repeat("a", 255), true},
		{"whitespace", "abc def", false},
		{"control char", "abc\ndef", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidMessageID(tt.id); got != tt.want {
				t.Errorf("ValidMessageID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

// TestPayloadValidation verifies that problems accumulate rather than
// short-circuit.
func TestPayloadValidation(t *testing.T) {
	v := NewAliasValidator("")

	good := &models.NormalizedEmailPayload{
		Alias:     "u_acme@inbox.chiphi.ai",
		MessageID: "msg-1",
		From:      "sender@example.com",
		To:        "u_acme@inbox.chiphi.ai",
		Text:      "hello",
	}
	if problems := v.Payload(good); len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}

	bad := &models.NormalizedEmailPayload{
		Alias:     "not-an-alias",
		MessageID: "",
		From:      "not-an-address",
		To:        "",
		Attachments: []models.Attachment{
			{Name: "", Size: -1},
		},
	}
	problems := v.Payload(bad)
	// alias, message_id, from, to, content, attachment name, attachment size
	if len(problems) != 7 {
		t.Errorf("expected 7 problems, got %d: %v", len(problems), problems)
	}
}

// TestPayloadRequiresContent verifies the text-or-html invariant.
func TestPayloadRequiresContent(t *testing.T) {
	v := NewAliasValidator("")
	p := &models.NormalizedEmailPayload{
		Alias:     "u_acme@inbox.chiphi.ai",
		MessageID: "msg-1",
		From:      "sender@example.com",
		To:        "u_acme@inbox.chiphi.ai",
		HTML:      "<p>hi</p>",
	}
	if problems := v.Payload(p); len(problems) != 0 {
		t.Fatalf("html-only payload should be valid, got %v", problems)
	}

	p.HTML = ""
	if problems := v.Payload(p); len(problems) != 1 {
		t.Errorf("expected exactly one problem for empty content, got %v", problems)
	}
}
