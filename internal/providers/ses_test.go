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
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/chiphi/ingestion/internal/models"
	"github.com/chiphi/ingestion/internal/validation"
)

func testAliases() *validation.AliasValidator {
	return validation.NewAliasValidator("inbox.chiphi.ai")
}

func newTestSES(t *testing.T, cfg models.ProviderConfig, content RawContentFetcher) *SES {
	t.Helper()
	s, err := NewSES(cfg, EnvTest, testAliases(), content)
	if err != nil {
		t.Fatalf("NewSES: %v", err)
	}
	return s
}

func lambdaRequest(body []byte, secret string) *InboundRequest {
	headers := http.Header{}
	if secret != "" {
		headers.Set(HeaderSharedSecret, secret)
	}
	return &InboundRequest{
		Method:  http.MethodPost,
		Path:    "/webhook/ses/lambda",
		Headers: headers,
		Body:    body,
	}
}

func TestLambdaPathDispatch(t *testing.T) {
	if !isLambdaPath("/webhook/ses/lambda") {
		t.Error("lambda endpoint should dispatch to the lambda protocol")
	}
	if isLambdaPath("/webhook/ses") {
		t.Error("SNS endpoint must not dispatch to the lambda protocol")
	}
}

func TestVerifySharedSecret(t *testing.T) {
	const secret = "relay-secret-123"
	s := newTestSES(t, models.ProviderConfig{SharedSecret: secret, VerifySignatures: true}, nil)

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"correct secret", secret, false},
		{"wrong secret same length", "relay-secret-456", true},
		{"wrong length", "short", true},
		{"missing header", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Verify(context.Background(), lambdaRequest([]byte(`{}`), tt.header))
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPathDecidesProtocolNotBodyShape(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	const secret = "relay-secret-123"
	s := newTestSES(t, models.ProviderConfig{SharedSecret: secret, VerifySignatures: true}, nil)

	// An SNS-shaped body on the lambda path still authenticates via the
	// shared secret, and its envelope fields mean nothing to the compact
	// parser.
	snsBody := signedEnvelope(t, key, nil)
	if err := s.Verify(context.Background(), lambdaRequest(snsBody, secret)); err != nil {
		t.Errorf("lambda path must use shared-secret auth regardless of body: %v", err)
	}
	if _, err := s.Parse(context.Background(), lambdaRequest(snsBody, secret)); err == nil {
		t.Error("SNS envelope is not a valid compact payload on the lambda path")
	}

	// A compact body on the SNS path must fail SNS envelope validation —
	// the shared-secret header buys nothing there.
	compact := []byte(`{"alias":"u_acme@inbox.chiphi.ai","messageId":"m1","from":"a@b.example","text":"x"}`)
	req := snsRequest(compact)
	req.Headers.Set(HeaderSharedSecret, secret)
	if err := s.Verify(context.Background(), req); err == nil {
		t.Error("SNS path must require a valid SNS envelope regardless of headers")
	}
}

func TestVerifySharedSecretRequiresConfiguration(t *testing.T) {
	s := newTestSES(t, models.ProviderConfig{VerifySignatures: true}, nil)
	err := s.Verify(context.Background(), lambdaRequest([]byte(`{}`), "anything"))
	if err == nil {
		t.Fatal("lambda path with no configured shared secret must reject")
	}
}

func TestParseLambda(t *testing.T) {
	s := newTestSES(t, models.ProviderConfig{SharedSecret: "x", VerifySignatures: true}, nil)
	body := []byte(`{
		"alias": "u_acme@inbox.chiphi.ai",
		"messageId": "<ses-1@mail.example>",
		"from": "vendor@supplier.example",
		"subject": "Receipt",
		"text": "Total: $99",
		"rawRef": "inbound/acme/ses-1.eml",
		"receivedAt": "2026-08-27T12:00:00Z",
		"attachments": [{"filename": "receipt.pdf", "contentType": "application/pdf", "size": 1024}]
	}`)

	payload, err := s.Parse(context.Background(), lambdaRequest(body, "x"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if payload.To != "u_acme@inbox.chiphi.ai" {
		t.Errorf("To should default to alias, got %q", payload.To)
	}
	if payload.ReceivedAt == nil || payload.ReceivedAt.Hour() != 12 {
		t.Errorf("ReceivedAt not parsed: %v", payload.ReceivedAt)
	}
	if len(payload.Attachments) != 1 || payload.Attachments[0].Size != 1024 {
		t.Errorf("attachments = %+v", payload.Attachments)
	}
	if payload.RawRef != "inbound/acme/ses-1.eml" {
		t.Errorf("RawRef = %q", payload.RawRef)
	}
}

func signedEnvelope(t *testing.T, key *rsa.PrivateKey, mutate func(*snsEnvelope)) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]any{
		"mail": map[string]any{
			"timestamp":     "2026-08-27T12:00:00Z",
			"messageId":     "ses-msg-1",
			"source":        "vendor@supplier.example",
			"destination":   []string{"u_acme@inbox.chiphi.ai"},
			"commonHeaders": map[string]string{"subject": "Invoice"},
		},
		"content": map[string]string{"text": "Amount due: $10"},
	})
	if err != nil {
		t.Fatalf("marshal inner message: %v", err)
	}

	env := &snsEnvelope{
		Type:             "Notification",
		MessageID:        "sns-id-1",
		TopicArn:         "arn:aws:sns:us-east-1:123456789012:inbound-email",
		Message:          string(inner),
		Timestamp:        "2026-08-27T12:00:01Z",
		SignatureVersion: "1",
		SigningCertURL:   "https://sns.us-east-1.amazonaws.com/SimpleNotificationService-test.pem",
	}

	digest := sha1.Sum(env.stringToSign())
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, digest[:])
	if err != nil {
		t.Fatalf("sign envelope: %v", err)
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)

	if mutate != nil {
		mutate(env)
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func snsRequest(body []byte) *InboundRequest {
	return &InboundRequest{
		Method:  http.MethodPost,
		Path:    "/webhook/ses",
		Headers: http.Header{},
		Body:    body,
	}
}

func TestVerifySNSSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	s := newTestSES(t, models.ProviderConfig{VerifySignatures: true, SharedSecret: "x"}, nil)
	// Pre-seed the certificate cache so verification never touches the
	// network. The URL still has to pass the SNS endpoint guard.
	s.certs["https://sns.us-east-1.amazonaws.com/SimpleNotificationService-test.pem"] = &key.PublicKey

	if err := s.Verify(context.Background(), snsRequest(signedEnvelope(t, key, nil))); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	tampered := signedEnvelope(t, key, func(e *snsEnvelope) {
		e.Message = strings.Replace(e.Message, "$10", "$9999", 1)
	})
	if err := s.Verify(context.Background(), snsRequest(tampered)); err == nil {
		t.Fatal("tampered Message must fail signature verification")
	}
}

func TestVerifySNSCertURLGuard(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := newTestSES(t, models.ProviderConfig{VerifySignatures: true, SharedSecret: "x"}, nil)

	tests := []struct {
		name string
		url  string
	}{
		{"attacker host", "https://attacker.example/cert.pem"},
		{"lookalike suffix", "https://sns.us-east-1.amazonaws.com.evil.example/cert.pem"},
		{"plain http", "http://sns.us-east-1.amazonaws.com/cert.pem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := signedEnvelope(t, key, func(e *snsEnvelope) {
				e.SigningCertURL = tt.url
			})
			err := s.Verify(context.Background(), snsRequest(body))
			if err == nil {
				t.Fatal("non-SNS cert URL must be rejected before any download")
			}
			var verr *VerificationError
			if !errors.As(err, &verr) {
				t.Fatalf("error type = %T, want *VerificationError", err)
			}
		})
	}
}

func TestVerifySNSEnvelopeSchema(t *testing.T) {
	s := newTestSES(t, models.ProviderConfig{VerifySignatures: true, SharedSecret: "x"}, nil)
	body := []byte(`{"Type": "SubscriptionConfirmation", "MessageId": "m1"}`)
	if err := s.Verify(context.Background(), snsRequest(body)); err == nil {
		t.Fatal("non-Notification envelope must be rejected")
	}
}

func TestStringToSign(t *testing.T) {
	env := &snsEnvelope{
		Type:      "Notification",
		MessageID: "m1",
		TopicArn:  "arn:topic",
		Message:   "hello",
		Timestamp: "2026-08-27T12:00:00Z",
	}
	want := "Message\nhello\nMessageId\nm1\nTimestamp\n2026-08-27T12:00:00Z\nTopicArn\narn:topic\nType\nNotification\n"
	if got := string(env.stringToSign()); got != want {
		t.Errorf("stringToSign without subject:\ngot  %q\nwant %q", got, want)
	}

	env.Subject = "alert"
	want = "Message\nhello\nMessageId\nm1\nSubject\nalert\nTimestamp\n2026-08-27T12:00:00Z\nTopicArn\narn:topic\nType\nNotification\n"
	if got := string(env.stringToSign()); got != want {
		t.Errorf("stringToSign with subject:\ngot  %q\nwant %q", got, want)
	}
}

// fetcherFunc adapts a function to the RawContentFetcher interface.
type fetcherFunc func(ctx context.Context, key string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) { return f(ctx, key) }

func TestParseSNSFetchesStoredContent(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var fetchedKey string
	fetch := fetcherFunc(func(_ context.Context, k string) ([]byte, error) {
		fetchedKey = k
		return []byte("stored MIME body"), nil
	})
	s := newTestSES(t, models.ProviderConfig{VerifySignatures: true, SharedSecret: "x"}, fetch)

	body := signedEnvelope(t, key, func(e *snsEnvelope) {
		e.Message = `{
			"mail": {
				"messageId": "ses-msg-2",
				"source": "vendor@supplier.example",
				"destination": ["u_acme@inbox.chiphi.ai"],
				"commonHeaders": {"subject": "Invoice"}
			},
			"content": {"s3ObjectKey": "inbound/acme/ses-msg-2.eml"}
		}`
	})

	payload, err := s.Parse(context.Background(), snsRequest(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if fetchedKey != "inbound/acme/ses-msg-2.eml" {
		t.Errorf("fetched key = %q", fetchedKey)
	}
	if payload.Text != "stored MIME body" {
		t.Errorf("Text = %q, want fetched content", payload.Text)
	}
	if payload.RawRef != "inbound/acme/ses-msg-2.eml" {
		t.Errorf("RawRef = %q", payload.RawRef)
	}
}

func TestParseSNSRejectsEmptyContent(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := newTestSES(t, models.ProviderConfig{VerifySignatures: true, SharedSecret: "x"}, nil)

	body := signedEnvelope(t, key, func(e *snsEnvelope) {
		e.Message = `{
			"mail": {
				"messageId": "ses-msg-3",
				"source": "vendor@supplier.example",
				"destination": ["u_acme@inbox.chiphi.ai"]
			},
			"content": {}
		}`
	})

	_, err = s.Parse(context.Background(), snsRequest(body))
	if err == nil {
		t.Fatal("message with no content and no storage key must fail parsing")
	}
}

func TestNormalizeAttachments(t *testing.T) {
	raw := []map[string]any{
		{"filename": "a.pdf", "contentType": "application/pdf", "size": float64(100), "s3ObjectKey": "k/a.pdf"},
		{"name": "b.csv", "type": "text/csv", "key": "k/b.csv"},
		{"content_type": "image/png"}, // nameless, dropped
		{"filename": "c.txt", "size": float64(-5)},
	}
	got := NormalizeAttachments(raw)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (nameless entry dropped): %+v", len(got), got)
	}
	if got[0].Name != "a.pdf" || got[0].Size != 100 || got[0].StorageKey != "k/a.pdf" {
		t.Errorf("first attachment = %+v", got[0])
	}
	if got[1].Name != "b.csv" || got[1].ContentType != "text/csv" || got[1].StorageKey != "k/b.csv" {
		t.Errorf("second attachment = %+v", got[1])
	}
	if got[2].Size != 0 {
		t.Errorf("negative size should clamp to 0, got %d", got[2].Size)
	}

	if NormalizeAttachments(nil) != nil {
		t.Error("nil input should stay nil")
	}
	if NormalizeAttachments([]map[string]any{{"size": float64(1)}}) != nil {
		t.Error("all-nameless input should collapse to nil")
	}
}
