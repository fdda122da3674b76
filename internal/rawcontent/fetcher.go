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

// Package rawcontent retrieves stored raw message content (MIME blobs in
// object storage) referenced by keys carried in provider payloads. It is
// injected into adapters as a capability, keeping content I/O out of the
// protocol parsing path.
package rawcontent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// maxContentBytes caps a single raw message read.
const maxContentBytes = 25 << 20 // 25 MiB, the common inbound size limit

// HTTPFetcher fetches raw content over HTTP from a content store base URL
// (an object-storage gateway or an internal content service). The client
// may carry OAuth2 client-credentials when the store requires it.
type HTTPFetcher struct {
	client  *http.Client
	baseURL string
}

// New creates a fetcher with a plain HTTP client bounded by the given
// timeout.
func New(baseURL string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// NewWithClientCredentials creates a fetcher whose requests authenticate
// via the OAuth2 client-credentials flow — used for stores that front the
// Gmail API.
func NewWithClientCredentials(ctx context.Context, baseURL string, creds *clientcredentials.Config, timeout time.Duration) *HTTPFetcher {
	client := creds.Client(ctx)
	client.Timeout = timeout
	return &HTTPFetcher{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Fetch retrieves the raw content behind a storage key. A missing object is
// an error — callers decide whether absence is fatal for their payload.
func (f *HTTPFetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("content key is empty")
	}

	// Escape per path segment — storage keys legitimately contain slashes.
	segments := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	u := f.baseURL + "/" + strings.Join(segments, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build content request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("raw content not found (may have expired)", "key", key)
		return nil, fmt.Errorf("content %s not found", key)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("content store returned HTTP %d for %s", resp.StatusCode, key)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return nil, fmt.Errorf("read content body: %w", err)
	}
	return data, nil
}
