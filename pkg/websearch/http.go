// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/leseb/deepsearch-gw/pkg/provider"
)

// maxResponseBytes caps how much of a search API reply is read.
const maxResponseBytes = 4 << 20

// UpstreamError is a non-success reply from a search API.
type UpstreamError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s search returned status %d: %s", e.Provider, e.Status, e.Body)
}

// keyedAPI is the shared state of the key-authenticated JSON providers.
type keyedAPI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newKeyedAPI(apiKey, defaultURL string, opts []Option) keyedAPI {
	o := buildOptions(defaultURL, opts)
	return keyedAPI{apiKey: apiKey, baseURL: o.baseURL, httpClient: o.client}
}

// registerKeyed registers a provider that needs the api_key param. A
// missing key is reported as a MissingCredentialError naming setting.
func registerKeyed(name, setting string, build func(apiKey string, opts ...Option) Provider) {
	Providers.Register(name, func(_ context.Context, params provider.Params) (Provider, error) {
		apiKey := params.Get("api_key")
		if apiKey == "" {
			return nil, &MissingCredentialError{Provider: name, Setting: setting}
		}
		return build(apiKey, paramOptions(params)...), nil
	})
}

// postJSON sends payload as a JSON body and decodes the reply into out.
func postJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(client, req, name, headers, out)
}

// getJSON fetches url and decodes the reply into out.
func getJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return doJSON(client, req, name, headers, out)
}

func doJSON(client *http.Client, req *http.Request, name string, headers map[string]string, out any) error {
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s search request: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{Provider: name, Status: resp.StatusCode, Body: truncateBody(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s response: %w", name, err)
	}
	return nil
}
