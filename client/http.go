package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"webviewauth/keycloak"
)

// postJSON posts body to url and decodes a 2xx reply into out. Non-2xx
// replies become *keycloak.Error built from the JSON error body.
func postJSON(ctx context.Context, hc *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", endpointPath(url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return keycloak.ParseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpointPath(url), err)
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

// endpointPath keeps error messages free of hosts and query strings.
func endpointPath(raw string) string {
	if i := strings.Index(raw, "://"); i != -1 {
		raw = raw[i+3:]
		if j := strings.Index(raw, "/"); j != -1 {
			raw = raw[j:]
		} else {
			raw = "/"
		}
	}
	if i := strings.IndexAny(raw, "?#"); i != -1 {
		raw = raw[:i]
	}
	return raw
}
