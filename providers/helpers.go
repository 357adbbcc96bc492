package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// maxProviderResponseSize caps provider response bodies (1 MB) to prevent
// memory exhaustion from a misbehaving upstream.
const maxProviderResponseSize = 1 << 20

// ExchangeCode performs an upstream authorization code exchange using the
// given oauth2 config and HTTP client. Shared by the concrete variants.
func ExchangeCode(ctx context.Context, config *oauth2.Config, httpClient *http.Client, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// FetchJSON performs an authenticated GET against a provider endpoint and
// decodes the JSON response into out. Non-200 responses are surfaced with
// their status code but never their body, which may echo credentials.
func FetchJSON(ctx context.Context, httpClient *http.Client, endpoint, bearerToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxProviderResponseSize)
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
