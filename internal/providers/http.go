package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/liu-kaining/ThetaMind-sub004/internal/domain"
)

// HTTPProvider talks to a market-data HTTP API exposing
// GET {base}/v1/{kind}/{symbol} endpoints returning JSON.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider builds a provider for the given base URL.
func NewHTTPProvider(name, baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// Fetch performs one GET round-trip. Server errors, rate limits and
// network failures are transient; 4xx responses are permanent.
func (p *HTTPProvider) Fetch(ctx context.Context, symbol string, kind DataKind) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/%s", p.baseURL, string(kind), url.PathEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", kind, err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &domain.TransientProviderError{Provider: p.name, Err: err}
		}
		return nil, fmt.Errorf("%s fetch %s/%s: %w", p.name, kind, symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &domain.TransientProviderError{Provider: p.name, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &domain.TransientProviderError{
			Provider: p.name,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200)),
		}
	default:
		return nil, fmt.Errorf("%s fetch %s/%s: status %d: %s",
			p.name, kind, symbol, resp.StatusCode, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
