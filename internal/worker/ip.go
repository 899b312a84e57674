package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// IPResolver discovers the worker's public address.
type IPResolver interface {
	ExternalIP(ctx context.Context) (string, error)
}

// HTTPIPResolver asks a plain-text echo service such as api.ipify.org.
type HTTPIPResolver struct {
	URL    string
	Client *http.Client
}

// NewHTTPIPResolver returns a resolver with a short client timeout.
func NewHTTPIPResolver(url string) *HTTPIPResolver {
	return &HTTPIPResolver{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// ExternalIP performs the lookup.
func (r *HTTPIPResolver) ExternalIP(ctx context.Context) (string, error) {
	if r.URL == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build ip request: %w", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve external ip: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve external ip: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read ip response: %w", err)
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("resolve external ip: unexpected body %q", ip)
	}
	return ip, nil
}
