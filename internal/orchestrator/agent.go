package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// AgentClient talks to a worker's health server.
type AgentClient interface {
	Ping(ctx context.Context, ip string) (AgentHealth, error)
	RequestShutdown(ctx context.Context, ip string) error
}

// AgentHealth is the body of a worker's GET /health.
type AgentHealth struct {
	Status              string `json:"status"`
	Name                string `json:"name"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// HTTPAgent is the AgentClient used in production.
type HTTPAgent struct {
	client *http.Client
	port   int
	token  string
}

// NewHTTPAgent builds a client with a per-request timeout.
func NewHTTPAgent(port int, token string, timeout time.Duration) *HTTPAgent {
	return &HTTPAgent{client: &http.Client{Timeout: timeout}, port: port, token: token}
}

func (a *HTTPAgent) url(ip, path string) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(a.port)) + path
}

// Ping reads GET /health, which must answer 200.
func (a *HTTPAgent) Ping(ctx context.Context, ip string) (AgentHealth, error) {
	var h AgentHealth
	err := a.do(ctx, http.MethodGet, a.url(ip, "/health"), http.StatusOK, &h)
	return h, err
}

// RequestShutdown posts to /shutdown and expects 202.
func (a *HTTPAgent) RequestShutdown(ctx context.Context, ip string) error {
	return a.do(ctx, http.MethodPost, a.url(ip, "/shutdown"), http.StatusAccepted, nil)
}

func (a *HTTPAgent) do(ctx context.Context, method, url string, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body := io.LimitReader(resp.Body, 4096)
	defer io.Copy(io.Discard, body) //nolint:errcheck // keep-alive reuse
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decode body: %w", method, url, err)
		}
	}
	return nil
}
