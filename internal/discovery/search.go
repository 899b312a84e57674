// Package discovery finds artist handles for a city by running templated
// web searches and mining the results for profile handles.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
	"github.com/JakeFAU/scraper-fleet/internal/policy/ratelimit"
)

// DefaultEndpoint is the search API used when none is configured.
const DefaultEndpoint = "https://api.tavily.com/search"

// DefaultTemplates are the search queries run per city. "{style}" expands
// to every entry in DefaultStyles.
var DefaultTemplates = []string{
	"{style} tattoo artist {city} Instagram",
	"best tattoo artist {city} Instagram",
	"top tattoo artists {city}",
	"tattoo studio {city} Instagram",
	"custom tattoo {city}",
}

// DefaultStyles fill the {style} placeholder.
var DefaultStyles = []string{
	"fine line", "traditional", "geometric", "realism", "black and grey",
	"japanese", "watercolor", "minimalist", "blackwork", "dotwork",
	"neo traditional", "illustrative", "portrait", "floral", "tribal",
}

// Config configures the search client and query plan.
type Config struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	// QueryDelay is the minimum spacing between searches.
	QueryDelay time.Duration
	Timeout    time.Duration
	Templates  []string
	Styles     []string
}

func (c *Config) setDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 10
	}
	if c.QueryDelay < 0 {
		c.QueryDelay = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if len(c.Templates) == 0 {
		c.Templates = DefaultTemplates
	}
	if len(c.Styles) == 0 {
		c.Styles = DefaultStyles
	}
}

// Searcher runs one search query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Client calls the search API.
type Client struct {
	http       *http.Client
	endpoint   string
	apiKey     string
	maxResults int
}

// NewClient builds a search API client.
func NewClient(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		http:       &http.Client{Timeout: cfg.Timeout},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		maxResults: cfg.MaxResults,
	}
}

type searchRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// Search posts one query and returns its results.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	body, err := json.Marshal(searchRequest{
		APIKey:      c.apiKey,
		Query:       query,
		SearchDepth: "basic",
		MaxResults:  c.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best effort
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best effort
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Results, nil
}

// Discoverer implements fleet.Discoverer over a Searcher.
type Discoverer struct {
	searcher  Searcher
	templates []string
	styles    []string
	pacer     *ratelimit.Limiter
	logger    *zap.Logger
}

// NewDiscoverer builds a Discoverer. Queries are spaced by cfg.QueryDelay.
func NewDiscoverer(searcher Searcher, cfg Config, logger *zap.Logger) *Discoverer {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		searcher:  searcher,
		templates: cfg.Templates,
		styles:    cfg.Styles,
		pacer:     ratelimit.New(ratelimit.Config{Name: "discovery", Every: cfg.QueryDelay, Burst: 1}),
		logger:    logger.Named("discovery"),
	}
}

// Queries expands the templates for a city.
func (d *Discoverer) Queries(cityName string) []string {
	var out []string
	for _, tmpl := range d.templates {
		withCity := strings.ReplaceAll(tmpl, "{city}", cityName)
		if !strings.Contains(withCity, "{style}") {
			out = append(out, withCity)
			continue
		}
		for _, style := range d.styles {
			out = append(out, strings.ReplaceAll(withCity, "{style}", style))
		}
	}
	return out
}

// Discover runs every query for the city. A failed query is logged and
// skipped; the call only fails when every query failed or ctx ended.
func (d *Discoverer) Discover(ctx context.Context, city fleet.City) ([]string, error) {
	name := city.Name
	if name == "" {
		name = city.Slug
	}
	logger := d.logger.With(zap.String("city", city.Slug))
	queries := d.Queries(name)

	var (
		handles  []string
		failures int
		lastErr  error
	)
	for i, q := range queries {
		if err := d.pacer.Wait(ctx, "search"); err != nil {
			return nil, fmt.Errorf("discover %s: %w", city.Slug, err)
		}
		results, err := d.searcher.Search(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("discover %s: %w", city.Slug, ctx.Err())
			}
			failures++
			lastErr = err
			logger.Warn("search failed", zap.String("query", q), zap.Error(err))
			continue
		}
		handles = append(handles, ExtractHandles(results)...)
		if (i+1)%10 == 0 {
			logger.Info("discovery progress", zap.Int("queries", i+1), zap.Int("handles", len(handles)))
		}
	}
	if len(queries) > 0 && failures == len(queries) {
		return nil, fmt.Errorf("discover %s: all %d searches failed: %w", city.Slug, failures, lastErr)
	}
	unique := fleet.NormalizeHandles(handles)
	logger.Info("discovery complete", zap.Int("queries", len(queries)), zap.Int("handles", len(unique)))
	return unique, nil
}

// ErrNoAPIKey is returned by Validate when no key is configured.
var ErrNoAPIKey = errors.New("search api key not configured")

// Validate checks the settings a live client needs.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
