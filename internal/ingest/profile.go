package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// ErrProfileNotFound means the handle does not exist on the platform.
var ErrProfileNotFound = errors.New("profile not found")

// Post is one media item on a profile.
type Post struct {
	Shortcode string    `json:"shortcode"`
	MediaURL  string    `json:"media_url"`
	IsVideo   bool      `json:"is_video"`
	TakenAt   time.Time `json:"taken_at"`
}

// Profile is the public view of an artist account.
type Profile struct {
	Handle        string `json:"handle"`
	FollowerCount int    `json:"follower_count"`
	Private       bool   `json:"is_private"`
	Posts         []Post `json:"posts"`
}

// ProfileSource loads a profile with up to limit recent posts.
type ProfileSource interface {
	FetchProfile(ctx context.Context, handle string, limit int) (Profile, error)
}

// ProfileAPIConfig configures ProfileAPI.
type ProfileAPIConfig struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
}

// ProfileAPI reads profiles from an HTTP JSON API.
type ProfileAPI struct {
	client    *http.Client
	baseURL   string
	token     string
	userAgent string
}

// NewProfileAPI builds a ProfileAPI client.
func NewProfileAPI(cfg ProfileAPIConfig) (*ProfileAPI, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("profile api base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse profile api url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ProfileAPI{
		client:    &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
	}, nil
}

// FetchProfile calls GET {base}/v1/profiles/{handle}?limit=N. 401 and 429
// responses come back as *fleet.RateLimitError.
func (a *ProfileAPI) FetchProfile(ctx context.Context, handle string, limit int) (Profile, error) {
	endpoint := a.baseURL + "/v1/profiles/" + url.PathEscape(handle) + "?limit=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile %s: %w", handle, err)
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // best effort

	if err := statusError(resp); err != nil {
		return Profile{}, fmt.Errorf("fetch profile %s: %w", handle, err)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", handle, err)
	}
	if p.Handle == "" {
		p.Handle = handle
	}
	return p, nil
}

// statusError maps a non-200 response to an error: 401 and 429 become
// rate-limit signals and 404 becomes ErrProfileNotFound.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusTooManyRequests:
		return &fleet.RateLimitError{
			Kind: "http_" + strconv.Itoa(resp.StatusCode),
			Err:  fmt.Errorf("%s: %s", resp.Status, readSnippet(resp.Body)),
		}
	case resp.StatusCode == http.StatusNotFound:
		return ErrProfileNotFound
	default:
		return fmt.Errorf("unexpected status %s: %s", resp.Status, readSnippet(resp.Body))
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256)) //nolint:errcheck // best effort
	return strings.TrimSpace(string(b))
}
