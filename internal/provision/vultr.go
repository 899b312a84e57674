package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vultr/govultr/v3"
	"golang.org/x/oauth2"
)

// noIP is what Vultr reports as main_ip before an address is assigned.
const noIP = "0.0.0.0"

// VultrConfig holds Vultr instance defaults.
type VultrConfig struct {
	APIKey string
	Region string
	Plan   string
	OSID   int
	// BaseURL overrides the API endpoint (useful for testing).
	BaseURL string
	Tags    []string
	// RequestInterval spaces API calls. Zero uses 500ms.
	RequestInterval time.Duration
}

// Vultr implements Provider over the Vultr v2 API.
type Vultr struct {
	client *govultr.Client
	cfg    VultrConfig
}

// NewVultr builds a client authenticated with the API key.
func NewVultr(ctx context.Context, cfg VultrConfig) (*Vultr, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("vultr api key is required")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey})
	client := govultr.NewClient(oauth2.NewClient(ctx, ts))
	client.SetUserAgent("scraper-fleet")
	interval := cfg.RequestInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	client.SetRateLimit(interval)
	if cfg.BaseURL != "" {
		if err := client.SetBaseURL(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("set vultr base url: %w", err)
		}
	}
	return &Vultr{client: client, cfg: cfg}, nil
}

// CreateInstance boots a new instance with label as its label and hostname.
func (v *Vultr) CreateInstance(ctx context.Context, label string) (Instance, error) {
	req := &govultr.InstanceCreateReq{
		Region:     v.cfg.Region,
		Plan:       v.cfg.Plan,
		OsID:       v.cfg.OSID,
		Label:      label,
		Hostname:   label,
		Backups:    "disabled",
		EnableIPv6: govultr.BoolToBoolPtr(false),
		Tags:       v.cfg.Tags,
	}
	inst, _, err := v.client.Instance.Create(ctx, req)
	if err != nil {
		return Instance{}, fmt.Errorf("create vultr instance %s: %w", label, err)
	}
	return fromVultr(inst), nil
}

// GetInstance fetches one instance.
func (v *Vultr) GetInstance(ctx context.Context, id string) (Instance, error) {
	inst, resp, err := v.client.Instance.Get(ctx, id)
	if isNotFound(resp, err) {
		return Instance{}, fmt.Errorf("get vultr instance %s: %w", id, ErrInstanceNotFound)
	}
	if err != nil {
		return Instance{}, fmt.Errorf("get vultr instance %s: %w", id, err)
	}
	return fromVultr(inst), nil
}

// DestroyInstance deletes an instance.
func (v *Vultr) DestroyInstance(ctx context.Context, id string) error {
	if err := v.client.Instance.Delete(ctx, id); err != nil {
		return fmt.Errorf("destroy vultr instance %s: %w", id, err)
	}
	return nil
}

// ListInstances returns every instance whose label starts with labelPrefix.
func (v *Vultr) ListInstances(ctx context.Context, labelPrefix string) ([]Instance, error) {
	opts := &govultr.ListOptions{PerPage: 100}
	var out []Instance
	for {
		page, meta, _, err := v.client.Instance.List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("list vultr instances: %w", err)
		}
		for i := range page {
			if strings.HasPrefix(page[i].Label, labelPrefix) {
				out = append(out, fromVultr(&page[i]))
			}
		}
		if meta == nil || meta.Links == nil || meta.Links.Next == "" {
			return out, nil
		}
		opts.Cursor = meta.Links.Next
	}
}

// isNotFound accepts either the HTTP status or the API error body, since the
// client does not always hand back the response on failure.
func isNotFound(resp *http.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	return err != nil && strings.Contains(err.Error(), `"status":404`)
}

func fromVultr(inst *govultr.Instance) Instance {
	if inst == nil {
		return Instance{}
	}
	ip := inst.MainIP
	if ip == noIP {
		ip = ""
	}
	created, _ := time.Parse(time.RFC3339, inst.DateCreated) //nolint:errcheck // zero time on malformed dates
	return Instance{
		ID:        inst.ID,
		Label:     inst.Label,
		IPAddress: ip,
		Status:    inst.Status,
		Password:  inst.DefaultPassword,
		Region:    inst.Region,
		Plan:      inst.Plan,
		CreatedAt: created,
	}
}
