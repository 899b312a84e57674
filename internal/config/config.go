// Package config loads and validates fleet configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, with "." replaced
// by "_": worker.name is read from SCRAPER_WORKER_NAME.
const EnvPrefix = "SCRAPER"

// SearchPaths are tried in order for config.yaml when Load gets no path.
var SearchPaths = []string{".", "/etc/scraper-fleet/", "$HOME/.scraper-fleet"}

// Error is a fatal configuration problem.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &Error{Field: field, Reason: reason}
}

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Store        StoreConfig        `mapstructure:"store"`
	Health       HealthConfig       `mapstructure:"health"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	SSH          SSHConfig          `mapstructure:"ssh"`
	Deploy       DeployConfig       `mapstructure:"deploy"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
	Storage      StorageConfig      `mapstructure:"storage"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Listener     ListenerConfig     `mapstructure:"listener"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the coordination store.
type StoreConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// HealthConfig is shared by workers and the orchestrator.
type HealthConfig struct {
	Port int `mapstructure:"port"`
	// AuthToken guards /status and /shutdown on every worker.
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// OrchestratorConfig controls the control loop.
type OrchestratorConfig struct {
	Target              int           `mapstructure:"target"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	StaleClaimThreshold time.Duration `mapstructure:"stale_claim_threshold"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`
	ProvisioningTimeout time.Duration `mapstructure:"provisioning_timeout"`
	RotationThreshold   int           `mapstructure:"rotation_threshold"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	// WorkerConfigFile is uploaded to each new worker as its config.yaml.
	WorkerConfigFile string `mapstructure:"worker_config_file"`
	// WorkerEnv is written to each new worker's environment file.
	WorkerEnv map[string]string `mapstructure:"worker_env"`
}

// WorkerConfig controls one worker agent.
type WorkerConfig struct {
	Name              string        `mapstructure:"name"`
	InstanceID        string        `mapstructure:"instance_id"`
	AdvertiseIP       string        `mapstructure:"advertise_ip"`
	IPResolverURL     string        `mapstructure:"ip_resolver_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	IdleBackoff       time.Duration `mapstructure:"idle_backoff"`
	ArtistDelay       time.Duration `mapstructure:"artist_delay"`
	CityDelay         time.Duration `mapstructure:"city_delay"`
	RateLimitPenalty  time.Duration `mapstructure:"rate_limit_penalty"`
}

// ProviderConfig configures the cloud provider.
type ProviderConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Region          string        `mapstructure:"region"`
	Plan            string        `mapstructure:"plan"`
	OSID            int           `mapstructure:"os_id"`
	LabelPrefix     string        `mapstructure:"label_prefix"`
	Tags            []string      `mapstructure:"tags"`
	BootTimeout     time.Duration `mapstructure:"boot_timeout"`
	BootPoll        time.Duration `mapstructure:"boot_poll"`
	RequestInterval time.Duration `mapstructure:"request_interval"`
}

// SSHConfig configures remote shells.
type SSHConfig struct {
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	ReadyPoll      time.Duration `mapstructure:"ready_poll"`
}

// DeployConfig controls agent installation.
type DeployConfig struct {
	AgentBinaryPath string        `mapstructure:"agent_binary_path"`
	RemoteDir       string        `mapstructure:"remote_dir"`
	ServiceName     string        `mapstructure:"service_name"`
	ServiceUser     string        `mapstructure:"service_user"`
	Packages        []string      `mapstructure:"packages"`
	VerifyDelay     time.Duration `mapstructure:"verify_delay"`
}

// DiscoveryConfig configures the search client.
type DiscoveryConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Endpoint   string        `mapstructure:"endpoint"`
	MaxResults int           `mapstructure:"max_results"`
	QueryDelay time.Duration `mapstructure:"query_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Templates  []string      `mapstructure:"templates"`
	Styles     []string      `mapstructure:"styles"`
}

// IngestConfig configures profile loading and media storage.
type IngestConfig struct {
	ProfileAPIURL   string        `mapstructure:"profile_api_url"`
	ProfileAPIToken string        `mapstructure:"profile_api_token"`
	UserAgent       string        `mapstructure:"user_agent"`
	ImagesPerArtist int           `mapstructure:"images_per_artist"`
	ItemDelay       time.Duration `mapstructure:"item_delay"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects where media is written.
type StorageConfig struct {
	// Backend is "gcs", "local" or "memory".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// PubSubConfig holds the ingest event topic.
type PubSubConfig struct {
	// Enabled publishes through Pub/Sub; otherwise events stay in memory.
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ListenerConfig configures the trigger listener.
type ListenerConfig struct {
	Port              int           `mapstructure:"port"`
	AuthToken         string        `mapstructure:"auth_token"`
	AllowedIPs        []string      `mapstructure:"allowed_ips"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Command           string        `mapstructure:"command"`
	Args              []string      `mapstructure:"args"`
	WorkDir           string        `mapstructure:"work_dir"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// Load builds a Config from path (or the first config.yaml on SearchPaths)
// plus environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key, including empty ones, so AutomaticEnv
// can override keys that never appear in a file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 5)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime", "30m")
	v.SetDefault("store.ensure_schema", true)

	v.SetDefault("health.port", 8080)
	v.SetDefault("health.auth_token", "")
	v.SetDefault("health.timeout", "5s")

	v.SetDefault("orchestrator.target", 2)
	v.SetDefault("orchestrator.tick_interval", "60s")
	v.SetDefault("orchestrator.stale_claim_threshold", "10m")
	v.SetDefault("orchestrator.shutdown_grace", "30s")
	v.SetDefault("orchestrator.provisioning_timeout", "20m")
	v.SetDefault("orchestrator.rotation_threshold", 3)
	v.SetDefault("orchestrator.heartbeat_timeout", "5m")
	v.SetDefault("orchestrator.worker_config_file", "")
	v.SetDefault("orchestrator.worker_env", map[string]string{})

	v.SetDefault("worker.name", "")
	v.SetDefault("worker.instance_id", "")
	v.SetDefault("worker.advertise_ip", "")
	v.SetDefault("worker.ip_resolver_url", "https://api.ipify.org")
	v.SetDefault("worker.heartbeat_interval", "30s")
	v.SetDefault("worker.idle_backoff", "60s")
	v.SetDefault("worker.artist_delay", "30s")
	v.SetDefault("worker.city_delay", "5m")
	v.SetDefault("worker.rate_limit_penalty", "5m")

	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.region", "ewr")
	v.SetDefault("provider.plan", "vc2-1c-1gb")
	v.SetDefault("provider.os_id", 2136)
	v.SetDefault("provider.label_prefix", "scraper")
	v.SetDefault("provider.tags", []string{"scraper-fleet"})
	v.SetDefault("provider.boot_timeout", "300s")
	v.SetDefault("provider.boot_poll", "10s")
	v.SetDefault("provider.request_interval", "500ms")

	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", "15s")
	v.SetDefault("ssh.command_timeout", "10m")
	v.SetDefault("ssh.ready_timeout", "300s")
	v.SetDefault("ssh.ready_poll", "10s")

	v.SetDefault("deploy.agent_binary_path", "")
	v.SetDefault("deploy.remote_dir", "/opt/scraper-worker")
	v.SetDefault("deploy.service_name", "scraper-worker")
	v.SetDefault("deploy.service_user", "scraper")
	v.SetDefault("deploy.packages", []string{"ca-certificates"})
	v.SetDefault("deploy.verify_delay", "5s")

	v.SetDefault("discovery.api_key", "")
	v.SetDefault("discovery.endpoint", "https://api.tavily.com/search")
	v.SetDefault("discovery.max_results", 10)
	v.SetDefault("discovery.query_delay", "2s")
	v.SetDefault("discovery.timeout", "30s")
	v.SetDefault("discovery.templates", []string{})
	v.SetDefault("discovery.styles", []string{})

	v.SetDefault("ingest.profile_api_url", "")
	v.SetDefault("ingest.profile_api_token", "")
	v.SetDefault("ingest.user_agent", "scraper-fleet/1.0")
	v.SetDefault("ingest.images_per_artist", 12)
	v.SetDefault("ingest.item_delay", "1s")
	v.SetDefault("ingest.timeout", "30s")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local_dir", "data/media")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "artist-events")

	v.SetDefault("listener.port", 5000)
	v.SetDefault("listener.auth_token", "")
	v.SetDefault("listener.allowed_ips", []string{})
	v.SetDefault("listener.requests_per_minute", 10)
	v.SetDefault("listener.command", "")
	v.SetDefault("listener.args", []string{})
	v.SetDefault("listener.work_dir", "")
	v.SetDefault("listener.job_timeout", "2h")

	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "scraper-fleet")
}

// Validate enforces settings every role depends on.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return invalid("store.driver", fmt.Sprintf("unknown driver %q", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return invalid("store.dsn", "required for the postgres driver")
	}
	if c.Health.Port <= 0 || c.Health.Port > 65535 {
		return invalid("health.port", "must be between 1 and 65535")
	}
	return nil
}

// ValidateOrchestrator checks the settings the orchestrator needs.
func (c Config) ValidateOrchestrator() error {
	if c.Orchestrator.Target < 0 {
		return invalid("orchestrator.target", "must be >= 0")
	}
	if c.Orchestrator.TickInterval <= 0 {
		return invalid("orchestrator.tick_interval", "must be > 0")
	}
	if c.Orchestrator.RotationThreshold <= 0 {
		return invalid("orchestrator.rotation_threshold", "must be > 0")
	}
	if c.Provider.APIKey == "" {
		return invalid("provider.api_key", "required to manage instances")
	}
	if c.Deploy.AgentBinaryPath == "" {
		return invalid("deploy.agent_binary_path", "required to deploy workers")
	}
	if c.Store.Driver == "memory" {
		return invalid("store.driver", "the orchestrator needs a shared store")
	}
	return nil
}

// ValidateWorker checks the settings a worker needs.
func (c Config) ValidateWorker() error {
	if strings.TrimSpace(c.Worker.Name) == "" {
		return invalid("worker.name", "required")
	}
	if c.Discovery.APIKey == "" {
		return invalid("discovery.api_key", "required for artist discovery")
	}
	if c.Ingest.ProfileAPIURL == "" {
		return invalid("ingest.profile_api_url", "required to load profiles")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return invalid("storage.gcs_bucket", "required for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return invalid("storage.local_dir", "required for the local backend")
		}
	case "memory":
	default:
		return invalid("storage.backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend))
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return invalid("pubsub.project_id", "required when pubsub is enabled")
	}
	return nil
}

// ValidateListener checks the settings the trigger listener needs.
func (c Config) ValidateListener() error {
	if c.Listener.Port <= 0 || c.Listener.Port > 65535 {
		return invalid("listener.port", "must be between 1 and 65535")
	}
	if c.Listener.Command == "" {
		return invalid("listener.command", "required")
	}
	if c.Listener.RequestsPerMinute <= 0 {
		return invalid("listener.requests_per_minute", "must be > 0")
	}
	return nil
}
