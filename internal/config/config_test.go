package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
logging:
  development: true
  level: debug
store:
  driver: postgres
  dsn: postgres://fleet@db/fleet
  max_conns: 8
health:
  port: 9090
  auth_token: shared
orchestrator:
  target: 4
  tick_interval: 30s
  worker_env:
    SCRAPER_STORE_DSN: postgres://fleet@db/fleet
worker:
  name: worker-01
  artist_delay: 10s
provider:
  api_key: vultr-key
  region: fra
  tags: [fleet, scraper]
deploy:
  agent_binary_path: /usr/local/bin/scraper-fleet
discovery:
  api_key: search-key
  styles: [blackwork, fineline]
ingest:
  profile_api_url: https://profiles.internal
  images_per_artist: 6
storage:
  backend: gcs
  gcs_bucket: media
  prefix: prod
pubsub:
  enabled: true
  project_id: my-project
listener:
  command: python
  args: [run_pipeline.py]
  allowed_ips: [10.0.0.1]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.True(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, int32(8), cfg.Store.MaxConns)
	require.Equal(t, 9090, cfg.Health.Port)
	require.Equal(t, "shared", cfg.Health.AuthToken)
	require.Equal(t, 4, cfg.Orchestrator.Target)
	require.Equal(t, 30*time.Second, cfg.Orchestrator.TickInterval)
	require.Equal(t, "postgres://fleet@db/fleet", cfg.Orchestrator.WorkerEnv["scraper_store_dsn"])
	require.Equal(t, 10*time.Second, cfg.Worker.ArtistDelay)
	require.Equal(t, []string{"fleet", "scraper"}, cfg.Provider.Tags)
	require.Equal(t, []string{"blackwork", "fineline"}, cfg.Discovery.Styles)
	require.Equal(t, 6, cfg.Ingest.ImagesPerArtist)
	require.Equal(t, []string{"run_pipeline.py"}, cfg.Listener.Args)

	require.NoError(t, cfg.ValidateOrchestrator())
	require.NoError(t, cfg.ValidateWorker())
	require.NoError(t, cfg.ValidateListener())
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "store:\n  driver: memory\n"))
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 8080, cfg.Health.Port)
	require.Equal(t, 2, cfg.Orchestrator.Target)
	require.Equal(t, 60*time.Second, cfg.Orchestrator.TickInterval)
	require.Equal(t, 10*time.Minute, cfg.Orchestrator.StaleClaimThreshold)
	require.Equal(t, 20*time.Minute, cfg.Orchestrator.ProvisioningTimeout)
	require.Equal(t, 5*time.Minute, cfg.Orchestrator.HeartbeatTimeout)
	require.Equal(t, 3, cfg.Orchestrator.RotationThreshold)
	require.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval)
	require.Equal(t, 60*time.Second, cfg.Worker.IdleBackoff)
	require.Equal(t, 5*time.Minute, cfg.Worker.CityDelay)
	require.Equal(t, 300*time.Second, cfg.Provider.BootTimeout)
	require.Equal(t, 22, cfg.SSH.Port)
	require.Equal(t, "scraper-worker", cfg.Deploy.ServiceName)
	require.Equal(t, 10, cfg.Listener.RequestsPerMinute)
	require.Equal(t, 2*time.Hour, cfg.Listener.JobTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCRAPER_STORE_DRIVER", "memory")
	t.Setenv("SCRAPER_WORKER_NAME", "worker-07")
	t.Setenv("SCRAPER_WORKER_ADVERTISE_IP", "10.1.2.3")
	t.Setenv("SCRAPER_HEALTH_AUTH_TOKEN", "from-env")
	t.Setenv("SCRAPER_ORCHESTRATOR_TICK_INTERVAL", "15s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "worker-07", cfg.Worker.Name)
	require.Equal(t, "10.1.2.3", cfg.Worker.AdvertiseIP)
	require.Equal(t, "from-env", cfg.Health.AuthToken)
	require.Equal(t, 15*time.Second, cfg.Orchestrator.TickInterval)
}

func TestLoadRejectsInvalidStore(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "store:\n  driver: postgres\n"))
	var cfgErr *Error
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "store.dsn", cfgErr.Field)

	_, err = Load(writeConfig(t, "store:\n  driver: sqlite\n"))
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "store.driver", cfgErr.Field)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestRoleValidation(t *testing.T) {
	t.Parallel()

	base := func() Config {
		return Config{
			Store:        StoreConfig{Driver: "postgres", DSN: "postgres://x"},
			Health:       HealthConfig{Port: 8080},
			Orchestrator: OrchestratorConfig{Target: 1, TickInterval: time.Minute, RotationThreshold: 3},
			Worker:       WorkerConfig{Name: "worker-01"},
			Provider:     ProviderConfig{APIKey: "k"},
			Deploy:       DeployConfig{AgentBinaryPath: "/bin/agent"},
			Discovery:    DiscoveryConfig{APIKey: "k"},
			Ingest:       IngestConfig{ProfileAPIURL: "https://p"},
			Storage:      StorageConfig{Backend: "local", LocalDir: "data"},
			Listener:     ListenerConfig{Port: 5000, Command: "run", RequestsPerMinute: 10},
		}
	}

	tests := []struct {
		name     string
		mutate   func(*Config)
		validate func(Config) error
		field    string
	}{
		{"negative target", func(c *Config) { c.Orchestrator.Target = -1 }, Config.ValidateOrchestrator, "orchestrator.target"},
		{"no provider key", func(c *Config) { c.Provider.APIKey = "" }, Config.ValidateOrchestrator, "provider.api_key"},
		{"no agent binary", func(c *Config) { c.Deploy.AgentBinaryPath = "" }, Config.ValidateOrchestrator, "deploy.agent_binary_path"},
		{"memory store orchestrator", func(c *Config) { c.Store.Driver = "memory" }, Config.ValidateOrchestrator, "store.driver"},
		{"blank worker name", func(c *Config) { c.Worker.Name = " " }, Config.ValidateWorker, "worker.name"},
		{"no search key", func(c *Config) { c.Discovery.APIKey = "" }, Config.ValidateWorker, "discovery.api_key"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }, Config.ValidateWorker, "storage.gcs_bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, Config.ValidateWorker, "storage.backend"},
		{"pubsub without project", func(c *Config) { c.PubSub.Enabled = true }, Config.ValidateWorker, "pubsub.project_id"},
		{"listener without command", func(c *Config) { c.Listener.Command = "" }, Config.ValidateListener, "listener.command"},
		{"listener bad port", func(c *Config) { c.Listener.Port = 0 }, Config.ValidateListener, "listener.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			require.NoError(t, tt.validate(cfg))
			tt.mutate(&cfg)
			err := tt.validate(cfg)
			var cfgErr *Error
			require.True(t, errors.As(err, &cfgErr))
			require.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
