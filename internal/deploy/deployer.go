package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// Deployment steps, reported in StepError.Step.
const (
	StepConnect         = "connect"
	StepReadAgent       = "read_agent"
	StepInstallPackages = "install_packages"
	StepCreateUser      = "create_user"
	StepCreateDirectory = "create_directory"
	StepUploadAgent     = "upload_agent"
	StepUploadConfig    = "upload_config"
	StepWriteEnv        = "write_env"
	StepWriteUnit       = "write_unit"
	StepStartService    = "start_service"
	StepVerifyService   = "verify_service"
	StepStopService     = "stop_service"
	StepReadLogs        = "read_logs"
)

// Config controls how the agent is installed.
type Config struct {
	// AgentBinaryPath is the local worker binary copied to each host.
	AgentBinaryPath string
	RemoteDir       string
	ServiceName     string
	ServiceUser     string
	Packages        []string
	ShellTimeout    time.Duration
	ShellPoll       time.Duration
	// VerifyDelay is how long the service must survive before it is
	// checked.
	VerifyDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.RemoteDir == "" {
		c.RemoteDir = "/opt/scraper-worker"
	}
	if c.ServiceName == "" {
		c.ServiceName = "scraper-worker"
	}
	if c.ServiceUser == "" {
		c.ServiceUser = "scraper"
	}
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = 300 * time.Second
	}
	if c.ShellPoll <= 0 {
		c.ShellPoll = 10 * time.Second
	}
}

// Spec is the per-worker part of a deployment.
type Spec struct {
	WorkerName string
	// Config is written next to the binary as config.yaml when non-empty.
	Config []byte
	// Env holds secrets written to a 0600 environment file.
	Env map[string]string
}

// Deployer installs the worker agent as a systemd service.
type Deployer struct {
	dialer Dialer
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewDeployer constructs a Deployer.
func NewDeployer(dialer Dialer, cfg Config, logger *zap.Logger) *Deployer {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deployer{dialer: dialer, cfg: cfg, logger: logger.Named("deploy"), sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Scraper fleet worker {{.WorkerName}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User={{.User}}
WorkingDirectory={{.Dir}}
EnvironmentFile={{.Dir}}/.env
ExecStart={{.Dir}}/scraper-fleet worker --name {{.WorkerName}}{{if .HasConfig}} --config {{.Dir}}/config.yaml{{end}}
Restart=on-failure
RestartSec=30
KillSignal=SIGTERM
TimeoutStopSec=60
StandardOutput=journal
StandardError=journal

[Install]
WantedBy=multi-user.target
`))

type unitData struct {
	WorkerName string
	User       string
	Dir        string
	HasConfig  bool
}

// RenderUnit returns the systemd unit for spec.
func (d *Deployer) RenderUnit(spec Spec) (string, error) {
	var buf bytes.Buffer
	err := unitTemplate.Execute(&buf, unitData{
		WorkerName: spec.WorkerName,
		User:       d.cfg.ServiceUser,
		Dir:        d.cfg.RemoteDir,
		HasConfig:  len(spec.Config) > 0,
	})
	if err != nil {
		return "", fmt.Errorf("render unit: %w", err)
	}
	return buf.String(), nil
}

// RenderEnv formats env as a systemd EnvironmentFile with sorted keys.
func RenderEnv(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(strconv.Quote(env[k]))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Deploy waits for the host's shell, installs the agent and starts it.
func (d *Deployer) Deploy(ctx context.Context, host, password string, spec Spec) error {
	if err := fleet.ValidateWorkerName(spec.WorkerName); err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	logger := d.logger.With(zap.String("host", host), zap.String("worker", spec.WorkerName))

	binary, err := os.ReadFile(d.cfg.AgentBinaryPath)
	if err != nil {
		return &StepError{Step: StepReadAgent, Err: err}
	}

	shell, err := WaitForShell(ctx, d.dialer, host, password, d.cfg.ShellTimeout, d.cfg.ShellPoll, logger)
	if err != nil {
		return &StepError{Step: StepConnect, Err: err}
	}
	defer shell.Close() //nolint:errcheck // session teardown

	dir := d.cfg.RemoteDir
	user := shellQuote(d.cfg.ServiceUser)
	qdir := shellQuote(dir)

	if len(d.cfg.Packages) > 0 {
		pkgs := make([]string, 0, len(d.cfg.Packages))
		for _, p := range d.cfg.Packages {
			pkgs = append(pkgs, shellQuote(p))
		}
		cmd := "export DEBIAN_FRONTEND=noninteractive && apt-get update -q && apt-get install -y -q " +
			strings.Join(pkgs, " ")
		if err := d.run(ctx, logger, shell, StepInstallPackages, cmd); err != nil {
			return err
		}
	}

	cmd := fmt.Sprintf("id -u %s >/dev/null 2>&1 || useradd --system --home-dir %s --shell /usr/sbin/nologin %s",
		user, qdir, user)
	if err := d.run(ctx, logger, shell, StepCreateUser, cmd); err != nil {
		return err
	}
	cmd = fmt.Sprintf("mkdir -p %s && chown %s:%s %s && chmod 750 %s", qdir, user, user, qdir, qdir)
	if err := d.run(ctx, logger, shell, StepCreateDirectory, cmd); err != nil {
		return err
	}

	if err := d.write(ctx, logger, shell, StepUploadAgent, path.Join(dir, "scraper-fleet"), binary, 0o755); err != nil {
		return err
	}
	if len(spec.Config) > 0 {
		if err := d.write(ctx, logger, shell, StepUploadConfig, path.Join(dir, "config.yaml"), spec.Config, 0o644); err != nil {
			return err
		}
	}
	envPath := path.Join(dir, ".env")
	if err := d.write(ctx, logger, shell, StepWriteEnv, envPath, RenderEnv(spec.Env), 0o600); err != nil {
		return err
	}
	cmd = fmt.Sprintf("chown %s:%s %s", user, user, shellQuote(envPath))
	if err := d.run(ctx, logger, shell, StepWriteEnv, cmd); err != nil {
		return err
	}

	unit, err := d.RenderUnit(spec)
	if err != nil {
		return &StepError{Step: StepWriteUnit, Err: err}
	}
	unitPath := path.Join("/etc/systemd/system", d.cfg.ServiceName+".service")
	if err := d.write(ctx, logger, shell, StepWriteUnit, unitPath, []byte(unit), 0o644); err != nil {
		return err
	}

	svc := shellQuote(d.cfg.ServiceName)
	cmd = fmt.Sprintf("systemctl daemon-reload && systemctl enable %s && systemctl restart %s", svc, svc)
	if err := d.run(ctx, logger, shell, StepStartService, cmd); err != nil {
		return err
	}

	if err := d.sleep(ctx, d.cfg.VerifyDelay); err != nil {
		return &StepError{Step: StepVerifyService, Err: err}
	}
	res, err := shell.Run(ctx, "systemctl is-active "+svc)
	if err != nil {
		return &StepError{Step: StepVerifyService, Output: res.Output(), Err: err}
	}
	if state := strings.TrimSpace(res.Stdout); state != "active" {
		return &StepError{Step: StepVerifyService, Output: res.Output(), Err: fmt.Errorf("service state %q", state)}
	}
	logger.Info("worker deployed")
	return nil
}

func (d *Deployer) run(ctx context.Context, logger *zap.Logger, shell Shell, step, cmd string) error {
	logger.Debug("running deploy step", zap.String("step", step))
	res, err := shell.Run(ctx, cmd)
	if err != nil {
		return &StepError{Step: step, Output: res.Output(), Err: err}
	}
	if res.ExitCode != 0 {
		return &StepError{Step: step, Output: res.Output(), Err: fmt.Errorf("exit status %d", res.ExitCode)}
	}
	return nil
}

func (d *Deployer) write(
	ctx context.Context,
	logger *zap.Logger,
	shell Shell,
	step, name string,
	data []byte,
	mode os.FileMode,
) error {
	logger.Debug("uploading file", zap.String("step", step), zap.String("path", name), zap.Int("bytes", len(data)))
	if err := shell.WriteFile(ctx, name, data, mode); err != nil {
		return &StepError{Step: step, Err: err}
	}
	return nil
}

// dialOnce connects without the boot-time retry loop; used against hosts
// that are already running.
func (d *Deployer) dialOnce(ctx context.Context, host, password string) (Shell, error) {
	if host == "" {
		return nil, errors.New("host has no address")
	}
	shell, err := d.dialer.Dial(ctx, host, password)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", host, err)
	}
	return shell, nil
}

// Stop force-stops the worker service.
func (d *Deployer) Stop(ctx context.Context, host, password string) error {
	shell, err := d.dialOnce(ctx, host, password)
	if err != nil {
		return &StepError{Step: StepConnect, Err: err}
	}
	defer shell.Close() //nolint:errcheck // session teardown
	return d.run(ctx, d.logger.With(zap.String("host", host)), shell, StepStopService,
		"systemctl stop "+shellQuote(d.cfg.ServiceName))
}

// Logs returns the last lines of the worker's journal.
func (d *Deployer) Logs(ctx context.Context, host, password string, lines int) (string, error) {
	if lines <= 0 {
		lines = 100
	}
	shell, err := d.dialOnce(ctx, host, password)
	if err != nil {
		return "", &StepError{Step: StepConnect, Err: err}
	}
	defer shell.Close() //nolint:errcheck // session teardown
	res, err := shell.Run(ctx, fmt.Sprintf("journalctl -u %s -n %d --no-pager", shellQuote(d.cfg.ServiceName), lines))
	if err != nil {
		return "", &StepError{Step: StepReadLogs, Output: res.Output(), Err: err}
	}
	if res.ExitCode != 0 {
		return "", &StepError{Step: StepReadLogs, Output: res.Output(), Err: fmt.Errorf("exit status %d", res.ExitCode)}
	}
	return res.Stdout, nil
}
