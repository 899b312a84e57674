package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// HostKeyStore remembers the first key seen per host and rejects changes.
// Fleet instances are created moments before the first dial, so there is no
// out-of-band key to pin against.
type HostKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewHostKeyStore returns an empty store.
func NewHostKeyStore() *HostKeyStore {
	return &HostKeyStore{keys: make(map[string][]byte)}
}

// Callback implements ssh.HostKeyCallback.
func (s *HostKeyStore) Callback(hostname string, _ net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	got := key.Marshal()
	if known, ok := s.keys[hostname]; ok {
		if !bytes.Equal(known, got) {
			return fmt.Errorf("host key for %s changed", hostname)
		}
		return nil
	}
	s.keys[hostname] = got
	return nil
}

// Forget drops a host, used when an instance is destroyed and its address
// may be reused.
func (s *HostKeyStore) Forget(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.keys {
		if h, _, err := net.SplitHostPort(k); err == nil && h == host {
			delete(s.keys, k)
		}
	}
}

// SSHDialer opens password-authenticated SSH sessions.
type SSHDialer struct {
	User           string
	Port           int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	HostKeys       *HostKeyStore
}

// NewSSHDialer returns a root dialer on port 22.
func NewSSHDialer(connectTimeout, commandTimeout time.Duration) *SSHDialer {
	return &SSHDialer{
		User:           "root",
		Port:           22,
		ConnectTimeout: connectTimeout,
		CommandTimeout: commandTimeout,
		HostKeys:       NewHostKeyStore(),
	}
}

// Dial connects to host.
func (d *SSHDialer) Dial(ctx context.Context, host, password string) (Shell, error) {
	if d.HostKeys == nil {
		d.HostKeys = NewHostKeyStore()
	}
	cfg := &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: d.HostKeys.Callback,
		Timeout:         d.ConnectTimeout,
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", d.Port))

	netDialer := net.Dialer{Timeout: d.ConnectTimeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if d.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.ConnectTimeout)) //nolint:errcheck // cleared below
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close() //nolint:errcheck // handshake already failed
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{}) //nolint:errcheck // best effort
	return &sshShell{client: ssh.NewClient(c, chans, reqs), commandTimeout: d.CommandTimeout}, nil
}

type sshShell struct {
	client         *ssh.Client
	commandTimeout time.Duration
}

func (s *sshShell) Run(ctx context.Context, cmd string) (Result, error) {
	if s.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.commandTimeout)
		defer cancel()
	}
	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close() //nolint:errcheck // closed after wait

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Start(cmd); err != nil {
		return Result{}, fmt.Errorf("start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL) //nolint:errcheck // session is closed next
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("remote command interrupted: %w", ctx.Err())
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			return res, nil
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		default:
			res.ExitCode = -1
			return res, fmt.Errorf("remote command: %w", err)
		}
	}
}

func (s *sshShell) WriteFile(_ context.Context, name string, data []byte, mode os.FileMode) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer client.Close() //nolint:errcheck // nothing buffered

	if err := client.MkdirAll(path.Dir(name)); err != nil {
		return fmt.Errorf("create %s: %w", path.Dir(name), err)
	}
	f, err := client.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close() //nolint:errcheck // write already failed
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close() //nolint:errcheck // chmod already failed
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

func (s *sshShell) Close() error {
	return s.client.Close()
}
