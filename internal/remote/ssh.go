package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Fimeg/systemsdashboard/internal/errs"
)

// SSHOptions configures the SSH executor.
type SSHOptions struct {
	User           string
	KeyFiles       []string
	ConfigFile     string // ssh_config used to resolve aliases; empty means ~/.ssh/config
	KnownHostsFile string // empty disables host key verification
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

// SSH runs commands over pooled SSH connections. Connections are keyed by
// the host string and reused until they stop answering keepalives.
type SSH struct {
	opts   SSHOptions
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*ssh.Client

	// One agent connection serves every dial.
	agentOnce sync.Once
	agentConn net.Conn
	agent     agent.ExtendedAgent

	// dial is replaced in tests.
	dial func(ctx context.Context, host string) (*ssh.Client, error)
}

// NewSSH creates an SSH executor.
func NewSSH(logger *slog.Logger, opts SSHOptions) *SSH {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	s := &SSH{
		opts:   opts,
		logger: logger.With("component", "ssh_executor"),
		conns:  make(map[string]*ssh.Client),
	}
	s.dial = s.dialHost
	return s
}

func (s *SSH) Run(ctx context.Context, host, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	client, err := s.get(ctx, host)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		s.drop(host)
		return "", errs.Connectivity(fmt.Sprintf("failed to open session on %s", host), err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return "", errs.Connectivity(fmt.Sprintf("command on %s did not finish", host), ctx.Err())
	case err := <-done:
		if err == nil {
			return strings.TrimSpace(stdout.String()), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return "", &errs.Error{
				Kind:    errs.KindInternal,
				Op:      host,
				Message: fmt.Sprintf("command exited with status %d: %s", exitErr.ExitStatus(), strings.TrimSpace(stderr.String())),
				Err:     err,
			}
		}
		s.drop(host)
		return "", errs.Connectivity(fmt.Sprintf("command on %s failed", host), err)
	}
}

// Close closes every pooled connection and the agent connection.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for host, c := range s.conns {
		_ = c.Close()
		delete(s.conns, host)
	}
	if s.agentConn != nil {
		_ = s.agentConn.Close()
		s.agentConn = nil
	}
	return nil
}

// Size returns the number of pooled connections.
func (s *SSH) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *SSH) get(ctx context.Context, host string) (*ssh.Client, error) {
	s.mu.Lock()
	client, ok := s.conns[host]
	s.mu.Unlock()

	if ok {
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return client, nil
		}
		s.logger.Debug("Dropping dead SSH connection", "host", host)
		s.drop(host)
	}

	client, err := s.dial(ctx, host)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.conns[host]; ok {
		// Lost a race with another dial; keep the first connection.
		s.mu.Unlock()
		_ = client.Close()
		return existing, nil
	}
	s.conns[host] = client
	s.mu.Unlock()
	return client, nil
}

func (s *SSH) drop(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[host]; ok {
		_ = c.Close()
		delete(s.conns, host)
	}
}

func (s *SSH) dialHost(ctx context.Context, host string) (*ssh.Client, error) {
	target := s.resolve(host)

	config, err := s.clientConfig(target)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", target.address())
	if err != nil {
		if errs.KindOf(err) == errs.KindExhausted {
			return nil, &errs.Error{Kind: errs.KindExhausted, Op: host, Err: err}
		}
		return nil, errs.Connectivity(fmt.Sprintf("can't reach %s at %s", host, target.address()), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.address(), config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, errs.Authentication(fmt.Sprintf("SSH authentication to %s failed", host), err)
		}
		return nil, errs.Connectivity(fmt.Sprintf("SSH handshake with %s failed", host), err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// sshTarget is a host after ssh_config resolution.
type sshTarget struct {
	hostname     string
	port         string
	user         string
	identityFile string
}

func (t sshTarget) address() string {
	return net.JoinHostPort(t.hostname, t.port)
}

// resolve splits user@host:port and applies HostName, Port, User and
// IdentityFile from the ssh config file.
func (s *SSH) resolve(host string) sshTarget {
	t := sshTarget{port: "22", user: s.opts.User}
	if t.user == "" {
		t.user = os.Getenv("USER")
	}

	explicitUser := false
	if user, rest, ok := strings.Cut(host, "@"); ok {
		t.user, host, explicitUser = user, rest, true
	}
	if h, port, err := net.SplitHostPort(host); err == nil {
		host, t.port = h, port
	}
	t.hostname = host

	cfg := s.loadConfig()
	if cfg == nil {
		return t
	}
	if v, _ := cfg.Get(host, "HostName"); v != "" {
		t.hostname = v
	}
	if v, _ := cfg.Get(host, "Port"); v != "" {
		t.port = v
	}
	if v, _ := cfg.Get(host, "User"); v != "" && !explicitUser {
		t.user = v
	}
	if v, _ := cfg.Get(host, "IdentityFile"); v != "" {
		t.identityFile = expandHome(v)
	}
	return t
}

func (s *SSH) loadConfig() *ssh_config.Config {
	path := s.opts.ConfigFile
	if path == "" {
		path = filepath.Join(homeDir(), ".ssh", "config")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	cfg, err := ssh_config.Decode(f)
	if err != nil {
		s.logger.Warn("Ignoring unparsable ssh config", "path", path, "error", err)
		return nil
	}
	return cfg
}

func (s *SSH) clientConfig(t sshTarget) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod

	if a := s.sshAgent(); a != nil {
		methods = append(methods, ssh.PublicKeysCallback(a.Signers))
	}

	keys := append([]string{}, s.opts.KeyFiles...)
	if t.identityFile != "" {
		keys = append([]string{t.identityFile}, keys...)
	}
	if len(keys) == 0 {
		for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			keys = append(keys, filepath.Join(homeDir(), ".ssh", name))
		}
	}
	var signers []ssh.Signer
	for _, path := range keys {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			s.logger.Debug("Skipping unusable key", "path", path, "error", err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, errs.Authentication("no SSH auth methods available", nil)
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // verification is opt-in via known_hosts_file
	if s.opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(s.opts.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            t.user,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         s.opts.ConnectTimeout,
	}, nil
}

// sshAgent connects to SSH_AUTH_SOCK once and returns nil when no agent is
// reachable.
func (s *SSH) sshAgent() agent.ExtendedAgent {
	s.agentOnce.Do(func() {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			s.logger.Debug("SSH agent unavailable", "socket", sock, "error", err)
			return
		}
		s.agentConn = conn
		s.agent = agent.NewClient(conn)
	})
	return s.agent
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(homeDir(), rest)
	}
	return path
}
