package pve

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/Fimeg/systemsdashboard/internal/auth"
	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
)

const defaultRejection = "invalid credentials or server unreachable"

// Options configures a Manager.
type Options struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	// Transport overrides the HTTP transport; TLS settings are ignored when set.
	Transport http.RoundTripper
	// Sessions counts acquisitions by result: hit, created, failed, invalidated.
	Sessions *prometheus.CounterVec
	Active   prometheus.Gauge
}

// Manager creates and caches one authenticated Client per address and
// identity. Sessions live for the manager's lifetime unless invalidated.
type Manager struct {
	http   *http.Client
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Client
	group    singleflight.Group
}

// NewManager creates a session manager.
func NewManager(logger *slog.Logger, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}, //nolint:gosec // clusters commonly run self-signed certificates
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Manager{
		http:     &http.Client{Timeout: opts.Timeout, Transport: transport},
		logger:   logger.With("component", "session_manager"),
		opts:     opts,
		sessions: make(map[string]*Client),
	}
}

// Acquire returns the cached session for t, or authenticates a new one.
// Concurrent acquisitions of one key share a single exchange. A session is
// cached only after its version probe succeeds.
func (m *Manager) Acquire(ctx context.Context, t device.ClusterTarget) (*Client, error) {
	t.Address = device.NormalizeAddress(t.Address)
	key := t.Key()

	m.mu.Lock()
	c, ok := m.sessions[key]
	m.mu.Unlock()
	if ok {
		m.count("hit")
		return c, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		c, ok := m.sessions[key]
		m.mu.Unlock()
		if ok {
			return c, nil
		}

		// Detached from ctx: the exchange is shared by every waiter.
		c, err := m.connect(context.WithoutCancel(ctx), t)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.sessions[key] = c
		n := len(m.sessions)
		m.mu.Unlock()
		m.setActive(n)
		m.logger.Info("Cluster session established", "address", t.Address, "identity", t.Credentials.Identity())
		m.count("created")
		return c, nil
	})
	if err != nil {
		m.count("failed")
		m.logger.Warn("Cluster session failed", "address", t.Address, "error", err)
		return nil, err
	}
	return v.(*Client), nil
}

// Invalidate drops the session stored under key.
func (m *Manager) Invalidate(key string) {
	m.drop(key, nil)
}

// drop removes the session under key. A non-nil c only drops that exact
// session, leaving a replacement made by another caller in place.
func (m *Manager) drop(key string, c *Client) {
	m.mu.Lock()
	cur, ok := m.sessions[key]
	if ok && c != nil && cur != c {
		ok = false
	}
	if ok {
		delete(m.sessions, key)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if ok {
		m.setActive(n)
		m.count("invalidated")
	}
}

// Size returns the number of cached sessions.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Do runs fn with a session for t. If fn fails with an authentication error
// the session is dropped, re-acquired once and fn retried; a second
// rejection is returned as is.
func (m *Manager) Do(ctx context.Context, t device.ClusterTarget, fn func(context.Context, *Client) error) error {
	c, err := m.Acquire(ctx, t)
	if err != nil {
		return err
	}
	err = fn(ctx, c)
	if !errs.Is(err, errs.KindAuthentication) {
		return err
	}

	m.logger.Info("Session rejected, re-authenticating", "address", c.Address())
	m.drop(c.Key(), c)
	c, err = m.Acquire(ctx, t)
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

func (m *Manager) connect(ctx context.Context, t device.ClusterTarget) (*Client, error) {
	c := &Client{key: t.Key(), address: t.Address, http: m.http}

	if t.Credentials.IsToken() {
		c.authHeader = auth.Header(&t.Credentials)
	} else {
		ticket, err := m.ticket(ctx, t)
		if err != nil {
			return nil, err
		}
		c.ticket = ticket
	}

	if _, err := c.Version(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ticket exchanges a username/password pair for an auth cookie.
func (m *Manager) ticket(ctx context.Context, t device.ClusterTarget) (string, error) {
	form := url.Values{
		"username": {t.Credentials.Username},
		"password": {t.Credentials.Password},
		"realm":    {t.Credentials.RealmOrDefault()},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Address+apiPrefix+"/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build ticket request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Transport failures are retryable; only answers from the server reject
	// the credentials.
	resp, err := m.http.Do(req)
	if err != nil {
		return "", errs.Connectivity("ticket request to "+t.Address+" failed", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		msg := remoteMessage(resp, body)
		if msg == "" {
			msg = defaultRejection
		}
		return "", errs.Authentication(msg, nil)
	}

	var out struct {
		Data struct {
			Ticket string `json:"ticket"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Data.Ticket == "" {
		return "", errs.Authentication(defaultRejection, err)
	}
	return out.Data.Ticket, nil
}

func (m *Manager) count(result string) {
	if m.opts.Sessions != nil {
		m.opts.Sessions.WithLabelValues(result).Inc()
	}
}

func (m *Manager) setActive(n int) {
	if m.opts.Active != nil {
		m.opts.Active.Set(float64(n))
	}
}
