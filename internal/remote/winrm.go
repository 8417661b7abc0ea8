package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/Fimeg/systemsdashboard/internal/errs"
)

// WinRMOptions configures the WinRM executor. A non-empty Domain selects
// NTLM; otherwise Basic auth is used.
type WinRMOptions struct {
	Username string
	Password string
	Domain   string
	Port     int
	HTTPS    bool
	Insecure bool
	Timeout  time.Duration
}

// WinRM runs PowerShell on Windows VMs. WinRM is request-scoped, so a
// client is built per call.
type WinRM struct {
	opts WinRMOptions
}

// NewWinRM creates a WinRM executor.
func NewWinRM(opts WinRMOptions) *WinRM {
	if opts.Port == 0 {
		opts.Port = 5985
		if opts.HTTPS {
			opts.Port = 5986
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &WinRM{opts: opts}
}

func (w *WinRM) client(host string) (*winrm.Client, error) {
	endpoint := winrm.NewEndpoint(host, w.opts.Port, w.opts.HTTPS, w.opts.Insecure, nil, nil, nil, w.opts.Timeout)
	if w.opts.Domain != "" {
		params := winrm.DefaultParameters
		params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }
		return winrm.NewClientWithParameters(endpoint, w.opts.Domain+`\`+w.opts.Username, w.opts.Password, params)
	}
	return winrm.NewClient(endpoint, w.opts.Username, w.opts.Password)
}

// Run wraps command in a non-interactive powershell.exe invocation.
func (w *WinRM) Run(ctx context.Context, host, command string) (string, error) {
	client, err := w.client(host)
	if err != nil {
		return "", fmt.Errorf("failed to create WinRM client: %w", err)
	}

	ps := fmt.Sprintf(`powershell.exe -NoProfile -NonInteractive -Command "%s"`, strings.ReplaceAll(command, `"`, "`\""))

	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	stdout, stderr, exitCode, err := client.RunWithContextWithString(ctx, ps, "")
	if err != nil {
		if strings.Contains(err.Error(), "401") {
			return "", errs.Authentication(fmt.Sprintf("WinRM authentication to %s failed", host), err)
		}
		return "", errs.Connectivity(fmt.Sprintf("WinRM execution on %s failed", host), err)
	}
	if exitCode != 0 {
		return "", &errs.Error{
			Kind:    errs.KindInternal,
			Op:      host,
			Message: fmt.Sprintf("PowerShell command failed (exit code %d): %s", exitCode, strings.TrimSpace(stderr)),
		}
	}
	return strings.TrimSpace(stdout), nil
}
