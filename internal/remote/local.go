package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/Fimeg/systemsdashboard/internal/errs"
)

// Local runs commands through sh on the machine running the service.
type Local struct {
	timeout time.Duration
}

// NewLocal creates a local executor. Commands exceeding timeout are killed.
func NewLocal(timeout time.Duration) *Local {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Local{timeout: timeout}
}

func (l *Local) Run(ctx context.Context, _ string, command string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return "", errs.Connectivity(fmt.Sprintf("command timed out after %v", l.timeout), execCtx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &errs.Error{
				Kind:    errs.KindInternal,
				Message: fmt.Sprintf("command exited with status %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
				Err:     err,
			}
		}
		// Spawn failures keep their cause so descriptor exhaustion is
		// still recognised by errs.KindOf.
		return "", fmt.Errorf("failed to start command: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
