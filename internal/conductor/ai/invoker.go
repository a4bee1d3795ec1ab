package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/conductor-dev/conductor/internal/conductor/faults"
)

// CommandInvoker runs the collaborator as a subprocess: prompt on stdin,
// response on stdout. The command and its arguments come from config.
type CommandInvoker struct {
	Command []string
	Timeout time.Duration
}

// Invoke runs the command once. A deadline overrun is transient, the
// caller decides whether another attempt is worth it.
func (i *CommandInvoker) Invoke(ctx context.Context, prompt string) (string, error) {
	if len(i.Command) == 0 {
		return "", faults.Terminal(errors.New("no AI command configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, i.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, i.Command[0], i.Command[1:]...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", faults.Transient(fmt.Errorf("AI command timed out after %s", i.Timeout))
		}
		return "", faults.Transient(fmt.Errorf("AI command failed: %w: %s", err, firstLine(stderr.String())))
	}
	return stdout.String(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
