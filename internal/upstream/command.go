package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// MessagePlaceholder in CommandSender.Args is replaced by the message text.
const MessagePlaceholder = "{message}"

// CommandSender delivers a single message by running an external command line
// tool, for use when no gateway link is available.
type CommandSender struct {
	Path    string
	Args    []string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Deliver runs the command once. A nil error means the tool exited 0.
func (c *CommandSender) Deliver(ctx context.Context, text string) error {
	if c.Path == "" {
		return errors.New("no fallback command configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, len(c.Args)+2)
	replaced := false
	for _, a := range c.Args {
		if strings.Contains(a, MessagePlaceholder) {
			a = strings.ReplaceAll(a, MessagePlaceholder, text)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, "--message", text)
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	start := time.Now()
	err := cmd.Run()
	c.Logger.Debug().Str("command", c.Path).Dur("took", time.Since(start)).Err(err).Msg("fallback delivery")

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: timeout sending message", ErrTransport)
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%w: %s", ErrTransport, detail)
	}
	return nil
}
