package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

var (
	// EventsCommand tails systemd's own journal messages as JSON lines.
	EventsCommand = []string{"journalctl", "_COMM=systemd", "--output=json", "-f", "-n", "0"}
	// StatsCommand samples the process table once per second.
	StatsCommand = []string{"top", "-b", "-d", "1"}
)

const stopGracePeriod = 2 * time.Second

// Source opens a fresh line stream for one reader run.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// CommandSource streams the standard output of a long-lived subprocess.
type CommandSource struct {
	Argv []string
}

// NewCommandSource returns a source running argv.
func NewCommandSource(argv []string) *CommandSource {
	return &CommandSource{Argv: argv}
}

func (s *CommandSource) String() string {
	return fmt.Sprint(s.Argv)
}

// Open starts the subprocess. Cancelling ctx or closing the stream stops it
// with SIGTERM, escalating to SIGKILL after a grace period.
func (s *CommandSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if len(s.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, s.Argv[0], s.Argv[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = stopGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pipe %s: %w", s.Argv[0], err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", s.Argv[0], err)
	}
	return &commandStream{ReadCloser: stdout, cmd: cmd, cancel: cancel}, nil
}

type commandStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// Close stops the subprocess and reaps it.
func (c *commandStream) Close() error {
	c.cancel()
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, context.Canceled) {
		// killed by us or exited on its own, the reader already saw EOF
		return nil
	}
	return err
}
