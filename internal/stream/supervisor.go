package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// StableRunDuration is how long a reader must run before its failure
	// counts as isolated and the restart backoff resets.
	StableRunDuration = 30 * time.Second
	initialBackoff    = time.Second
	maxBackoff        = 30 * time.Second
)

// RunFunc is one reader run.
type RunFunc func(ctx context.Context) error

// Supervisor keeps one reader goroutine alive. It is driven by the tick loop
// through Check and is not safe for concurrent use, except for Alive.
//
// A dead reader is restarted without limit. The first restart after a
// stable run is immediate; each further restart of a reader that died
// within StableRunDuration waits twice as long as the previous one, starting
// at one second and capped at thirty.
type Supervisor struct {
	name   string
	run    RunFunc
	logger *slog.Logger
	now    func() time.Time

	// OnRestart, when set, is called on every restart
	OnRestart func(name string)

	done      chan struct{}
	startedAt time.Time
	exitedAt  time.Time
	exitErr   error
	handled   bool
	fastFails int
	restartAt time.Time
	restarts  int
}

// NewSupervisor builds a supervisor for the reader called name.
func NewSupervisor(name string, run RunFunc, logger *slog.Logger, now func() time.Time) *Supervisor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{name: name, run: run, logger: logger, now: now}
}

// Name returns the reader name.
func (s *Supervisor) Name() string {
	return s.name
}

// Start launches the reader goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	done := make(chan struct{})
	s.done = done
	s.startedAt = s.now()
	s.handled = false

	go func() {
		defer close(done)
		err := s.run(ctx)
		s.exitErr = err
		s.exitedAt = s.now()
	}()
}

// Alive reports whether the reader goroutine is running.
func (s *Supervisor) Alive() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Restarts returns how many times the reader was restarted.
func (s *Supervisor) Restarts() int {
	return s.restarts
}

// Check restarts the reader when it has exited and its backoff elapsed. It
// reports whether a restart happened. Nothing is restarted once ctx is done.
func (s *Supervisor) Check(ctx context.Context) bool {
	if s.done == nil || s.Alive() || ctx.Err() != nil {
		return false
	}

	if !s.handled {
		s.handled = true
		s.logExit()
		if s.exitedAt.Sub(s.startedAt) >= StableRunDuration {
			s.fastFails = 0
		}
		s.restartAt = s.exitedAt.Add(backoff(s.fastFails))
		s.fastFails++
	}

	if s.now().Before(s.restartAt) {
		return false
	}

	s.restarts++
	s.logger.Warn("restarting reader", "reader", s.name, "restarts", s.restarts)
	if s.OnRestart != nil {
		s.OnRestart(s.name)
	}
	s.Start(ctx)
	return true
}

func (s *Supervisor) logExit() {
	switch {
	case s.exitErr == nil, errors.Is(s.exitErr, context.Canceled):
		s.logger.Debug("reader stopped", "reader", s.name)
	case errors.Is(s.exitErr, ErrStreamClosed):
		s.logger.Warn("reader stream closed", "reader", s.name)
	default:
		s.logger.Error("reader failed", "reader", s.name, "error", s.exitErr)
	}
}

// Wait blocks until the current reader goroutine has exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	if s.done == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backoff(fastFails int) time.Duration {
	if fastFails <= 0 {
		return 0
	}
	d := initialBackoff
	for i := 1; i < fastFails && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
