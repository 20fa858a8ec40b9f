package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kong/systemctl2mqtt/internal/log"
)

// Resolver maps a pid onto the monitored service owning it, either as its
// primary pid or as one of its children.
type Resolver interface {
	Resolve(pid int) (service string, primaryPID int, ok bool)
}

// StatsLine is one process table row owned by a monitored service.
type StatsLine struct {
	Fields     []string
	Service    string
	PrimaryPID int
}

// StatsReader tails the process sampler and queues the rows of processes
// belonging to monitored services.
type StatsReader struct {
	source   Source
	resolver Resolver
	out      chan<- StatsLine
	logger   *slog.Logger
}

func NewStatsReader(source Source, resolver Resolver, out chan<- StatsLine, logger *slog.Logger) *StatsReader {
	return &StatsReader{
		source:   source,
		resolver: resolver,
		out:      out,
		logger:   log.Component(logger, log.ComponentStatsReader),
	}
}

// Run reads the stream until it closes. Header rows and rows of unknown
// processes are dropped.
func (r *StatsReader) Run(ctx context.Context) error {
	r.logger.Info("starting stats reader", "source", fmt.Sprint(r.source))
	stream, err := r.source.Open(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	err = scanLines(ctx, stream, func(line string) error {
		fields := strings.Fields(line)
		if len(fields) == 0 || !isDigits(fields[0]) {
			return nil
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil
		}
		service, primary, ok := r.resolver.Resolve(pid)
		if !ok {
			return nil
		}
		r.logger.Log(ctx, log.LevelTrace, "read top stat line", "service", service, "pid", pid)
		return send(ctx, r.out, StatsLine{Fields: fields, Service: service, PrimaryPID: primary})
	})
	if err != nil {
		return err
	}
	return ErrStreamClosed
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
