package agent

import (
	"context"
	"encoding/json"
	"fmt"

	apperr "github.com/kong/systemctl2mqtt/internal/err"
	"github.com/kong/systemctl2mqtt/internal/log"
	"github.com/kong/systemctl2mqtt/internal/metrics"
	"github.com/kong/systemctl2mqtt/internal/stream"
)

// handleStats consumes at most one queued stats row. Only accepted samples
// of a primary pid are published, after the service's child pids have been
// refreshed and entries of vanished children pruned.
func (a *Agent) handleStats(ctx context.Context) error {
	var line stream.StatsLine
	select {
	case line = <-a.stats:
	default:
		return nil
	}

	err := a.processStats(ctx, line)
	if err != nil {
		a.metrics.Processed(readerStats, metrics.OutcomeError)
	}
	return err
}

func (a *Agent) processStats(ctx context.Context, line stream.StatsLine) error {
	logger := log.Component(a.opts.Logger, log.ComponentStats)

	if _, ok := a.registry.Get(line.Service); !ok {
		return &apperr.StatsError{Msg: fmt.Sprintf("stats for unknown service %s", line.Service)}
	}

	sample, err := a.aggregator.Add(line)
	if err != nil {
		return &apperr.StatsError{Msg: fmt.Sprintf("could not parse stats of %s", line.Service), Err: err}
	}
	if !sample.Accepted {
		a.metrics.Processed(readerStats, metrics.OutcomeSkipped)
		return nil
	}
	if !sample.Primary {
		a.metrics.Processed(readerStats, metrics.OutcomeOK)
		return nil
	}

	children, err := a.opts.Lister.ChildPIDs(ctx, sample.PID)
	if err != nil {
		return &apperr.StatsError{Msg: fmt.Sprintf("could not resolve child pids of %s", line.Service), Err: err}
	}
	a.registry.Update(line.Service, func(ev *ServiceEvent) {
		ev.CPIDs = children
	})
	if dropped := a.aggregator.Prune(line.Service, sample.PID, children); len(dropped) > 0 {
		logger.Debug("pruned exited child pids", "service", line.Service, "pids", dropped)
	}

	rollup, _ := a.aggregator.Stats(line.Service)
	payload, err := json.Marshal(rollup)
	if err != nil {
		return &apperr.StatsError{Msg: fmt.Sprintf("could not encode stats of %s", line.Service), Err: err}
	}
	logger.Debug("publishing stats", "service", line.Service, "cpu", rollup.CPU, "memory", rollup.Memory)
	if err := a.publisher.Publish(a.discovery.Topics().Stats(line.Service), payload, false); err != nil {
		return &apperr.StatsError{Msg: fmt.Sprintf("could not publish stats of %s", line.Service), Err: err}
	}
	a.metrics.Processed(readerStats, metrics.OutcomeOK)
	return nil
}
