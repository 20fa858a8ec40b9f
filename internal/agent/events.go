package agent

import (
	"context"
	"fmt"

	apperr "github.com/kong/systemctl2mqtt/internal/err"
	"github.com/kong/systemctl2mqtt/internal/log"
	"github.com/kong/systemctl2mqtt/internal/metrics"
	"github.com/kong/systemctl2mqtt/internal/stream"
)

// Job types and results systemd reports in the journal.
const (
	JobStart   = "start"
	JobStop    = "stop"
	JobRestart = "restart"
	JobDone    = "done"
)

// transition maps a finished job onto the published status and state. It
// reports false for job types the agent does not track.
func transition(jobType, jobResult string) (Status, State, bool) {
	done := jobResult == JobDone
	switch jobType {
	case JobStart:
		if done {
			return StatusRunning, StateOn, true
		}
		return StatusFailed, StateOn, true
	case JobStop, JobRestart:
		if done {
			return StatusExited, StateOff, true
		}
		return StatusFailed, StateOff, true
	default:
		return "", "", false
	}
}

// handleEvent consumes at most one queued journal record.
func (a *Agent) handleEvent(ctx context.Context) error {
	var record stream.JournalRecord
	select {
	case record = <-a.events:
	default:
		return nil
	}

	logger := log.Component(a.opts.Logger, log.ComponentEvents)
	logger.Debug("processing event", "service", record.Unit, "queued", len(a.events))

	if record.IsReload() {
		if err := a.Reload(ctx); err != nil {
			a.metrics.Processed(readerEvents, metrics.OutcomeError)
			return err
		}
		a.metrics.Processed(readerEvents, metrics.OutcomeOK)
		return nil
	}

	if !record.IsJob() {
		logger.Debug("skipping journal line", "service", record.Unit, "message", record.Message)
		a.metrics.Processed(readerEvents, metrics.OutcomeSkipped)
		return nil
	}

	status, state, ok := transition(record.JobType, record.JobResult)
	if !ok {
		logger.Debug("ignoring unknown job type", "service", record.Unit, "job_type", record.JobType)
		a.metrics.Processed(readerEvents, metrics.OutcomeSkipped)
		return nil
	}

	err := a.applyTransition(ctx, record, status, state)
	if err != nil {
		a.metrics.Processed(readerEvents, metrics.OutcomeError)
		return err
	}
	logger.Info("service changed", "service", record.Unit, "job_type", record.JobType,
		"job_result", record.JobResult, "status", status)
	a.metrics.Processed(readerEvents, metrics.OutcomeOK)
	return nil
}

func (a *Agent) applyTransition(ctx context.Context, record stream.JournalRecord, status Status, state State) error {
	pid := 0
	if record.JobType == JobStart {
		var err error
		pid, err = a.opts.Lister.MainPID(ctx, record.Unit)
		if err != nil {
			return &apperr.EventsError{Msg: fmt.Sprintf("could not resolve main pid of %s", record.Unit), Err: err}
		}
	}

	_, ok := a.registry.Update(record.Unit, func(ev *ServiceEvent) {
		ev.Status = status
		ev.State = state
		if record.JobType == JobStart {
			ev.PID = pid
		}
	})
	if !ok {
		return &apperr.EventsError{Msg: fmt.Sprintf("event for unknown service %s", record.Unit)}
	}

	if err := a.registry.PublishEvent(record.Unit); err != nil {
		return &apperr.EventsError{Msg: fmt.Sprintf("could not publish event of %s", record.Unit), Err: err}
	}
	return nil
}
