package agent

import (
	"context"
	"errors"
	"fmt"

	apperr "github.com/kong/systemctl2mqtt/internal/err"
)

const loadedState = "loaded"

// Reload reconciles the registry with a fresh census. Every loaded service
// passing the filter is (re)registered and loses its pending removal; known
// services missing from the census are marked for removal.
//
// Services are only registered when events monitoring is enabled.
func (a *Agent) Reload(ctx context.Context) error {
	units, err := a.opts.Lister.ListServices(ctx)
	if err != nil {
		return &apperr.EventsError{Msg: "could not list services", Err: err}
	}

	var errs []error
	registered := map[string]bool{}
	for _, unit := range units {
		if !a.opts.Policy.Allows(unit.Unit) || unit.Load != loadedState {
			continue
		}
		if !a.opts.Events {
			continue
		}

		status, state := statusFromActive(unit.Active)
		pid, err := a.opts.Lister.MainPID(ctx, unit.Unit)
		if err != nil {
			a.logger.Warn("could not resolve main pid", "service", unit.Unit, "error", err)
			pid = 0
		}
		children, err := a.opts.Lister.ChildPIDs(ctx, pid)
		if err != nil {
			a.logger.Warn("could not resolve child pids", "service", unit.Unit, "pid", pid, "error", err)
			children = nil
		}

		registered[unit.Unit] = true
		err = a.registry.Register(ServiceEvent{
			Name:        unit.Unit,
			Description: unit.Description,
			PID:         pid,
			CPIDs:       children,
			Status:      status,
			State:       state,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", unit.Unit, err))
		}
		if a.destroy.Clear(unit.Unit) {
			a.logger.Debug("service reappeared, pending removal cancelled", "service", unit.Unit)
		}
	}

	now := a.now()
	for _, name := range a.registry.Names() {
		if registered[name] || a.destroy.Pending(name) {
			continue
		}
		a.logger.Debug("service missing, marking for removal", "service", name)
		a.destroy.Mark(name, now)
	}

	a.logger.Info("reloaded services", "registered", len(registered), "pending_removal", a.destroy.Len())
	if err := errors.Join(errs...); err != nil {
		return &apperr.EventsError{Msg: "could not register services", Err: err}
	}
	return nil
}
