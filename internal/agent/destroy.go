package agent

import (
	"errors"
	"fmt"
	"slices"
	"time"

	apperr "github.com/kong/systemctl2mqtt/internal/err"
)

// DestroyScheduler tracks services missing from the last census and removes
// them once they have been missing for the ttl.
type DestroyScheduler struct {
	ttl     time.Duration
	pending map[string]time.Time
}

func NewDestroyScheduler(ttl time.Duration) *DestroyScheduler {
	return &DestroyScheduler{ttl: ttl, pending: map[string]time.Time{}}
}

// Mark records the service as missing since at.
func (d *DestroyScheduler) Mark(name string, at time.Time) {
	d.pending[name] = at
}

// Clear drops a pending entry. It reports whether one existed.
func (d *DestroyScheduler) Clear(name string) bool {
	_, ok := d.pending[name]
	delete(d.pending, name)
	return ok
}

func (d *DestroyScheduler) Pending(name string) bool {
	_, ok := d.pending[name]
	return ok
}

func (d *DestroyScheduler) Len() int {
	return len(d.pending)
}

// Due returns, in sorted order, the services missing for at least the ttl.
func (d *DestroyScheduler) Due(now time.Time) []string {
	var due []string
	for name, markedAt := range d.pending {
		if now.Sub(markedAt) >= d.ttl {
			due = append(due, name)
		}
	}
	slices.Sort(due)
	return due
}

// Sweep unregisters every due service. An entry whose retraction failed
// stays pending and is retried on the next sweep.
func (d *DestroyScheduler) Sweep(now time.Time, unregister func(name string) error) error {
	var errs []error
	for _, name := range d.Due(now) {
		if err := unregister(name); err != nil {
			errs = append(errs, fmt.Errorf("retract %s: %w", name, err))
			continue
		}
		delete(d.pending, name)
	}
	if err := errors.Join(errs...); err != nil {
		return &apperr.EventsError{Msg: "could not remove destroyed services", Err: err}
	}
	return nil
}
