package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/kong/systemctl2mqtt/internal/homeassistant"
	"github.com/kong/systemctl2mqtt/internal/mqtt"
)

// Registry holds the known services and owns their broker registration.
// Only the tick loop mutates it; Resolve may be called from any goroutine.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceEvent
	pids     map[int]string

	publisher mqtt.Publisher
	discovery *homeassistant.Discovery
	logger    *slog.Logger
}

func NewRegistry(publisher mqtt.Publisher, discovery *homeassistant.Discovery, logger *slog.Logger) *Registry {
	return &Registry{
		services:  map[string]*ServiceEvent{},
		pids:      map[int]string{},
		publisher: publisher,
		discovery: discovery,
		logger:    logger,
	}
}

// Register stores the service, overwriting a previous entry, and publishes
// its discovery configs and initial payloads, all retained.
func (r *Registry) Register(event ServiceEvent) error {
	event = event.clone()
	r.mu.Lock()
	r.services[event.Name] = &event
	r.reindexLocked()
	r.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event of %s: %w", event.Name, err)
	}
	msgs, err := r.discovery.Registration(event.Name, payload)
	if err != nil {
		return err
	}
	r.logger.Debug("registering service", "service", event.Name, "pid", event.PID)
	return r.publishAll(msgs)
}

// Unregister retracts every topic Register published and forgets the
// service. Unknown services are still retracted.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	delete(r.services, name)
	r.reindexLocked()
	r.mu.Unlock()

	r.logger.Info("removing service from broker", "service", name)
	return r.publishAll(r.discovery.Retraction(name))
}

func (r *Registry) publishAll(msgs []homeassistant.Message) error {
	var errs []error
	for _, m := range msgs {
		if err := r.publisher.Publish(m.Topic, m.Payload, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Update applies fn to the stored service and returns the updated copy.
func (r *Registry) Update(name string, fn func(*ServiceEvent)) (ServiceEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.services[name]
	if !ok {
		return ServiceEvent{}, false
	}
	fn(event)
	r.reindexLocked()
	return event.clone(), true
}

// PublishEvent republishes the retained events payload of a service.
func (r *Registry) PublishEvent(name string) error {
	event, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("service %s is not registered", name)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event of %s: %w", name, err)
	}
	return r.publisher.Publish(r.discovery.Topics().Events(name), payload, true)
}

// Get returns a copy of the stored service.
func (r *Registry) Get(name string) (ServiceEvent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.services[name]
	if !ok {
		return ServiceEvent{}, false
	}
	return event.clone(), true
}

// Names returns the registered service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Resolve finds the service owning pid as its primary or a child pid.
func (r *Registry) Resolve(pid int) (string, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.pids[pid]
	if !ok {
		return "", 0, false
	}
	return name, r.services[name].PID, true
}

// reindexLocked rebuilds the pid index. Primary pids win over child pids
// when two services claim the same process.
func (r *Registry) reindexLocked() {
	clear(r.pids)
	for name, event := range r.services {
		for _, child := range event.CPIDs {
			if child > 0 {
				r.pids[child] = name
			}
		}
	}
	for name, event := range r.services {
		if event.PID > 0 {
			r.pids[event.PID] = name
		}
	}
}
