// Package agent is the tick-loop orchestrator. It owns the queues, the
// service registry, the destroy scheduler and the stats aggregator, and
// drives the two stream readers through their supervisors.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperr "github.com/kong/systemctl2mqtt/internal/err"
	"github.com/kong/systemctl2mqtt/internal/filter"
	"github.com/kong/systemctl2mqtt/internal/homeassistant"
	"github.com/kong/systemctl2mqtt/internal/log"
	"github.com/kong/systemctl2mqtt/internal/metrics"
	"github.com/kong/systemctl2mqtt/internal/mqtt"
	"github.com/kong/systemctl2mqtt/internal/stream"
	"github.com/kong/systemctl2mqtt/internal/systemctl"
)

const (
	// MaxQueueSize is the capacity of the events and stats queues.
	MaxQueueSize = 100

	minSleep     = time.Millisecond
	sleepPerSlot = 2 * time.Millisecond
	closeTimeout = 5 * time.Second

	readerEvents = "events"
	readerStats  = "stats"
)

// Lister is the service manager capability the agent consumes.
type Lister interface {
	ListServices(ctx context.Context) ([]systemctl.Unit, error)
	MainPID(ctx context.Context, unit string) (int, error)
	ChildPIDs(ctx context.Context, pid int) ([]int, error)
	Version(ctx context.Context) (string, error)
}

// Broker is a connected publisher that can be shut down.
type Broker interface {
	mqtt.Publisher
	Disconnect() error
}

// Dialer connects to the broker.
type Dialer func(ctx context.Context) (Broker, error)

// Options configures an Agent.
type Options struct {
	// Host is the hostname label used in topics and device names
	Host         string
	// Version is the agent version published on the version topic
	Version      string
	Topics       homeassistant.Topics
	QoS          int
	SingleDevice bool

	Events      bool
	Stats       bool
	Interval    time.Duration
	TTL         time.Duration
	FailOnError bool

	Policy       *filter.Policy
	RecordFilter *stream.RecordFilter

	Lister Lister
	Dial   Dialer
	// EventSource and StatsSource default to journalctl and top
	EventSource stream.Source
	StatsSource stream.Source

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Agent bridges systemd to the broker.
type Agent struct {
	opts    Options
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	events chan stream.JournalRecord
	stats  chan stream.StatsLine

	broker     Broker
	publisher  mqtt.Publisher
	discovery  *homeassistant.Discovery
	registry   *Registry
	destroy    *DestroyScheduler
	aggregator *Aggregator

	supervisors   []*stream.Supervisor
	readerCtx     context.Context
	cancelReaders context.CancelFunc
}

// New builds an agent. Nothing is started until Start.
func New(opts Options) *Agent {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.EventSource == nil {
		opts.EventSource = stream.NewCommandSource(stream.EventsCommand)
	}
	if opts.StatsSource == nil {
		opts.StatsSource = stream.NewCommandSource(stream.StatsCommand)
	}
	return &Agent{
		opts:       opts,
		now:        opts.Now,
		logger:     log.Component(opts.Logger, log.ComponentMain),
		metrics:    opts.Metrics,
		events:     make(chan stream.JournalRecord, MaxQueueSize),
		stats:      make(chan stream.StatsLine, MaxQueueSize),
		destroy:    NewDestroyScheduler(opts.TTL),
		aggregator: NewAggregator(opts.Host, opts.Interval, opts.Now),
	}
}

// Registry returns the service registry. It is nil before Start.
func (a *Agent) Registry() *Registry {
	return a.registry
}

// Start resolves the systemd version, connects to the broker, publishes the
// initial state and launches the enabled readers. Readers stop when ctx is
// done or Close is called.
func (a *Agent) Start(ctx context.Context) error {
	if !a.opts.Events && !a.opts.Stats {
		return &apperr.ConfigurationError{
			Err: errors.New("neither events nor stats monitoring is enabled"),
		}
	}

	systemdVersion, err := a.opts.Lister.Version(ctx)
	if err != nil {
		return &apperr.ConfigurationError{Err: fmt.Errorf("could not determine systemd version: %w", err)}
	}
	a.logger.Info("detected systemd", "systemd_version", systemdVersion)

	a.discovery = homeassistant.New(homeassistant.Options{
		Topics:         a.opts.Topics,
		QoS:            a.opts.QoS,
		SingleDevice:   a.opts.SingleDevice,
		SystemdVersion: systemdVersion,
	})

	broker, err := a.opts.Dial(ctx)
	if err != nil {
		return err
	}
	a.broker = broker
	a.publisher = &countingPublisher{Publisher: broker, metrics: a.metrics}
	a.registry = NewRegistry(a.publisher, a.discovery, log.Component(a.opts.Logger, log.ComponentEvents))

	if err := a.publishVersion(); err != nil {
		return err
	}
	if err := a.Reload(ctx); err != nil {
		return err
	}

	readerCtx, cancel := context.WithCancel(ctx)
	a.cancelReaders = cancel
	if a.opts.Events {
		reader := stream.NewEventReader(a.opts.EventSource, a.opts.Policy, a.opts.RecordFilter, a.events, a.opts.Logger)
		a.startReader(readerCtx, readerEvents, reader.Run)
	}
	if a.opts.Stats {
		reader := stream.NewStatsReader(a.opts.StatsSource, a.registry, a.stats, a.opts.Logger)
		a.startReader(readerCtx, readerStats, reader.Run)
	}
	a.readerCtx = readerCtx
	return nil
}

func (a *Agent) startReader(ctx context.Context, name string, run stream.RunFunc) {
	s := stream.NewSupervisor(name, run, a.logger, a.now)
	s.OnRestart = a.metrics.ReaderRestarted
	s.Start(ctx)
	a.supervisors = append(a.supervisors, s)
}

func (a *Agent) publishVersion() error {
	return a.publisher.Publish(a.discovery.Topics().Version(), []byte(a.opts.Version), true)
}

// Tick runs one iteration of the loop: destroy sweep, at most one event, at
// most one stats row, then the reader liveness check. Errors of the steps
// are joined.
func (a *Agent) Tick(ctx context.Context) error {
	if a.registry == nil {
		return &apperr.ProcessingError{Msg: "agent is not started"}
	}

	var errs []error
	if err := a.destroy.Sweep(a.now(), a.retract); err != nil {
		errs = append(errs, err)
	}
	if a.opts.Events {
		if err := a.handleEvent(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.opts.Stats {
		if err := a.handleStats(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.supervise(ctx)
	a.observe()
	return errors.Join(errs...)
}

func (a *Agent) supervise(ctx context.Context) {
	if a.readerCtx == nil || ctx.Err() != nil {
		return
	}
	for _, s := range a.supervisors {
		s.Check(a.readerCtx)
	}
}

func (a *Agent) observe() {
	a.metrics.SetQueueDepth(readerEvents, len(a.events))
	a.metrics.SetQueueDepth(readerStats, len(a.stats))
	a.metrics.SetServices(a.registry.Len())
	a.metrics.SetPendingDestroy(a.destroy.Len())
}

// retract unregisters a destroyed service and drops its stats state.
func (a *Agent) retract(name string) error {
	a.aggregator.Forget(name)
	return a.registry.Unregister(name)
}

// Run ticks until ctx is done. Events and stats failures are logged and the
// loop continues, unless FailOnError is set. Any other failure ends Run.
func (a *Agent) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if err := a.Tick(ctx); err != nil {
			if a.opts.FailOnError || !onlyKnownErrors(err) {
				return err
			}
			a.logger.Error("tick failed", "error", err)
		}
		timer.Reset(a.sleepDuration())
	}
}

// sleepDuration shortens the pause between ticks as the fuller queue fills.
func (a *Agent) sleepDuration() time.Duration {
	depth := max(len(a.events), len(a.stats))
	free := max(MaxQueueSize-depth, 0)
	return minSleep + time.Duration(free)*sleepPerSlot
}

// onlyKnownErrors reports whether every error joined in err is an events or
// stats failure.
func onlyKnownErrors(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !onlyKnownErrors(e) {
				return false
			}
		}
		return true
	}
	return apperr.IsKnownProcessingError(err)
}

// Close stops the readers, publishes the offline status and the version,
// then disconnects.
func (a *Agent) Close(ctx context.Context) error {
	if a.cancelReaders != nil {
		a.cancelReaders()
	}
	waitCtx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	for _, s := range a.supervisors {
		if err := s.Wait(waitCtx); err != nil {
			a.logger.Warn("reader did not stop in time", "reader", s.Name(), "error", err)
		}
	}

	if a.broker == nil {
		return nil
	}
	var errs []error
	if err := a.publisher.Publish(a.discovery.Topics().Status(), []byte(mqtt.StatusOffline), true); err != nil {
		errs = append(errs, err)
	}
	if err := a.publishVersion(); err != nil {
		errs = append(errs, err)
	}
	if err := a.broker.Disconnect(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("disconnected from broker")
	return errors.Join(errs...)
}

// countingPublisher records the outcome of every publish.
type countingPublisher struct {
	mqtt.Publisher
	metrics *metrics.Metrics
}

func (p *countingPublisher) Publish(topic string, payload []byte, retain bool) error {
	err := p.Publisher.Publish(topic, payload, retain)
	p.metrics.Published(err)
	return err
}
