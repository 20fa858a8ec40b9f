package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	apperr "github.com/kong/systemctl2mqtt/internal/err"
	"github.com/kong/systemctl2mqtt/internal/homeassistant"
	"github.com/kong/systemctl2mqtt/internal/metrics"
	"github.com/kong/systemctl2mqtt/internal/mqtt"
	"github.com/kong/systemctl2mqtt/internal/mqtt/mqtttest"
	"github.com/kong/systemctl2mqtt/internal/stream"
	"github.com/kong/systemctl2mqtt/internal/systemctl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHost    = "box"
	testVersion = "systemd 255 (255.4-1ubuntu8)"
	agentVer    = "1.4.0"
	fooService  = "foo.service"
)

var testTopics = homeassistant.Topics{Prefix: "systemctl", Host: testHost, DiscoveryPrefix: "homeassistant"}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeLister struct {
	mu         sync.Mutex
	units      []systemctl.Unit
	mainPIDs   map[string]int
	children   map[int][]int
	versionErr error
}

func (l *fakeLister) ListServices(context.Context) ([]systemctl.Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]systemctl.Unit(nil), l.units...), nil
}

func (l *fakeLister) MainPID(_ context.Context, unit string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mainPIDs[unit], nil
}

func (l *fakeLister) ChildPIDs(_ context.Context, pid int) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.children[pid]...), nil
}

func (l *fakeLister) Version(context.Context) (string, error) {
	if l.versionErr != nil {
		return "", l.versionErr
	}
	return testVersion, nil
}

func (l *fakeLister) setUnits(units ...systemctl.Unit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.units = units
}

type fakeBroker struct {
	mqtttest.Recorder
	mu           sync.Mutex
	disconnected bool
}

func (b *fakeBroker) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
	return nil
}

// blockingSource yields no lines and ends when the reader is cancelled.
type blockingSource struct{}

func (blockingSource) Open(ctx context.Context) (io.ReadCloser, error) {
	r, w := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = w.Close()
	}()
	return r, nil
}

type harness struct {
	agent  *Agent
	broker *fakeBroker
	lister *fakeLister
	clock  *fakeClock
}

func activeUnit(name string) systemctl.Unit {
	return systemctl.Unit{Unit: name, Load: "loaded", Active: "active", Sub: "running", Description: "Foo daemon"}
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		broker: &fakeBroker{},
		lister: &fakeLister{
			units:    []systemctl.Unit{activeUnit(fooService)},
			mainPIDs: map[string]int{fooService: 100},
			children: map[int][]int{},
		},
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	opts := Options{
		Host:        testHost,
		Version:     agentVer,
		Topics:      testTopics,
		QoS:         1,
		Events:      true,
		Stats:       true,
		Interval:    30 * time.Second,
		TTL:         time.Hour,
		Lister:      h.lister,
		Dial:        func(context.Context) (Broker, error) { return h.broker, nil },
		EventSource: blockingSource{},
		StatsSource: blockingSource{},
		Now:         h.clock.Now,
	}
	if configure != nil {
		configure(&opts)
	}
	h.agent = New(opts)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.agent.Start(t.Context()))
	t.Cleanup(func() { _ = h.agent.Close(context.Background()) })
}

func (h *harness) event(t *testing.T, record stream.JournalRecord) error {
	t.Helper()
	h.agent.events <- record
	return h.agent.Tick(t.Context())
}

func (h *harness) lastEvent(t *testing.T, service string) ServiceEvent {
	t.Helper()
	msg, ok := h.broker.Last(testTopics.Events(service))
	require.True(t, ok, "no events payload for %s", service)
	require.True(t, msg.Retain)
	var ev ServiceEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
	return ev
}

func statsRow(service string, primary, pid int, res, cpu string) stream.StatsLine {
	row := fmt.Sprintf("%d root 20 0 123456 %s 4096 S %s 0.4 0:01.23 foo", pid, res, cpu)
	return stream.StatsLine{Fields: strings.Fields(row), Service: service, PrimaryPID: primary}
}

func TestStartRequiresAFeature(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Events = false
		o.Stats = false
	})
	err := h.agent.Start(t.Context())

	var cfgErr *apperr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, h.broker.Messages())
}

func TestStartFailsWithoutSystemdVersion(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.versionErr = errors.New("systemctl: not found")

	err := h.agent.Start(t.Context())
	var cfgErr *apperr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorContains(t, err, "systemctl: not found")
}

func TestStartReturnsDialError(t *testing.T) {
	dialErr := &apperr.ConnectionError{Op: "connect", Topic: "tcp://localhost:1883", Err: errors.New("refused")}
	h := newHarness(t, func(o *Options) {
		o.Dial = func(context.Context) (Broker, error) { return nil, dialErr }
	})

	err := h.agent.Start(t.Context())
	require.ErrorIs(t, err, dialErr)
	require.NoError(t, h.agent.Close(context.Background()))
}

func TestTickBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	var procErr *apperr.ProcessingError
	require.ErrorAs(t, h.agent.Tick(t.Context()), &procErr)
}

func TestEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	version, ok := h.broker.Last(testTopics.Version())
	require.True(t, ok)
	assert.Equal(t, agentVer, version.Payload)
	assert.True(t, version.Retain)

	configTopics := []string{
		testTopics.Discovery(homeassistant.ComponentBinarySensor, homeassistant.EventsObjectID(fooService)),
	}
	for _, field := range homeassistant.StatsFields {
		configTopics = append(configTopics,
			testTopics.Discovery(homeassistant.ComponentSensor, homeassistant.StatsObjectID(fooService, field.Field)))
	}
	for _, topic := range configTopics {
		msgs := h.broker.Topic(topic)
		require.Len(t, msgs, 1, topic)
		assert.True(t, msgs[0].Retain)
		assert.NotEmpty(t, msgs[0].Payload)
	}

	want := ServiceEvent{
		Name: fooService, Description: "Foo daemon", PID: 100, CPIDs: []int{},
		Status: StatusRunning, State: StateOn,
	}
	if diff := cmp.Diff(want, h.lastEvent(t, fooService)); diff != "" {
		t.Errorf("initial event mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, h.event(t, stream.JournalRecord{
		Unit: fooService, Message: "Stopped Foo.", JobType: JobStop, JobResult: JobDone,
	}))
	stopped := h.lastEvent(t, fooService)
	assert.Equal(t, StatusExited, stopped.Status)
	assert.Equal(t, StateOff, stopped.State)

	h.lister.setUnits()
	require.NoError(t, h.event(t, stream.JournalRecord{Message: stream.ReloadingMessage}))
	assert.True(t, h.agent.destroy.Pending(fooService))

	h.clock.Advance(59 * time.Minute)
	require.NoError(t, h.agent.Tick(t.Context()))
	_, registered := h.agent.Registry().Get(fooService)
	assert.True(t, registered)

	h.broker.Reset()
	h.clock.Advance(time.Minute)
	require.NoError(t, h.agent.Tick(t.Context()))

	assert.Zero(t, h.agent.Registry().Len())
	assert.Zero(t, h.agent.destroy.Len())
	retracted := append(configTopics, testTopics.Events(fooService), testTopics.Stats(fooService))
	for _, topic := range retracted {
		msg, ok := h.broker.Last(topic)
		require.True(t, ok, topic)
		assert.Empty(t, msg.Payload, topic)
		assert.True(t, msg.Retain, topic)
	}
}

func TestEventTransitions(t *testing.T) {
	tests := []struct {
		jobType   string
		jobResult string
		status    Status
		state     State
	}{
		{JobStart, JobDone, StatusRunning, StateOn},
		{JobStart, "failed", StatusFailed, StateOn},
		{JobStop, JobDone, StatusExited, StateOff},
		{JobStop, "canceled", StatusFailed, StateOff},
		{JobRestart, JobDone, StatusExited, StateOff},
		{JobRestart, "timeout", StatusFailed, StateOff},
	}
	for _, tt := range tests {
		t.Run(tt.jobType+"/"+tt.jobResult, func(t *testing.T) {
			h := newHarness(t, nil)
			h.lister.setUnits(activeUnit(fooService), activeUnit("bar.service"))
			h.start(t)
			bar, _ := h.agent.Registry().Get("bar.service")
			h.broker.Reset()

			require.NoError(t, h.event(t, stream.JournalRecord{
				Unit: fooService, JobType: tt.jobType, JobResult: tt.jobResult,
			}))

			got := h.lastEvent(t, fooService)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.state, got.State)

			assert.Len(t, h.broker.Messages(), 1)
			after, _ := h.agent.Registry().Get("bar.service")
			assert.Empty(t, cmp.Diff(bar, after))
		})
	}
}

func TestStartEventResolvesMainPID(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.lister.mu.Lock()
	h.lister.mainPIDs[fooService] = 4242
	h.lister.mu.Unlock()

	require.NoError(t, h.event(t, stream.JournalRecord{Unit: fooService, JobType: JobStart, JobResult: JobDone}))
	assert.Equal(t, 4242, h.lastEvent(t, fooService).PID)

	service, primary, ok := h.agent.Registry().Resolve(4242)
	require.True(t, ok)
	assert.Equal(t, fooService, service)
	assert.Equal(t, 4242, primary)
}

func TestEventsThatChangeNothing(t *testing.T) {
	records := map[string]stream.JournalRecord{
		"no job":           {Unit: fooService, Message: "Starting Foo..."},
		"pending job":      {Unit: fooService, JobType: JobStart},
		"unknown job type": {Unit: fooService, JobType: "reload", JobResult: JobDone},
	}
	for name, record := range records {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.start(t)
			before, _ := h.agent.Registry().Get(fooService)
			h.broker.Reset()

			require.NoError(t, h.event(t, record))

			after, _ := h.agent.Registry().Get(fooService)
			assert.Empty(t, cmp.Diff(before, after))
			assert.Empty(t, h.broker.Messages())
		})
	}
}

func TestEventForUnknownService(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	err := h.event(t, stream.JournalRecord{Unit: "ghost.service", JobType: JobStop, JobResult: JobDone})
	var eventsErr *apperr.EventsError
	require.ErrorAs(t, err, &eventsErr)
	assert.Contains(t, err.Error(), "ghost.service")
}

func TestEventPublishFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.broker.Fail = func(string) error {
		return &apperr.ConnectionError{Op: "publish", Err: errors.New("not connected")}
	}

	err := h.event(t, stream.JournalRecord{Unit: fooService, JobType: JobStop, JobResult: JobDone})
	var eventsErr *apperr.EventsError
	require.ErrorAs(t, err, &eventsErr)
	var connErr *apperr.ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestReloadIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.setUnits(activeUnit(fooService), activeUnit("bar.service"))
	h.start(t)
	first := h.broker.Messages()
	before, _ := h.agent.Registry().Get(fooService)

	h.broker.Reset()
	require.NoError(t, h.agent.Reload(t.Context()))

	assert.Equal(t, []string{"bar.service", fooService}, h.agent.Registry().Names())
	assert.Zero(t, h.agent.destroy.Len())
	after, _ := h.agent.Registry().Get(fooService)
	assert.Empty(t, cmp.Diff(before, after))

	// the first batch also carries the version
	assert.Len(t, h.broker.Messages(), len(first)-1)
}

func TestReloadFiltersAndMapsUnits(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.setUnits(
		systemctl.Unit{Unit: "a.service", Load: "loaded", Active: "inactive", Sub: "dead"},
		systemctl.Unit{Unit: "b.service", Load: "loaded", Active: "failed", Sub: "failed"},
		systemctl.Unit{Unit: "c.service", Load: "loaded", Active: "activating", Sub: "start"},
		systemctl.Unit{Unit: "d.service", Load: "not-found", Active: "inactive", Sub: "dead"},
	)
	h.start(t)

	assert.Equal(t, []string{"a.service", "b.service", "c.service"}, h.agent.Registry().Names())
	for name, want := range map[string][2]string{
		"a.service": {string(StatusExited), string(StateOff)},
		"b.service": {string(StatusFailed), string(StateOff)},
		"c.service": {string(StatusExited), string(StateOff)},
	} {
		got := h.lastEvent(t, name)
		assert.Equal(t, want, [2]string{string(got.Status), string(got.State)}, name)
	}
}

func TestReloadWithoutEventsRegistersNothing(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Events = false })
	h.start(t)
	assert.Zero(t, h.agent.Registry().Len())
}

func TestReappearingServiceIsKept(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.lister.setUnits()
	require.NoError(t, h.agent.Reload(t.Context()))
	require.True(t, h.agent.destroy.Pending(fooService))

	h.clock.Advance(30 * time.Minute)
	h.lister.setUnits(activeUnit(fooService))
	require.NoError(t, h.agent.Reload(t.Context()))
	assert.False(t, h.agent.destroy.Pending(fooService))

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.agent.Tick(t.Context()))
	_, ok := h.agent.Registry().Get(fooService)
	assert.True(t, ok)
}

func TestStatsPublishThrottling(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.children[100] = []int{101, 102}
	h.start(t)
	h.broker.Reset()

	h.agent.stats <- statsRow(fooService, 100, 101, "1024", "1.0")
	h.agent.stats <- statsRow(fooService, 100, 102, "2048", "2.0")
	h.agent.stats <- statsRow(fooService, 100, 100, "1g", "4.5")
	for range 3 {
		require.NoError(t, h.agent.Tick(t.Context()))
	}

	msgs := h.broker.Topic(testTopics.Stats(fooService))
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Retain)

	var got ServiceStats
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Payload), &got))
	want := ServiceStats{
		Name:      fooService,
		Host:      testHost,
		CPU:       7.5,
		Memory:    1 + 2 + 1024,
		Processes: 3,
		PIDStats: map[int]PIDStats{
			100: {PID: 100, CPU: 4.5, Memory: 1024},
			101: {PID: 101, CPU: 1.0, Memory: 1},
			102: {PID: 102, CPU: 2.0, Memory: 2},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestStatsPrunesExitedChildren(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.children[100] = []int{101, 102}
	h.start(t)

	h.agent.stats <- statsRow(fooService, 100, 102, "2048", "2.0")
	require.NoError(t, h.agent.Tick(t.Context()))

	h.lister.mu.Lock()
	h.lister.children[100] = []int{101}
	h.lister.mu.Unlock()
	h.agent.stats <- statsRow(fooService, 100, 100, "1024", "1.0")
	require.NoError(t, h.agent.Tick(t.Context()))

	msg, ok := h.broker.Last(testTopics.Stats(fooService))
	require.True(t, ok)
	var got ServiceStats
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Len(t, got.PIDStats, 1)
	assert.InDelta(t, 1.0, got.CPU, 1e-9)

	ev, _ := h.agent.Registry().Get(fooService)
	assert.Equal(t, []int{101}, ev.CPIDs)
	_, _, ok = h.agent.Registry().Resolve(102)
	assert.False(t, ok)
}

func TestStatsErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	var statsErr *apperr.StatsError

	h.agent.stats <- statsRow("ghost.service", 7, 7, "1", "1")
	require.ErrorAs(t, h.agent.Tick(t.Context()), &statsErr)

	h.agent.stats <- stream.StatsLine{Fields: []string{"100", "root"}, Service: fooService, PrimaryPID: 100}
	require.ErrorAs(t, h.agent.Tick(t.Context()), &statsErr)
}

func TestRunContinuesOnKnownErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.agent.events <- stream.JournalRecord{Unit: "ghost.service", JobType: JobStop, JobResult: JobDone}
	h.agent.events <- stream.JournalRecord{Unit: fooService, JobType: JobStop, JobResult: JobDone}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	go func() {
		for len(h.agent.events) > 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	require.NoError(t, h.agent.Run(ctx))
	assert.Equal(t, StatusExited, h.lastEvent(t, fooService).Status)
}

func TestRunFailOnError(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.FailOnError = true })
	h.start(t)
	h.agent.events <- stream.JournalRecord{Unit: "ghost.service", JobType: JobStop, JobResult: JobDone}

	err := h.agent.Run(t.Context())
	var eventsErr *apperr.EventsError
	require.ErrorAs(t, err, &eventsErr)
}

func TestRunStopsOnUnknownErrors(t *testing.T) {
	h := newHarness(t, nil)
	var procErr *apperr.ProcessingError
	require.ErrorAs(t, h.agent.Run(t.Context()), &procErr)
}

func TestOnlyKnownErrors(t *testing.T) {
	events := &apperr.EventsError{Msg: "e"}
	stats := &apperr.StatsError{Msg: "s"}

	assert.True(t, onlyKnownErrors(events))
	assert.True(t, onlyKnownErrors(errors.Join(events, stats)))
	assert.False(t, onlyKnownErrors(errors.Join(events, errors.New("other"))))
	assert.False(t, onlyKnownErrors(&apperr.ProcessingError{Msg: "p"}))
}

func TestSleepDuration(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, 201*time.Millisecond, h.agent.sleepDuration())

	for range 50 {
		h.agent.stats <- stream.StatsLine{}
	}
	assert.Equal(t, 101*time.Millisecond, h.agent.sleepDuration())

	for range MaxQueueSize {
		h.agent.events <- stream.JournalRecord{}
	}
	assert.Equal(t, time.Millisecond, h.agent.sleepDuration())
}

func TestClosePublishesOffline(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.agent.Start(t.Context()))
	h.broker.Reset()

	require.NoError(t, h.agent.Close(context.Background()))

	assert.Equal(t, []mqtttest.Message{
		{Topic: testTopics.Status(), Payload: mqtt.StatusOffline, Retain: true},
		{Topic: testTopics.Version(), Payload: agentVer, Retain: true},
	}, h.broker.Messages())
	assert.True(t, h.broker.disconnected)
	for _, s := range h.agent.supervisors {
		assert.False(t, s.Alive(), s.Name())
	}
}

func TestMetricsAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	h := newHarness(t, func(o *Options) { o.Metrics = m })
	h.start(t)
	require.NoError(t, h.agent.Tick(t.Context()))

	expected := `
# HELP systemctl2mqtt_registered_services Services currently registered with the broker
# TYPE systemctl2mqtt_registered_services gauge
systemctl2mqtt_registered_services 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "systemctl2mqtt_registered_services"))

	count, err := testutil.GatherAndCount(reg, "systemctl2mqtt_publishes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
