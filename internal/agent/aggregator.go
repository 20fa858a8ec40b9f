package agent

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kong/systemctl2mqtt/internal/stream"
)

// Process table columns of `top -b`.
const (
	columnPID    = 0
	columnRes    = 5
	columnCPU    = 8
	minimumWidth = columnCPU + 1
)

// Sample is the outcome of adding one stats row.
type Sample struct {
	Service string
	PID     int
	// Accepted is false when the pid was sampled less than the interval ago
	Accepted bool
	// Primary is true for rows of the service's primary pid
	Primary bool
}

// Aggregator applies the per-process sampling window and maintains the
// per-service rollups. It belongs to the tick loop.
type Aggregator struct {
	host     string
	interval time.Duration
	now      func() time.Time

	// last sample time per service and pid; the zero time means never sampled
	refs  map[string]map[int]time.Time
	stats map[string]*ServiceStats
}

func NewAggregator(host string, interval time.Duration, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		host:     host,
		interval: interval,
		now:      now,
		refs:     map[string]map[int]time.Time{},
		stats:    map[string]*ServiceStats{},
	}
}

// Add parses a row and, when its pid is due for a sample, merges it into the
// service rollup. Totals are recomputed from the per-pid entries.
func (a *Aggregator) Add(line stream.StatsLine) (Sample, error) {
	if len(line.Fields) < minimumWidth {
		return Sample{}, fmt.Errorf("stats row has %d columns, want at least %d", len(line.Fields), minimumWidth)
	}
	pid, err := strconv.Atoi(line.Fields[columnPID])
	if err != nil {
		return Sample{}, fmt.Errorf("parse pid %q: %w", line.Fields[columnPID], err)
	}
	cpu, err := strconv.ParseFloat(strings.ReplaceAll(line.Fields[columnCPU], ",", "."), 64)
	if err != nil {
		return Sample{}, fmt.Errorf("parse cpu %q: %w", line.Fields[columnCPU], err)
	}
	resKB, err := ParseTopSize(line.Fields[columnRes])
	if err != nil {
		return Sample{}, err
	}

	sample := Sample{Service: line.Service, PID: pid, Primary: pid == line.PrimaryPID}

	refs, ok := a.refs[line.Service]
	if !ok {
		refs = map[int]time.Time{}
		a.refs[line.Service] = refs
	}
	last := refs[pid]
	now := a.now()
	if !last.IsZero() && now.Sub(last) < a.interval {
		return sample, nil
	}
	refs[pid] = now
	sample.Accepted = true

	rollup, ok := a.stats[line.Service]
	if !ok {
		rollup = &ServiceStats{Name: line.Service, Host: a.host, PIDStats: map[int]PIDStats{}}
		a.stats[line.Service] = rollup
	}
	rollup.PIDStats[pid] = PIDStats{PID: pid, CPU: cpu, Memory: resKB / 1024}
	rollup.recompute()
	return sample, nil
}

// Prune drops per-pid entries that are neither the primary pid nor one of
// children and recomputes the totals. It returns the dropped pids.
func (a *Aggregator) Prune(service string, primary int, children []int) []int {
	rollup, ok := a.stats[service]
	if !ok {
		return nil
	}
	var dropped []int
	for pid := range rollup.PIDStats {
		if pid != primary && !slices.Contains(children, pid) {
			delete(rollup.PIDStats, pid)
			dropped = append(dropped, pid)
		}
	}
	slices.Sort(dropped)
	if len(dropped) > 0 {
		rollup.recompute()
	}
	return dropped
}

// Stats returns a copy of the service rollup.
func (a *Aggregator) Stats(service string) (ServiceStats, bool) {
	rollup, ok := a.stats[service]
	if !ok {
		return ServiceStats{}, false
	}
	return rollup.clone(), true
}

// Forget drops all sampling state of a service.
func (a *Aggregator) Forget(service string) {
	delete(a.refs, service)
	delete(a.stats, service)
}

func (s *ServiceStats) recompute() {
	s.CPU, s.Memory = 0, 0
	s.Processes = len(s.PIDStats)
	for _, p := range s.PIDStats {
		s.CPU += p.CPU
		s.Memory += p.Memory
	}
}

// ParseTopSize parses a top memory column ("65232", "512m", "8.5g") into
// kilobytes. Bare numbers are kilobytes.
func ParseTopSize(s string) (float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("parse memory size: empty value")
	}
	multiplier := 1.0
	switch s[len(s)-1] {
	case 'k':
		s = s[:len(s)-1]
	case 'm':
		multiplier = 1024
		s = s[:len(s)-1]
	case 'g':
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case 't':
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory size %q: %w", s, err)
	}
	return n * multiplier, nil
}
