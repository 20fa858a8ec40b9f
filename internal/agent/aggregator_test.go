package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatorSamplingWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	agg := NewAggregator(testHost, 30*time.Second, clock.Now)

	sample, err := agg.Add(statsRow(fooService, 100, 100, "2048", "10.0"))
	require.NoError(t, err)
	assert.True(t, sample.Accepted)
	assert.True(t, sample.Primary)

	clock.Advance(29 * time.Second)
	sample, err = agg.Add(statsRow(fooService, 100, 100, "4096", "50.0"))
	require.NoError(t, err)
	assert.False(t, sample.Accepted)

	stats, ok := agg.Stats(fooService)
	require.True(t, ok)
	assert.InDelta(t, 10.0, stats.CPU, 1e-9)
	assert.InDelta(t, 2.0, stats.Memory, 1e-9)

	// another pid of the same service has its own window
	sample, err = agg.Add(statsRow(fooService, 100, 101, "1024", "1.0"))
	require.NoError(t, err)
	assert.True(t, sample.Accepted)
	assert.False(t, sample.Primary)

	clock.Advance(time.Second)
	sample, err = agg.Add(statsRow(fooService, 100, 100, "4096", "50.0"))
	require.NoError(t, err)
	assert.True(t, sample.Accepted)

	stats, _ = agg.Stats(fooService)
	assert.InDelta(t, 51.0, stats.CPU, 1e-9)
	assert.InDelta(t, 5.0, stats.Memory, 1e-9)
	assert.Len(t, stats.PIDStats, 2)
}

func TestAggregatorPrune(t *testing.T) {
	agg := NewAggregator(testHost, time.Second, nil)
	for _, pid := range []int{100, 101, 102, 103} {
		_, err := agg.Add(statsRow(fooService, 100, pid, "1024", "1.0"))
		require.NoError(t, err)
	}

	assert.Equal(t, []int{102, 103}, agg.Prune(fooService, 100, []int{101}))
	stats, _ := agg.Stats(fooService)
	assert.InDelta(t, 2.0, stats.CPU, 1e-9)
	assert.InDelta(t, 2.0, stats.Memory, 1e-9)
	assert.Equal(t, 2, stats.Processes)

	assert.Nil(t, agg.Prune("ghost.service", 1, nil))
}

func TestAggregatorForget(t *testing.T) {
	agg := NewAggregator(testHost, time.Hour, nil)
	_, err := agg.Add(statsRow(fooService, 100, 100, "1024", "1.0"))
	require.NoError(t, err)

	agg.Forget(fooService)
	_, ok := agg.Stats(fooService)
	assert.False(t, ok)

	// a forgotten pid is sampled again right away
	sample, err := agg.Add(statsRow(fooService, 100, 100, "1024", "1.0"))
	require.NoError(t, err)
	assert.True(t, sample.Accepted)
}

func TestAggregatorStatsIsACopy(t *testing.T) {
	agg := NewAggregator(testHost, time.Hour, nil)
	_, err := agg.Add(statsRow(fooService, 100, 100, "1024", "1.0"))
	require.NoError(t, err)

	stats, _ := agg.Stats(fooService)
	delete(stats.PIDStats, 100)

	again, _ := agg.Stats(fooService)
	assert.Len(t, again.PIDStats, 1)
	assert.Equal(t, testHost, again.Host)
}

func TestAggregatorRejectsMalformedRows(t *testing.T) {
	agg := NewAggregator(testHost, time.Hour, nil)

	row := statsRow(fooService, 100, 100, "1024", "1.0")
	row.Fields[8] = "n/a"
	_, err := agg.Add(row)
	require.Error(t, err)

	row = statsRow(fooService, 100, 100, "lots", "1.0")
	_, err = agg.Add(row)
	require.Error(t, err)

	row.Fields = row.Fields[:4]
	_, err = agg.Add(row)
	require.ErrorContains(t, err, "columns")
}

func TestParseTopSize(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"65232", 65232},
		{"512k", 512},
		{"2m", 2048},
		{"1.5g", 1.5 * 1024 * 1024},
		{"1t", 1024 * 1024 * 1024},
		{"3,5m", 3.5 * 1024},
		{"7M", 7 * 1024},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTopSize(tt.in)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}

	for _, bad := range []string{"", "m", "12x"} {
		_, err := ParseTopSize(bad)
		assert.Error(t, err, bad)
	}
}
