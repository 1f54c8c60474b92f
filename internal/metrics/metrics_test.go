package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, Register(reg))

	// A second registration of the same collectors is refused.
	assert.Error(t, Register(reg))
}

func TestWatchMap(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	size := 3
	require.NoError(t, WatchMap(reg, "tracking", func() int { return size }))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "packet_tracer_map_entries", families[0].GetName())
	assert.Equal(t, 3.0, families[0].GetMetric()[0].GetGauge().GetValue())

	size = 5
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 5.0, families[0].GetMetric()[0].GetGauge().GetValue())
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(EventsDropped.WithLabelValues(DropExhausted))
	EventsDropped.WithLabelValues(DropExhausted).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(EventsDropped.WithLabelValues(DropExhausted)))
}
