package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantity(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"8Gi", 8 << 30},
		{"512Mi", 512 << 20},
		{"4Ki", 4 << 10},
		{"50ms", 50},
		{"1.5s", 1500},
		{"70%", 70},
		{"0.45", 0.45},
		{"100", 100},
	}
	for _, tc := range cases {
		got, err := ParseQuantity(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseQuantity_Invalid(t *testing.T) {
	for _, in := range []string{"", "Gi", "abc", "12GB"} {
		_, err := ParseQuantity(in)
		assert.Error(t, err, in)
	}
}

func TestParseCondition(t *testing.T) {
	c, err := ParseCondition("gpu_memory_available >= 8Gi")
	require.NoError(t, err)
	assert.Equal(t, "gpu_memory_available", c.Metric)
	assert.Equal(t, ">=", c.Comparator)
	assert.Equal(t, float64(8<<30), c.Threshold)
}

func TestParseCondition_Invalid(t *testing.T) {
	cases := []string{
		"cpu_utilization <",            // missing threshold
		"flux_capacitance < 70%",       // unknown metric
		"cpu_utilization ~ 70%",        // unknown comparator
		"cpu_utilization < seventy",    // bad quantity
	}
	for _, raw := range cases {
		_, err := ParseCondition(raw)
		assert.Error(t, err, raw)
	}
}

func TestCondition_Holds(t *testing.T) {
	view := TargetView{
		Utilization:   Utilization{CPUPercent: 80, GPUPercent: 25, GPUMemoryFreeBytes: gib(12)},
		LatencyMillis: 42,
		CostPerHour:   0.45,
	}

	holds := func(raw string) bool {
		c, err := ParseCondition(raw)
		require.NoError(t, err)
		return c.Holds(view)
	}

	assert.False(t, holds("cpu_utilization < 70%"))
	assert.True(t, holds("cpu_utilization >= 70%"))
	assert.True(t, holds("gpu_utilization < 30%"))
	assert.True(t, holds("gpu_memory_available >= 8Gi"))
	assert.False(t, holds("gpu_memory_available >= 16Gi"))
	assert.True(t, holds("latency < 50ms"))
	assert.True(t, holds("cost_per_hour <= 0.45"))
}

func TestCondition_CostPerRequest(t *testing.T) {
	// 3.6/h at 1s smoothed latency = 0.001 per request.
	view := TargetView{CostPerHour: 3.6, LatencyMillis: 1000}
	assert.InDelta(t, 0.001, view.CostPerRequest(), 1e-9)

	c, err := ParseCondition("cost_per_request > 0.0005")
	require.NoError(t, err)
	assert.True(t, c.Holds(view))
}
