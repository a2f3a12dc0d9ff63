package router

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition is one admission triple: metric, comparator, threshold.
// Parsed from the policy document's string form, e.g.
// "gpu_memory_available >= 8Gi" or "cpu_utilization < 70%".
type Condition struct {
	Metric     string
	Comparator string
	Threshold  float64

	// Raw preserves the document spelling for diagnostics.
	Raw string
}

// metricFunc extracts one live metric from a target view. Units follow
// the quantity conventions: percentages in [0,100], memory in bytes,
// latency in milliseconds, cost in currency.
type metricFunc func(TargetView) float64

// knownMetrics is the catalog of metric names admissible in conditions
// and reactive triggers. Policy validation rejects anything else.
var knownMetrics = map[string]metricFunc{
	"cpu_utilization":      func(v TargetView) float64 { return v.Utilization.CPUPercent },
	"gpu_utilization":      func(v TargetView) float64 { return v.Utilization.GPUPercent },
	"memory_available":     func(v TargetView) float64 { return float64(v.Utilization.MemoryFreeBytes) },
	"gpu_memory_available": func(v TargetView) float64 { return float64(v.Utilization.GPUMemoryFreeBytes) },
	"queue_depth":          func(v TargetView) float64 { return float64(v.Utilization.QueueDepth) },
	"latency":              func(v TargetView) float64 { return v.LatencyMillis },
	"cost_per_hour":        func(v TargetView) float64 { return v.CostPerHour },
	"cost_per_request":     func(v TargetView) float64 { return v.CostPerRequest() },
}

var validComparators = map[string]bool{"<": true, "<=": true, ">": true, ">=": true, "==": true, "!=": true}

// ParseCondition parses the "metric comparator quantity" string form.
func ParseCondition(raw string) (Condition, error) {
	fields := strings.Fields(raw)
	if len(fields) != 3 {
		return Condition{}, fmt.Errorf("condition %q: want \"metric comparator threshold\"", raw)
	}
	metric, cmp, thr := fields[0], fields[1], fields[2]
	if _, ok := knownMetrics[metric]; !ok {
		return Condition{}, fmt.Errorf("condition %q: unknown metric %q", raw, metric)
	}
	if !validComparators[cmp] {
		return Condition{}, fmt.Errorf("condition %q: unknown comparator %q", raw, cmp)
	}
	val, err := ParseQuantity(thr)
	if err != nil {
		return Condition{}, fmt.Errorf("condition %q: %w", raw, err)
	}
	return Condition{Metric: metric, Comparator: cmp, Threshold: val, Raw: raw}, nil
}

// Holds reports whether the condition is currently true for the target.
func (c Condition) Holds(v TargetView) bool {
	actual := knownMetrics[c.Metric](v)
	switch c.Comparator {
	case "<":
		return actual < c.Threshold
	case "<=":
		return actual <= c.Threshold
	case ">":
		return actual > c.Threshold
	case ">=":
		return actual >= c.Threshold
	case "==":
		return actual == c.Threshold
	case "!=":
		return actual != c.Threshold
	default:
		return false
	}
}

// ParseQuantity converts a policy-document quantity to its canonical
// float: Ki/Mi/Gi suffixes to bytes, ms/s to milliseconds, % stripped,
// bare numbers passed through.
func ParseQuantity(s string) (float64, error) {
	suffixes := []struct {
		suffix string
		scale  float64
	}{
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
		{"ms", 1},
		{"s", 1000},
		{"%", 1},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.suffix) {
			num := strings.TrimSuffix(s, sf.suffix)
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("bad quantity %q", s)
			}
			return v * sf.scale, nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad quantity %q", s)
	}
	return v, nil
}
