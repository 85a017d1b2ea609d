package testsupport

import (
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// family returns the series registered under name in the default registry,
// or nil when nothing has been observed yet.
func family(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err, "gather metrics")

	i, found := slices.BinarySearchFunc(mfs, name, func(mf *dto.MetricFamily, n string) int {
		switch {
		case mf.GetName() < n:
			return -1
		case mf.GetName() > n:
			return 1
		}
		return 0
	})
	if !found {
		return nil
	}
	return mfs[i]
}

// MetricValue reads the first series of name whose labels include every pair
// in labels. Counters and gauges report their value and histograms their
// sample count. A series that was never touched reads as zero.
func MetricValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	mf := family(t, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		if !hasLabels(m, labels) {
			continue
		}
		switch {
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue()
		case m.GetHistogram() != nil:
			return float64(m.GetHistogram().GetSampleCount())
		}
	}
	return 0
}

// LabelValues lists the distinct values label takes across every series of
// name, sorted.
func LabelValues(t *testing.T, name, label string) []string {
	t.Helper()

	mf := family(t, name)
	if mf == nil {
		return nil
	}
	var out []string
	for _, m := range mf.GetMetric() {
		for _, pair := range m.GetLabel() {
			if pair.GetName() == label && !slices.Contains(out, pair.GetValue()) {
				out = append(out, pair.GetValue())
			}
		}
	}
	slices.Sort(out)
	return out
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	for k, v := range want {
		idx := slices.IndexFunc(m.GetLabel(), func(p *dto.LabelPair) bool { return p.GetName() == k })
		if idx < 0 || m.GetLabel()[idx].GetValue() != v {
			return false
		}
	}
	return true
}

// AssertMetricDelta runs fn and asserts the series moved by exactly delta.
// Series shared with parallel tests make this racy; keep such callers serial.
func AssertMetricDelta(t *testing.T, name string, labels map[string]string, delta float64, fn func()) {
	t.Helper()

	before := MetricValue(t, name, labels)
	fn()
	assert.Equal(t, delta, MetricValue(t, name, labels)-before, "metric %s%v delta", name, labels)
}

// AssertHistogramRecorded asserts the histogram series holds at least one
// sample.
func AssertHistogramRecorded(t *testing.T, name string, labels map[string]string) {
	t.Helper()

	assert.Positive(t, MetricValue(t, name, labels), "histogram %s%v has no samples", name, labels)
}

// AssertLabelValues asserts that label has been recorded with every value in
// want. Other values may be present; label sets only grow, so the check is
// safe next to parallel tests.
func AssertLabelValues(t *testing.T, name, label string, want ...string) {
	t.Helper()

	got := LabelValues(t, name, label)
	assert.Subset(t, got, want, "metric %s label %q", name, label)
}
