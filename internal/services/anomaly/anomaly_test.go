package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feedBaseline loads 20 samples alternating 1.0 and 3.0, giving an
// exact mean of 2.0 and population deviation of 1.0.
func feedBaseline(d *Detector) {
	for i := 0; i < 10; i++ {
		d.Observe(1.0)
		d.Observe(3.0)
	}
}

func TestDetectsOutlier(t *testing.T) {
	d := New(Config{})
	feedBaseline(d)

	a, ok := d.Observe(6.0)
	require.True(t, ok)
	assert.InDelta(t, 6.0, a.Cost, 1e-12)
	assert.InDelta(t, 2.0, a.Mean, 1e-12)
	assert.InDelta(t, 1.0, a.StdDev, 1e-12)
	assert.InDelta(t, 4.0, a.Z, 1e-12, "threshold is inclusive")
	assert.Equal(t, SeverityWarning, a.Severity)
}

func TestCriticalSeverity(t *testing.T) {
	d := New(Config{})
	feedBaseline(d)

	a, ok := d.Observe(10.0)
	require.True(t, ok)
	assert.InDelta(t, 8.0, a.Z, 1e-12)
	assert.Equal(t, SeverityCritical, a.Severity)
}

func TestBelowThreshold(t *testing.T) {
	d := New(Config{})
	feedBaseline(d)

	_, ok := d.Observe(5.9)
	assert.False(t, ok)
}

func TestWarmup(t *testing.T) {
	d := New(Config{})
	for i := 0; i < 9; i++ {
		d.Observe(1.0)
		d.Observe(3.0)
	}
	d.Observe(1.0) // 19 samples

	_, ok := d.Observe(1000.0)
	assert.False(t, ok, "19 samples are below the 20-sample warmup")

	count, _, _ := d.Snapshot()
	assert.Equal(t, 20, count, "the probe still lands in the window")
}

func TestZeroDeviationNeverFlags(t *testing.T) {
	d := New(Config{})
	for i := 0; i < 20; i++ {
		d.Observe(2.5)
	}

	_, ok := d.Observe(1000.0)
	assert.False(t, ok)
}

func TestSpikeAbsorbsIntoBaseline(t *testing.T) {
	d := New(Config{})
	feedBaseline(d)

	_, ok := d.Observe(6.0)
	require.True(t, ok)

	// The spike is in the window now, widening the deviation.
	_, ok = d.Observe(6.0)
	assert.False(t, ok)
}

func TestWindowSlides(t *testing.T) {
	d := New(Config{WindowSize: 5, Warmup: 3})
	for _, v := range []float64{1, 1, 1, 3, 3} {
		d.Observe(v)
	}

	a, ok := d.Observe(30.0)
	require.True(t, ok)
	assert.InDelta(t, 1.8, a.Mean, 1e-12)
	assert.Equal(t, SeverityCritical, a.Severity)

	count, mean, _ := d.Snapshot()
	assert.Equal(t, 5, count, "oldest sample evicted")
	assert.InDelta(t, 7.6, mean, 1e-12, "window is now 1,1,3,3,30")

	_, ok = d.Observe(30.0)
	assert.False(t, ok, "the spike widened the deviation")
}

func TestReconfigureKeepsSamples(t *testing.T) {
	d := New(Config{WindowSize: 5, Warmup: 3})
	for _, v := range []float64{1, 1, 3, 3} {
		d.Observe(v)
	}

	d.Reconfigure(Config{WindowSize: 3, ZThreshold: 4, Warmup: 3})

	count, mean, _ := d.Snapshot()
	require.Equal(t, 3, count, "newest three samples survive the shrink")
	assert.InDelta(t, 7.0/3.0, mean, 1e-9, "window is now 1,3,3")

	a, ok := d.Observe(20.0)
	require.True(t, ok)
	assert.Equal(t, SeverityCritical, a.Severity)

	count, mean, _ = d.Snapshot()
	assert.Equal(t, 3, count)
	assert.InDelta(t, 26.0/3.0, mean, 1e-9, "window is now 3,3,20")
}
