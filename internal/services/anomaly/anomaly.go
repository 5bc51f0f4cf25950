// Package anomaly flags requests whose cost is a statistical outlier
// against the recent spend pattern.
package anomaly

import (
	"math"
	"sync"

	"go.uber.org/zap"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	defaultWindowSize = 100
	defaultZThreshold = 4.0
	defaultWarmup     = 20
)

// Config tunes the detector. Zero fields take their defaults.
type Config struct {
	WindowSize int     // samples kept, 0 means 100
	ZThreshold float64 // minimum z-score to flag, 0 means 4.0
	Warmup     int     // samples required before flagging, 0 means 20
	Logger     *zap.Logger
}

func (c Config) normalized() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = defaultZThreshold
	}
	if c.Warmup <= 0 {
		c.Warmup = defaultWarmup
	}
	return c
}

// Anomaly describes one flagged cost sample.
type Anomaly struct {
	Cost     float64
	Mean     float64
	StdDev   float64
	Z        float64
	Severity string
}

// Detector keeps a sliding window of per-request costs. Safe for
// concurrent use.
type Detector struct {
	mu     sync.Mutex
	window []float64
	size   int
	z      float64
	warmup int
	logger *zap.Logger
}

func New(cfg Config) *Detector {
	cfg = cfg.normalized()
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		window: make([]float64, 0, cfg.WindowSize),
		size:   cfg.WindowSize,
		z:      cfg.ZThreshold,
		warmup: cfg.Warmup,
		logger: logger,
	}
}

// Observe records one request cost and reports whether it is an
// outlier. Mean and deviation are computed over the window as it was
// before the sample lands, so a spike cannot mask itself.
func (d *Detector) Observe(cost float64) (Anomaly, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var a Anomaly
	detected := false
	if len(d.window) >= d.warmup {
		mean, std := stats(d.window)
		if std > 0 {
			if z := (cost - mean) / std; z >= d.z {
				sev := SeverityWarning
				if z >= 2*d.z {
					sev = SeverityCritical
				}
				a = Anomaly{Cost: cost, Mean: mean, StdDev: std, Z: z, Severity: sev}
				detected = true
				d.logger.Debug("cost anomaly",
					zap.Float64("cost_usd", cost),
					zap.Float64("z", z),
					zap.String("severity", sev),
				)
			}
		}
	}

	if len(d.window) >= d.size {
		d.window = d.window[1:]
	}
	d.window = append(d.window, cost)

	return a, detected
}

// Reconfigure applies new limits without dropping collected samples;
// shrinking the window keeps the most recent ones.
func (d *Detector) Reconfigure(cfg Config) {
	cfg = cfg.normalized()
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.window) > cfg.WindowSize {
		kept := make([]float64, cfg.WindowSize)
		copy(kept, d.window[len(d.window)-cfg.WindowSize:])
		d.window = kept
	}
	d.size = cfg.WindowSize
	d.z = cfg.ZThreshold
	d.warmup = cfg.Warmup
}

// Snapshot reports the current window size and stats.
func (d *Detector) Snapshot() (count int, mean, stdDev float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mean, stdDev = stats(d.window)
	return len(d.window), mean, stdDev
}

// stats returns the mean and population standard deviation.
func stats(samples []float64) (mean, std float64) {
	n := float64(len(samples))
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	mean = sum / n

	varSum := 0.0
	for _, v := range samples {
		dev := v - mean
		varSum += dev * dev
	}
	return mean, math.Sqrt(varSum / n)
}
