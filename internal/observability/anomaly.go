package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/vfsbox/internal/config"
)

const defaultAnomalyWindow = 300 * time.Second

// minAnomalySamples is the number of outcomes needed before a rate is judged.
const minAnomalySamples = 5

// AnomalyDetector flags operations whose failure rate inside a sliding window
// exceeds a threshold. Operations are free-form labels such as
// "sandbox.execute" or "command".
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	threshold float64
	window    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		window:    defaultAnomalyWindow,
		now:       time.Now,
		logger:    logger,
	}
	if cfg != nil {
		a.threshold = cfg.ErrorRateThreshold
		if cfg.WindowSeconds > 0 {
			a.window = time.Duration(cfg.WindowSeconds) * time.Second
		}
	}
	return a
}

// RecordError records a failed operation and reports whether the failure
// rate is now above the threshold.
func (a *AnomalyDetector) RecordError(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.failures, operation).add(a.now())
	return a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.successes, operation).add(a.now())
}

// ErrorRate returns the failure rate of operation inside the window and the
// number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(operation)
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, int) {
	now := a.now()
	failures := a.windowFor(a.failures, operation).count(now)
	total := failures + a.windowFor(a.successes, operation).count(now)
	if total == 0 {
		return 0, 0
	}
	return float64(failures) / float64(total), total
}

// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) bool {
	if a.threshold <= 0 {
		return false
	}
	rate, total := a.rate(operation)
	if total < minAnomalySamples {
		return false
	}
	if rate <= a.threshold {
		return false
	}
	a.logger.Warn("anomaly detected: high failure rate",
		slog.String("operation", operation),
		slog.Float64("error_rate", rate),
		slog.Float64("threshold", a.threshold),
		slog.Int("total", total),
	)
	return true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
