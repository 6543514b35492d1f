package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
)

// AnomalyDetector performs threshold-based anomaly detection using
// sliding windows. It watches two signals: per-session guardrail block
// rates (a session repeatedly tripping the policy looks like probing)
// and sandbox infrastructure failure rates.
type AnomalyDetector struct {
	mu       sync.Mutex
	blocked  map[string]*slidingWindow // per session
	allowed  map[string]*slidingWindow // per session
	failures map[string]*slidingWindow // per strategy
	runs     map[string]*slidingWindow // per strategy
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config. A nil
// config selects the default window and thresholds.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		blocked:  make(map[string]*slidingWindow),
		allowed:  make(map[string]*slidingWindow),
		failures: make(map[string]*slidingWindow),
		runs:     make(map[string]*slidingWindow),
		cfg:      cfg,
		logger:   logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordBlocked records a guardrail block for the session.
func (a *AnomalyDetector) RecordBlocked(sessionID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.blocked, sessionID).add(1)
	a.checkBlockRate(sessionID)
}

// RecordAllowed records a request that passed the guardrails.
func (a *AnomalyDetector) RecordAllowed(sessionID string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.allowed, sessionID).add(1)
}

// RecordSandboxRun records a sandbox execution and whether it failed
// for infrastructure reasons (as opposed to the code misbehaving).
func (a *AnomalyDetector) RecordSandboxRun(strategy string, infraFailure bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.runs, strategy).add(1)
	if infraFailure {
		a.getOrCreateWindow(a.failures, strategy).add(1)
		a.checkFailureRate(strategy)
	}
}

// checkBlockRate alerts when a session's block rate exceeds the
// configured threshold. Must be called with a.mu held.
func (a *AnomalyDetector) checkBlockRate(sessionID string) {
	threshold := a.cfg.BlockRateThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	blocked := a.getOrCreateWindow(a.blocked, sessionID).sum()
	allowed := a.getOrCreateWindow(a.allowed, sessionID).sum()
	total := blocked + allowed

	if total < 5 {
		return // Not enough data.
	}

	rate := blocked / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: session repeatedly blocked by policy",
			slog.String("session_id", sessionID),
			slog.Float64("block_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("blocked", blocked),
			slog.Float64("total", total),
		)
	}
}

// checkFailureRate alerts when a sandbox strategy keeps failing for
// infrastructure reasons. Must be called with a.mu held.
func (a *AnomalyDetector) checkFailureRate(strategy string) {
	threshold := a.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 0.25
	}

	failures := a.getOrCreateWindow(a.failures, strategy).sum()
	runs := a.getOrCreateWindow(a.runs, strategy).sum()

	if runs < 5 {
		return
	}

	rate := failures / runs
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high sandbox failure rate",
			slog.String("strategy", strategy),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("failures", failures),
			slog.Float64("runs", runs),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
