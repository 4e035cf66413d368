package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventFunc is a callback for publishing retention events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Report holds the results of a single prune cycle.
type Report struct {
	CycleNumber int       `json:"cycle_number"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`
	Pruned      int       `json:"pruned"`
	Remaining   int       `json:"remaining"`
	Error       string    `json:"error,omitempty"`
}

// RetentionConfig holds retention worker configuration.
type RetentionConfig struct {
	Retention time.Duration // keep entries this long (default 30 days)
	Interval  time.Duration // how often to prune (default 1h)
}

// DefaultRetentionConfig returns the defaults used when fields are zero.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Retention: 30 * 24 * time.Hour,
		Interval:  time.Hour,
	}
}

// RetentionWorker periodically prunes old journal entries.
type RetentionWorker struct {
	journal   *Journal
	onEvent   EventFunc
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewRetentionWorker creates a retention worker for j.
func NewRetentionWorker(j *Journal, onEvent EventFunc, cfg RetentionConfig) *RetentionWorker {
	def := DefaultRetentionConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &RetentionWorker{
		journal:   j,
		onEvent:   onEvent,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		now:       time.Now,
	}
}

// Run starts the prune loop. Blocks until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) {
	slog.Info("journal retention worker started",
		"retention", w.retention,
		"interval", w.interval,
	)

	w.PruneOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("journal retention worker stopping")
			return
		case <-ticker.C:
			w.PruneOnce(ctx)
		}
	}
}

// PruneOnce runs a single prune cycle and returns its report.
func (w *RetentionWorker) PruneOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := w.now()
	report := &Report{CycleNumber: cycle, StartedAt: start}

	pruned, err := w.journal.Prune(ctx, start.Add(-w.retention))
	if err != nil {
		report.Error = err.Error()
		slog.Warn("journal prune failed", "error", err)
	}
	report.Pruned = pruned
	report.Remaining = w.journal.Count()
	report.Duration = w.now().Sub(start).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()

	if report.Pruned > 0 {
		summary := fmt.Sprintf("journal prune %d: removed %d entries older than %s, %d remain",
			cycle, report.Pruned, w.retention, report.Remaining)
		slog.Info("journal pruned", "summary", summary)
		w.emit("status", summary)
	}
	return report
}

// LastReport returns the most recent prune report.
func (w *RetentionWorker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *RetentionWorker) emit(typ, message string) {
	if w.onEvent != nil {
		w.onEvent(typ, message)
	}
}
