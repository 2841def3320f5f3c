package metrics

import (
	"log/slog"
	"time"
)

// Step captures the measurements of one training step.
type Step struct {
	Step     int
	Epoch    int
	Loss     float64
	Accuracy float64
	Tokens   int
	Duration time.Duration
}

// Window accumulates step stats between snapshots.
type Window struct {
	steps        int
	tokens       int
	elapsed      time.Duration
	lastLoss     float64
	lastAccuracy float64
}

// Record adds one step to the window.
func (w *Window) Record(s Step) {
	w.steps++
	w.tokens += s.Tokens
	w.elapsed += s.Duration
	w.lastLoss = s.Loss
	w.lastAccuracy = s.Accuracy
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{
		Steps:        w.steps,
		LastLoss:     w.lastLoss,
		LastAccuracy: w.lastAccuracy,
	}
	if w.elapsed > 0 {
		snap.TokensPerSec = float64(w.tokens) / w.elapsed.Seconds()
	}
	if w.steps > 0 {
		snap.AvgStepMS = (w.elapsed.Seconds() * 1000) / float64(w.steps)
	}
	*w = Window{}
	return snap
}

// Snapshot represents loggable aggregates.
type Snapshot struct {
	Steps        int
	TokensPerSec float64
	AvgStepMS    float64
	LastLoss     float64
	LastAccuracy float64
}

// Reporter logs step metrics off the training goroutine through a bounded
// queue, so reporting cannot stall the numeric pipeline on I/O.
type Reporter struct {
	ch     chan Step
	done   chan struct{}
	logger *slog.Logger
}

// NewReporter starts the drain goroutine; depth bounds the queue.
func NewReporter(logger *slog.Logger, depth int) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if depth <= 0 {
		depth = 64
	}
	r := &Reporter{
		ch:     make(chan Step, depth),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.drain()
	return r
}

func (r *Reporter) drain() {
	defer close(r.done)
	var window Window
	for s := range r.ch {
		window.Record(s)
		r.logger.Info("step",
			"step", s.Step,
			"epoch", s.Epoch,
			"loss", s.Loss,
			"accuracy", s.Accuracy,
		)
	}
	if snap := window.Snapshot(); snap.Steps > 0 {
		r.logger.Info("run summary",
			"steps", snap.Steps,
			"tokens_per_sec", snap.TokensPerSec,
			"avg_step_ms", snap.AvgStepMS,
			"final_loss", snap.LastLoss,
			"final_accuracy", snap.LastAccuracy,
		)
	}
}

// Report enqueues one step record.
func (r *Reporter) Report(s Step) {
	r.ch <- s
}

// Close drains outstanding records and stops the reporter.
func (r *Reporter) Close() {
	close(r.ch)
	<-r.done
}
