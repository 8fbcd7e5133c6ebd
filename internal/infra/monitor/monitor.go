// Package monitor observes a training run's loss curve.
//
// The training loop pushes one metric sample per logging step. The monitor
// tracks the best loss seen, summarizes the run and flags three loss-curve
// problems over the most recent window of samples:
//
//	LOSS_EXPLOSION    a recent loss more than double the first recorded loss
//	LOSS_PLATEAU      recent losses within 0.001 of each other
//	LOSS_OSCILLATION  loss rose on at least 3 of the last 4 steps
//
// A Monitor belongs to exactly one run and is not safe for concurrent use.
package monitor

import (
	"math"
	"time"

	"github.com/tutu-network/tunekit/internal/domain"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// WindowSize is how many recent samples issue detection looks at.
	WindowSize = 5

	// ExplosionFactor multiplies the first recorded loss to get the explosion bar.
	ExplosionFactor = 2.0

	// PlateauRange is the max-min spread below which the window is flat.
	PlateauRange = 0.001

	// OscillationRises is how many positive deltas in the window flag oscillation.
	OscillationRises = 3
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures issue detection.
type Config struct {
	Window           int     // Samples examined (default: 5)
	ExplosionFactor  float64 // Loss multiple over the first sample (default: 2.0)
	PlateauRange     float64 // Max spread of a flat window (default: 0.001)
	OscillationRises int     // Rising steps that flag oscillation (default: 3)
}

// DefaultConfig returns the standard detection thresholds.
func DefaultConfig() Config {
	return Config{
		Window:           WindowSize,
		ExplosionFactor:  ExplosionFactor,
		PlateauRange:     PlateauRange,
		OscillationRises: OscillationRises,
	}
}

// ─── Monitor ────────────────────────────────────────────────────────────────

// Monitor records metric samples for one run.
type Monitor struct {
	config Config

	active    bool
	startedAt time.Time
	stoppedAt time.Time
	bestLoss  float64
	history   []domain.MetricSample

	// Injectable clock for testing.
	now func() time.Time
}

// New creates an idle monitor.
func New(cfg Config) *Monitor {
	if cfg.Window < 2 {
		cfg.Window = WindowSize
	}
	return &Monitor{
		config:   cfg,
		bestLoss: math.Inf(1),
		now:      time.Now,
	}
}

// Start begins a run: history is cleared and the clock restarts.
func (m *Monitor) Start() {
	m.active = true
	m.startedAt = m.now()
	m.stoppedAt = time.Time{}
	m.bestLoss = math.Inf(1)
	m.history = nil
}

// Stop ends the run. History stays readable until the next Start.
func (m *Monitor) Stop() {
	if !m.active {
		return
	}
	m.active = false
	m.stoppedAt = m.now()
}

// Active reports whether a run is being monitored.
func (m *Monitor) Active() bool { return m.active }

// LogMetrics records one sample and returns it.
func (m *Monitor) LogMetrics(epoch, step int, loss, learningRate float64) (domain.MetricSample, error) {
	if !m.active {
		return domain.MetricSample{}, domain.ErrMonitorIdle
	}

	now := m.now()
	sample := domain.MetricSample{
		Epoch:          epoch,
		Step:           step,
		Loss:           loss,
		LearningRate:   learningRate,
		ElapsedSeconds: now.Sub(m.startedAt).Seconds(),
		Timestamp:      float64(now.UnixNano()) / 1e9,
	}
	if loss < m.bestLoss {
		m.bestLoss = loss
		sample.IsBest = true
	}
	m.history = append(m.history, sample)
	return sample, nil
}

// BestLoss returns the lowest loss recorded, or +Inf before any sample.
func (m *Monitor) BestLoss() float64 { return m.bestLoss }

// History returns a copy of the recorded samples.
func (m *Monitor) History() []domain.MetricSample {
	out := make([]domain.MetricSample, len(m.history))
	copy(out, m.history)
	return out
}

// ─── Summary ────────────────────────────────────────────────────────────────

// Summary aggregates the history. ok is false when nothing was recorded.
func (m *Monitor) Summary() (summary domain.TrainingSummary, ok bool) {
	n := len(m.history)
	if n == 0 {
		return domain.TrainingSummary{}, false
	}

	end := m.now()
	if !m.active && !m.stoppedAt.IsZero() {
		end = m.stoppedAt
	}
	total := end.Sub(m.startedAt).Seconds()
	first, last := m.history[0].Loss, m.history[n-1].Loss

	summary = domain.TrainingSummary{
		TotalSeconds:   total,
		TotalMinutes:   total / 60,
		TotalSteps:     n,
		BestLoss:       m.bestLoss,
		FinalLoss:      last,
		AvgStepSeconds: total / float64(n),
	}
	if first != 0 {
		summary.LossImprovement = (first - last) / first * 100
	}
	return summary, true
}

// ─── Issue Detection ────────────────────────────────────────────────────────

// DetectIssues examines the latest window of samples. Several issues may
// be returned together, always in explosion, plateau, oscillation order.
func (m *Monitor) DetectIssues() []domain.TrainingIssue {
	w := m.config.Window
	if len(m.history) < w {
		return nil
	}

	recent := make([]float64, w)
	for i, s := range m.history[len(m.history)-w:] {
		recent[i] = s.Loss
	}
	firstLoss := m.history[0].Loss

	var issues []domain.TrainingIssue

	// Check 1: Explosion relative to where training started
	bar := firstLoss * m.config.ExplosionFactor
	for _, loss := range recent {
		if loss > bar {
			issues = append(issues, domain.TrainingIssue{
				Kind:        domain.IssueLossExplosion,
				Severity:    domain.SevCritical,
				Description: "Loss explosion detected",
				Suggestion:  "consider reducing learning rate",
			})
			break
		}
	}

	// Check 2: Plateau
	lo, hi := recent[0], recent[0]
	for _, loss := range recent[1:] {
		lo = math.Min(lo, loss)
		hi = math.Max(hi, loss)
	}
	if hi-lo < m.config.PlateauRange {
		issues = append(issues, domain.TrainingIssue{
			Kind:        domain.IssueLossPlateau,
			Severity:    domain.SevWarning,
			Description: "Loss plateauing",
			Suggestion:  "consider adjusting learning rate or early stopping",
		})
	}

	// Check 3: Oscillation
	rises := 0
	for i := 1; i < len(recent); i++ {
		if recent[i]-recent[i-1] > 0 {
			rises++
		}
	}
	if rises >= m.config.OscillationRises {
		issues = append(issues, domain.TrainingIssue{
			Kind:        domain.IssueLossOscillation,
			Severity:    domain.SevWarning,
			Description: "Loss oscillation detected",
			Suggestion:  "learning rate might be too high",
		})
	}

	return issues
}
