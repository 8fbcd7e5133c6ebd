// Package finetune supervises training jobs end to end.
//
// How a job runs:
//  1. Caller submits a dataset path and a raw config
//  2. Coordinator validates the dataset and sizes the config for this host
//  3. The run is estimated and handed to the training engine
//  4. The engine's progress stream feeds a loss monitor and any subscribers
//  5. On a terminal event, stall or cancellation the run is reaped and recorded
//
// A job never ends in partial success: only a completion event with
// success=true completes it.
package finetune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/engine"
	"github.com/tutu-network/tunekit/internal/infra/metrics"
	"github.com/tutu-network/tunekit/internal/infra/monitor"
	"github.com/tutu-network/tunekit/internal/infra/optimizer"
	"github.com/tutu-network/tunekit/internal/infra/progress"
)

// ─── Dependencies ───────────────────────────────────────────────────────────

// ConfigOptimizer sizes raw configs. Implemented by optimizer.Optimizer.
type ConfigOptimizer interface {
	Optimize(raw domain.RawConfig, datasetSize int) (domain.ResolvedConfig, error)
	OptimizeForProduction(raw domain.RawConfig, datasetSize int) (domain.ResolvedConfig, error)
}

// DatasetValidator inspects datasets. Implemented by dataset.Validator.
type DatasetValidator interface {
	Validate(path string) domain.DatasetQualityReport
}

// ─── Configuration ──────────────────────────────────────────────────────────

// CoordinatorConfig configures the job coordinator.
type CoordinatorConfig struct {
	MaxConcurrentJobs     int           // Max simultaneous running jobs
	StallTimeout          time.Duration // Max silence from an engine before it is killed
	OutputRoot            string        // Model output directory; each job gets <root>/<id>
	RejectInvalidDatasets bool          // Fail jobs whose dataset report is invalid
	SubscriberBuffer      int           // Events buffered per subscriber before it is dropped
}

// DefaultCoordinatorConfig returns production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxConcurrentJobs:     2,
		StallTimeout:          progress.DefaultStallTimeout,
		OutputRoot:            "models",
		RejectInvalidDatasets: true,
		SubscriberBuffer:      64,
	}
}

// JobRequest is a caller's request to train.
type JobRequest struct {
	DatasetPath string           `json:"dataset_path"`
	DatasetSize int              `json:"dataset_size,omitempty"` // 0 uses the validated sample count
	Config      domain.RawConfig `json:"config,omitempty"`
	Production  bool             `json:"production,omitempty"`
}

// CoordinatorStats summarizes the jobs the coordinator knows about.
type CoordinatorStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// ─── Coordinator ────────────────────────────────────────────────────────────

// jobRun is the coordinator's bookkeeping for one job.
type jobRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	events  []domain.ProgressEvent
	samples []domain.MetricSample
	subs    map[int]chan domain.ProgressEvent
	nextSub int
}

// Coordinator runs and tracks training jobs. Safe for concurrent use.
type Coordinator struct {
	mu     sync.RWMutex
	config CoordinatorConfig
	jobs   map[string]*domain.Job
	runs   map[string]*jobRun

	engine    domain.TrainingEngine
	optimizer ConfigOptimizer
	validator DatasetValidator
	store     domain.JobStore
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. store may be nil for an in-memory
// coordinator.
func NewCoordinator(cfg CoordinatorConfig, eng domain.TrainingEngine, opt ConfigOptimizer,
	val DatasetValidator, store domain.JobStore, logger *slog.Logger) *Coordinator {
	defaults := DefaultCoordinatorConfig()
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = defaults.OutputRoot
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaults.SubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		config:    cfg,
		jobs:      make(map[string]*domain.Job),
		runs:      make(map[string]*jobRun),
		engine:    eng,
		optimizer: opt,
		validator: val,
		store:     store,
		logger:    logger.With("component", "coordinator"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// EngineName reports which engine runs the jobs.
func (c *Coordinator) EngineName() string { return c.engine.Name() }

// Submit registers a job and starts it in the background.
func (c *Coordinator) Submit(req JobRequest) (*domain.Job, error) {
	if strings.TrimSpace(req.DatasetPath) == "" {
		return nil, fmt.Errorf("%w: dataset_path is required", domain.ErrInvalidConfig)
	}
	if req.DatasetSize < 0 {
		return nil, domain.ErrInvalidDatasetSize
	}
	if err := c.ctx.Err(); err != nil {
		return nil, fmt.Errorf("coordinator closed: %w", err)
	}

	c.mu.Lock()
	active := 0
	for _, j := range c.jobs {
		if !j.IsTerminal() {
			active++
		}
	}
	if active >= c.config.MaxConcurrentJobs {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", domain.ErrTooManyJobs, c.config.MaxConcurrentJobs)
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		Status:      domain.JobPending,
		Engine:      c.engine.Name(),
		DatasetPath: req.DatasetPath,
		DatasetSize: req.DatasetSize,
		RawConfig:   req.Config.Clone(),
		CreatedAt:   c.now(),
	}
	ctx, cancel := context.WithCancel(c.ctx)
	run := &jobRun{
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[int]chan domain.ProgressEvent),
	}
	c.jobs[job.ID] = job
	c.runs[job.ID] = run
	snapshot := *job
	c.mu.Unlock()

	c.persist(snapshot)
	metrics.JobsSubmitted.WithLabelValues(snapshot.Engine).Inc()
	metrics.JobsActive.Inc()
	c.logger.Info("job submitted", "job", snapshot.ID, "dataset", snapshot.DatasetPath, "engine", snapshot.Engine)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(ctx, snapshot.ID, req)
	}()
	return &snapshot, nil
}

// Get returns a job by ID, falling back to the store for past jobs.
func (c *Coordinator) Get(id string) (*domain.Job, error) {
	c.mu.RLock()
	job, ok := c.jobs[id]
	if ok {
		cp := copyJob(job)
		c.mu.RUnlock()
		return &cp, nil
	}
	c.mu.RUnlock()

	if c.store != nil {
		stored, err := c.store.GetJob(id)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			return stored, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
}

// List returns up to limit jobs, newest first. Live jobs shadow stored ones.
func (c *Coordinator) List(limit int) ([]domain.Job, error) {
	byID := make(map[string]domain.Job)
	if c.store != nil {
		stored, err := c.store.ListJobs(limit)
		if err != nil {
			return nil, err
		}
		for _, j := range stored {
			byID[j.ID] = j
		}
	}

	c.mu.RLock()
	for id, j := range c.jobs {
		byID[id] = copyJob(j)
	}
	c.mu.RUnlock()

	result := make([]domain.Job, 0, len(byID))
	for _, j := range byID {
		result = append(result, j)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Metrics returns the loss samples recorded for a job.
func (c *Coordinator) Metrics(id string) ([]domain.MetricSample, error) {
	c.mu.RLock()
	run, ok := c.runs[id]
	if ok {
		out := append([]domain.MetricSample(nil), run.samples...)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	if c.store != nil {
		if _, err := c.Get(id); err != nil {
			return nil, err
		}
		return c.store.JobMetrics(id)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
}

// Subscribe returns the events a job has produced so far and a channel of
// the events still to come. The channel closes when the job ends or when
// the subscriber falls too far behind. Call stop to unsubscribe early.
func (c *Coordinator) Subscribe(id string) (past []domain.ProgressEvent, live <-chan domain.ProgressEvent, stop func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[id]
	if !ok {
		if c.store != nil {
			if _, gerr := c.store.GetJob(id); gerr == nil {
				events, eerr := c.store.JobEvents(id)
				if eerr != nil {
					return nil, nil, nil, eerr
				}
				ch := make(chan domain.ProgressEvent)
				close(ch)
				return events, ch, func() {}, nil
			}
		}
		return nil, nil, nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}

	past = append([]domain.ProgressEvent(nil), run.events...)
	ch := make(chan domain.ProgressEvent, c.config.SubscriberBuffer)
	if c.jobs[id].IsTerminal() {
		close(ch)
		return past, ch, func() {}, nil
	}

	subID := run.nextSub
	run.nextSub++
	run.subs[subID] = ch
	stop = func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := run.subs[subID]; ok {
			delete(run.subs, subID)
			close(sub)
		}
	}
	return past, ch, stop, nil
}

// Cancel stops a running job.
func (c *Coordinator) Cancel(id string) error {
	c.mu.RLock()
	job, ok := c.jobs[id]
	if !ok {
		c.mu.RUnlock()
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if job.IsTerminal() {
		c.mu.RUnlock()
		return fmt.Errorf("%w: %s is %s", domain.ErrJobTerminal, id, job.Status)
	}
	run := c.runs[id]
	c.mu.RUnlock()

	c.logger.Info("cancelling job", "job", id)
	run.cancel()
	return nil
}

// Wait blocks until the job ends or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (*domain.Job, error) {
	c.mu.RLock()
	run, ok := c.runs[id]
	c.mu.RUnlock()
	if !ok {
		return c.Get(id)
	}
	select {
	case <-run.done:
		return c.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ActiveJobCount returns the number of jobs still running.
func (c *Coordinator) ActiveJobCount() int {
	return c.Stats().Active
}

// Stats returns counts of the jobs this coordinator has run.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CoordinatorStats{Total: len(c.jobs)}
	for _, j := range c.jobs {
		switch j.Status {
		case domain.JobCompleted:
			stats.Completed++
		case domain.JobFailed:
			stats.Failed++
		case domain.JobCancelled:
			stats.Cancelled++
		default:
			stats.Active++
		}
	}
	return stats
}

// Close cancels every running job and waits for them to be reaped.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// ─── Execution ──────────────────────────────────────────────────────────────

// execute runs one job: validate → optimize → estimate → train.
func (c *Coordinator) execute(ctx context.Context, id string, req JobRequest) {
	log := c.logger.With("job", id)
	defer c.release(id)

	// Validate
	c.update(id, func(j *domain.Job) {
		j.Status = domain.JobValidating
		j.Message = "Validating dataset..."
	})
	report := c.validator.Validate(req.DatasetPath)
	c.update(id, func(j *domain.Job) { j.Report = &report })
	if !report.Valid && c.config.RejectInvalidDatasets {
		reason := "dataset is invalid"
		if len(report.Warnings) > 0 {
			reason = report.Warnings[0]
		}
		c.finishWithoutRun(id, domain.JobFailed, fmt.Errorf("%w: %s", domain.ErrDatasetRejected, reason))
		return
	}
	if ctx.Err() != nil {
		c.finishWithoutRun(id, domain.JobCancelled, ctx.Err())
		return
	}

	// Optimize + estimate
	datasetSize := req.DatasetSize
	if datasetSize == 0 {
		datasetSize = report.SampleCount
	}
	c.update(id, func(j *domain.Job) {
		j.Status = domain.JobOptimizing
		j.DatasetSize = datasetSize
		j.Message = "Optimizing configuration..."
	})
	optimize := c.optimizer.Optimize
	if req.Production {
		optimize = c.optimizer.OptimizeForProduction
	}
	resolved, err := optimize(req.Config, datasetSize)
	if err != nil {
		c.finishWithoutRun(id, domain.JobFailed, err)
		return
	}
	estimate := optimizer.Estimate(datasetSize, optimizer.InputFromResolved(resolved))
	metrics.EstimatedTrainingSeconds.Observe(estimate.EstimatedSeconds)
	c.update(id, func(j *domain.Job) {
		j.Config = &resolved
		j.Estimate = &estimate
	})
	if ctx.Err() != nil {
		c.finishWithoutRun(id, domain.JobCancelled, ctx.Err())
		return
	}

	// Train
	outputDir := filepath.Join(c.config.OutputRoot, id)
	run, err := c.engine.Start(ctx, domain.TrainingRequest{
		Action:      engine.TrainAction,
		JobID:       id,
		DatasetPath: req.DatasetPath,
		OutputDir:   outputDir,
		Config:      resolved,
	})
	if err != nil {
		c.finishWithoutRun(id, domain.JobFailed, fmt.Errorf("start engine: %w", err))
		return
	}
	c.update(id, func(j *domain.Job) {
		j.Status = domain.JobTraining
		j.StartedAt = c.now()
		j.Message = "Training started"
	})
	log.Info("training started",
		"engine", c.engine.Name(),
		"batch_size", resolved.BatchSize,
		"accumulation", resolved.GradientAccumulationSteps,
		"estimated_minutes", estimate.EstimatedMinutes)

	mon := monitor.New(monitor.DefaultConfig())
	mon.Start()
	seen := make(map[domain.IssueKind]bool)

	consumer := progress.Consumer{StallTimeout: c.config.StallTimeout, Logger: log}
	res := consumer.Consume(ctx, run.Events(), func(ev domain.ProgressEvent) {
		c.observe(id, ev, mon, seen, log)
	})

	if res.Outcome == progress.OutcomeStalled || res.Outcome == progress.OutcomeCancelled {
		if kerr := run.Kill(); kerr != nil {
			log.Warn("kill engine failed", "error", kerr)
		}
	}
	waitErr := run.Wait()
	mon.Stop()

	c.finishRun(id, res, waitErr, run.Diagnostics(), mon, log)
}

// observe handles one accepted or synthesized stream event.
func (c *Coordinator) observe(id string, ev domain.ProgressEvent, mon *monitor.Monitor,
	seen map[domain.IssueKind]bool, log *slog.Logger) {
	metrics.ProgressEvents.WithLabelValues(string(ev.Type)).Inc()
	if ev.Type == domain.EventProtocolError {
		log.Warn("engine protocol error", "error", ev.Error, "raw", ev.Raw)
	}

	var sample *domain.MetricSample
	var fresh []domain.TrainingIssue
	if ev.Type == domain.EventProgress && ev.Loss != nil {
		s, err := mon.LogMetrics(ev.Epoch, ev.Step, *ev.Loss, ev.LearningRate)
		if err == nil {
			sample = &s
			metrics.TrainingLoss.WithLabelValues(id).Set(s.Loss)
			for _, issue := range mon.DetectIssues() {
				if seen[issue.Kind] {
					continue
				}
				seen[issue.Kind] = true
				fresh = append(fresh, issue)
				metrics.TrainingIssues.WithLabelValues(issue.Kind.String()).Inc()
				log.Warn("training issue", "kind", issue.Kind, "severity", issue.Severity, "detail", issue.String())
			}
		}
	}

	c.mu.Lock()
	run := c.runs[id]
	seq := len(run.events)
	run.events = append(run.events, ev)
	if sample != nil {
		run.samples = append(run.samples, *sample)
	}
	job := c.jobs[id]
	if ev.Type != domain.EventProtocolError {
		if ev.Progress > job.Progress {
			job.Progress = ev.Progress
		}
		if ev.Message != "" {
			job.Message = ev.Message
		}
	}
	job.Issues = append(job.Issues, fresh...)
	c.broadcastLocked(run, ev)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.AppendEvent(id, seq, ev); err != nil {
			log.Warn("persist event failed", "error", err)
		}
		if sample != nil {
			if err := c.store.AppendMetric(id, *sample); err != nil {
				log.Warn("persist metric failed", "error", err)
			}
		}
	}
}

// broadcastLocked fans ev out without blocking. A full subscriber is
// dropped so the run never waits on a reader. c.mu must be held.
func (c *Coordinator) broadcastLocked(run *jobRun, ev domain.ProgressEvent) {
	for subID, ch := range run.subs {
		select {
		case ch <- ev:
		default:
			delete(run.subs, subID)
			close(ch)
			c.logger.Warn("dropped slow event subscriber", "job", ev.JobID)
		}
	}
}

// finishRun records the result of an engine run.
func (c *Coordinator) finishRun(id string, res progress.Result, waitErr error, diagnostics string,
	mon *monitor.Monitor, log *slog.Logger) {
	status := domain.JobCompleted
	switch {
	case res.Succeeded():
		if waitErr != nil {
			log.Warn("engine exited with error after reporting completion", "error", waitErr)
		}
	case res.Outcome == progress.OutcomeCancelled:
		status = domain.JobCancelled
	default:
		status = domain.JobFailed
	}

	failure := res.Err
	if failure != nil && res.Terminal == nil {
		if line := lastLine(diagnostics); line != "" {
			failure = fmt.Errorf("%w (engine: %s)", failure, line)
		}
		// The engine never reported an outcome; close the stream for it.
		c.observe(id, domain.ProgressEvent{
			Type:      domain.EventError,
			JobID:     id,
			Message:   "Training failed",
			Success:   domain.Bool(false),
			Error:     failure.Error(),
			Traceback: diagnostics,
			Timestamp: float64(c.now().UnixNano()) / 1e9,
		}, mon, map[domain.IssueKind]bool{}, log)
	}

	summary, hasSummary := mon.Summary()
	c.update(id, func(j *domain.Job) {
		j.Status = status
		j.CompletedAt = c.now()
		if hasSummary {
			j.Summary = &summary
		}
		if t := res.Terminal; t != nil {
			j.ModelPath = t.ModelPath
			j.FinalLoss = t.FinalLoss
			j.EpochsTrained = t.EpochsTrained
		}
		if status == domain.JobCompleted {
			j.Progress = domain.ProgressComplete
			j.Message = "Training completed successfully"
		} else if failure != nil {
			j.Error = failure.Error()
		}
	})

	metrics.JobsFinished.WithLabelValues(res.Outcome.String()).Inc()
	metrics.TrainingLoss.DeleteLabelValues(id)
	log.Info("job finished",
		"status", status,
		"outcome", res.Outcome,
		"events", res.Events,
		"protocol_errors", res.ProtocolErrors)
}

// finishWithoutRun ends a job that never reached the engine.
func (c *Coordinator) finishWithoutRun(id string, status domain.JobStatus, err error) {
	outcome := progress.OutcomeFailed
	if status == domain.JobCancelled {
		outcome = progress.OutcomeCancelled
	}
	c.update(id, func(j *domain.Job) {
		j.Status = status
		j.CompletedAt = c.now()
		j.Error = err.Error()
	})
	metrics.JobsFinished.WithLabelValues(outcome.String()).Inc()
	c.logger.Warn("job ended before training", "job", id, "status", status, "error", err)
}

// update mutates a job under the lock and persists the result.
func (c *Coordinator) update(id string, fn func(j *domain.Job)) {
	c.mu.Lock()
	job := c.jobs[id]
	fn(job)
	snapshot := copyJob(job)
	c.mu.Unlock()
	c.persist(snapshot)
}

// release closes subscriber channels and marks the run done.
func (c *Coordinator) release(id string) {
	c.mu.Lock()
	run := c.runs[id]
	job := c.jobs[id]
	for subID, ch := range run.subs {
		delete(run.subs, subID)
		close(ch)
	}
	duration := job.Duration()
	c.mu.Unlock()

	run.cancel()
	metrics.JobsActive.Dec()
	if duration > 0 {
		metrics.JobDuration.Observe(duration.Seconds())
	}
	close(run.done)
}

func (c *Coordinator) persist(job domain.Job) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveJob(job); err != nil {
		c.logger.Warn("persist job failed", "job", job.ID, "error", err)
	}
}

// copyJob returns a copy that shares no mutable slices with the original.
func copyJob(j *domain.Job) domain.Job {
	cp := *j
	cp.Issues = append([]domain.TrainingIssue(nil), j.Issues...)
	return cp
}

// lastLine returns the last non-blank line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// IsRejected reports whether err refused a submission, as opposed to a
// coordinator or store failure.
func IsRejected(err error) bool {
	return errors.Is(err, domain.ErrTooManyJobs) || errors.Is(err, domain.ErrInvalidConfig) ||
		errors.Is(err, domain.ErrInvalidDatasetSize)
}
