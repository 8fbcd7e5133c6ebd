package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/tunekit/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testJob(id string, created time.Time) domain.Job {
	return domain.Job{
		ID:          id,
		Status:      domain.JobPending,
		Engine:      "simulated",
		DatasetPath: "/data/train.jsonl",
		DatasetSize: 1200,
		RawConfig:   domain.RawConfig{"model_type": "distilbert"},
		CreatedAt:   created,
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := db.SaveJob(testJob("job-1", time.Now())); err != nil {
		t.Fatalf("SaveJob() error: %v", err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db.Close()
	if _, err := db.GetJob("job-1"); err != nil {
		t.Errorf("GetJob() after reopen error: %v", err)
	}
}

// ─── Job CRUD ───────────────────────────────────────────────────────────────

func TestSaveJob_Insert(t *testing.T) {
	db := newTestDB(t)
	job := testJob("job-1", time.Now())

	if err := db.SaveJob(job); err != nil {
		t.Fatalf("SaveJob() error: %v", err)
	}

	got, err := db.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if got.DatasetPath != job.DatasetPath {
		t.Errorf("DatasetPath = %q, want %q", got.DatasetPath, job.DatasetPath)
	}
	if got.DatasetSize != 1200 {
		t.Errorf("DatasetSize = %d, want 1200", got.DatasetSize)
	}
	if s, _ := got.RawConfig.String("model_type"); s != "distilbert" {
		t.Errorf("RawConfig[model_type] = %q, want distilbert", s)
	}
	if !got.CreatedAt.Equal(job.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, job.CreatedAt)
	}
}

func TestSaveJob_Update(t *testing.T) {
	db := newTestDB(t)
	job := testJob("job-1", time.Now())
	db.SaveJob(job) //nolint:errcheck

	job.Status = domain.JobCompleted
	job.Progress = 100
	job.Config = &domain.ResolvedConfig{BatchSize: 8, GradientAccumulationSteps: 1, LearningRate: 5e-5,
		Passthrough: map[string]any{"seed": 42.0}}
	job.Summary = &domain.TrainingSummary{TotalSteps: 12, BestLoss: 0.8}
	job.Issues = []domain.TrainingIssue{{Kind: domain.IssueLossPlateau, Severity: domain.SevWarning, Description: "Loss plateauing"}}
	job.FinalLoss = domain.Float(0.81)
	job.CompletedAt = time.Now()
	if err := db.SaveJob(job); err != nil {
		t.Fatalf("SaveJob() update error: %v", err)
	}

	got, err := db.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if got.Status != domain.JobCompleted {
		t.Errorf("Status = %s, want COMPLETED", got.Status)
	}
	if got.Config == nil || got.Config.BatchSize != 8 || got.Config.Passthrough["seed"] != 42.0 {
		t.Errorf("Config = %+v, want batch 8 with seed passthrough", got.Config)
	}
	if got.Summary == nil || got.Summary.TotalSteps != 12 {
		t.Errorf("Summary = %+v, want 12 steps", got.Summary)
	}
	if len(got.Issues) != 1 || got.Issues[0].Kind != domain.IssueLossPlateau || got.Issues[0].Severity != domain.SevWarning {
		t.Errorf("Issues = %+v, want one plateau warning", got.Issues)
	}
	if got.FinalLoss == nil || *got.FinalLoss != 0.81 {
		t.Errorf("FinalLoss = %v, want 0.81", got.FinalLoss)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetJob("nonexistent")
	if !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("GetJob() error = %v, want ErrJobNotFound", err)
	}
}

func TestListJobs_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		db.SaveJob(testJob(id, base.Add(time.Duration(i)*time.Minute))) //nolint:errcheck
	}

	jobs, err := db.ListJobs(0)
	if err != nil {
		t.Fatalf("ListJobs() error: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("ListJobs() len = %d, want 3", len(jobs))
	}
	if jobs[0].ID != "new" || jobs[2].ID != "old" {
		t.Errorf("order = %s, %s, %s; want new first", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}

	limited, _ := db.ListJobs(2)
	if len(limited) != 2 {
		t.Errorf("ListJobs(2) len = %d, want 2", len(limited))
	}
}

func TestMarkInterrupted(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	running := testJob("running", now)
	running.Status = domain.JobTraining
	done := testJob("done", now)
	done.Status = domain.JobCompleted
	db.SaveJob(running) //nolint:errcheck
	db.SaveJob(done)    //nolint:errcheck

	n, err := db.MarkInterrupted(now)
	if err != nil {
		t.Fatalf("MarkInterrupted() error: %v", err)
	}
	if n != 1 {
		t.Errorf("MarkInterrupted() = %d, want 1", n)
	}
	got, _ := db.GetJob("running")
	if got.Status != domain.JobFailed || got.Error == "" {
		t.Errorf("running job = %s %q, want FAILED with error", got.Status, got.Error)
	}
	if got, _ := db.GetJob("done"); got.Status != domain.JobCompleted {
		t.Errorf("done job Status = %s, want COMPLETED", got.Status)
	}
}

func TestPruneJobs_CascadesAndKeepsActive(t *testing.T) {
	db := newTestDB(t)
	old := time.Now().Add(-48 * time.Hour)

	finished := testJob("finished", old)
	finished.Status = domain.JobCompleted
	active := testJob("active", old)
	active.Status = domain.JobTraining
	db.SaveJob(finished) //nolint:errcheck
	db.SaveJob(active)   //nolint:errcheck

	db.AppendMetric("finished", domain.MetricSample{Step: 1, Loss: 1})            //nolint:errcheck
	db.AppendEvent("finished", 0, domain.ProgressEvent{Type: domain.EventStatus}) //nolint:errcheck

	n, err := db.PruneJobs(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneJobs() error: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneJobs() = %d, want 1", n)
	}
	if _, err := db.GetJob("finished"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("pruned job still present: %v", err)
	}
	if _, err := db.GetJob("active"); err != nil {
		t.Errorf("active job pruned: %v", err)
	}
	if samples, _ := db.JobMetrics("finished"); len(samples) != 0 {
		t.Errorf("metrics survived prune: %d", len(samples))
	}
	if events, _ := db.JobEvents("finished"); len(events) != 0 {
		t.Errorf("events survived prune: %d", len(events))
	}
}

// ─── Metrics and Events ─────────────────────────────────────────────────────

func TestJobMetrics_Order(t *testing.T) {
	db := newTestDB(t)
	db.SaveJob(testJob("job-1", time.Now())) //nolint:errcheck

	losses := []float64{2.0, 1.5, 1.7}
	for i, loss := range losses {
		s := domain.MetricSample{Epoch: 1, Step: i + 1, Loss: loss, LearningRate: 5e-5, IsBest: i < 2}
		if err := db.AppendMetric("job-1", s); err != nil {
			t.Fatalf("AppendMetric() error: %v", err)
		}
	}

	got, err := db.JobMetrics("job-1")
	if err != nil {
		t.Fatalf("JobMetrics() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("JobMetrics() len = %d, want 3", len(got))
	}
	for i, s := range got {
		if s.Loss != losses[i] || s.Step != i+1 {
			t.Errorf("sample %d = %+v, want loss %v", i, s, losses[i])
		}
	}
	if got[2].IsBest {
		t.Error("sample 2 IsBest = true, want false")
	}
}

func TestJobEvents_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	db.SaveJob(testJob("job-1", time.Now())) //nolint:errcheck

	events := []domain.ProgressEvent{
		{Type: domain.EventStatus, Progress: 10, Message: "Initializing training..."},
		{Type: domain.EventProgress, Progress: 65, Epoch: 1, TotalEpochs: 2, Loss: domain.Float(1.2)},
		{Type: domain.EventCompletion, Progress: 100, Success: domain.Bool(true), ModelPath: "models/job-1"},
	}
	for i, ev := range events {
		if err := db.AppendEvent("job-1", i, ev); err != nil {
			t.Fatalf("AppendEvent(%d) error: %v", i, err)
		}
	}

	got, err := db.JobEvents("job-1")
	if err != nil {
		t.Fatalf("JobEvents() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("JobEvents() len = %d, want 3", len(got))
	}
	if got[1].Loss == nil || *got[1].Loss != 1.2 {
		t.Errorf("event 1 loss = %v, want 1.2", got[1].Loss)
	}
	if !got[2].Succeeded() {
		t.Error("last event should be a successful completion")
	}
}

// ─── Node Info ──────────────────────────────────────────────────────────────

func TestNodeInfo(t *testing.T) {
	db := newTestDB(t)

	if v, err := db.GetNodeInfo("version"); err != nil || v != "" {
		t.Errorf("GetNodeInfo(missing) = %q, %v; want empty", v, err)
	}
	db.SetNodeInfo("version", "0.1.0") //nolint:errcheck
	db.SetNodeInfo("version", "0.2.0") //nolint:errcheck
	if v, _ := db.GetNodeInfo("version"); v != "0.2.0" {
		t.Errorf("GetNodeInfo() = %q, want 0.2.0", v)
	}
}
