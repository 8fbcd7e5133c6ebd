package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tutu-network/tunekit/internal/domain"
)

// cliEnv runs commands against one isolated TUNEKIT_HOME.
type cliEnv struct {
	t    *testing.T
	home string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TUNEKIT_HOME", home)
	t.Setenv("TUNEKIT_LOG_LEVEL", "error")
	config := "[engine]\nkind = \"simulated\"\nsimulated_step_delay = \"0s\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
	return &cliEnv{t: t, home: home}
}

func (e *cliEnv) run(stdin string, args ...string) (stdout, stderr string, err error) {
	e.t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))

	err = rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
	return out.String(), errOut.String(), err
}

// resetFlags restores every flag to its default between runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func writeLines(t *testing.T, name string, n int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "What is step %d?|Step %d follows step %d.\n", i, i, i-1)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func decodeFailure(t *testing.T, out string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, out)
	}
	return payload
}

// ─── optimize ───────────────────────────────────────────────────────────────

func TestOptimize(t *testing.T) {
	env := newCLIEnv(t)
	out, _, err := env.run("", "optimize", `{"seed": 7, "max_epochs": 2}`, "50", "--memory", "16GiB")
	if err != nil {
		t.Fatalf("optimize error: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, out)
	}
	if got["batch_size"] != float64(4) {
		t.Errorf("batch_size = %v, want 4", got["batch_size"])
	}
	if got["max_epochs"] != float64(2) {
		t.Errorf("max_epochs = %v, want 2", got["max_epochs"])
	}
	if got["seed"] != float64(7) {
		t.Errorf("seed = %v, want 7 (passed through)", got["seed"])
	}
}

func TestOptimize_InfiniteLearningRateUsesDefault(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(t.TempDir(), "train.yaml")
	if err := os.WriteFile(path, []byte("learning_rate: .inf\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, config := range []string{`{"learning_rate": "inf"}`, `{"learning_rate": 1e308}`, path} {
		out, _, err := env.run("", "optimize", config, "5000", "--memory", "16GiB")
		if err != nil {
			t.Fatalf("optimize %s error: %v\n%s", config, err, out)
		}
		var got map[string]any
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("optimize %s: stdout is not JSON: %v\n%s", config, err, out)
		}
		lr, ok := got["learning_rate"].(float64)
		if !ok || lr <= 0 || lr > 1e-3 {
			t.Errorf("optimize %s: learning_rate = %v, want the scaled default", config, got["learning_rate"])
		}
	}
}

func TestOptimize_ProductionFromYAML(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(t.TempDir(), "train.yaml")
	if err := os.WriteFile(path, []byte("max_epochs: 9\nmodel_type: gpt2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := env.run("", "optimize", path, "5000", "--production", "--memory", "2GiB")
	if err != nil {
		t.Fatalf("optimize error: %v", err)
	}
	var got domain.ResolvedConfig
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	if got.MaxEpochs != 9 {
		t.Errorf("MaxEpochs = %d, want 9 from the YAML file", got.MaxEpochs)
	}
	// Under 4 GiB the conservative regime wins.
	if got.BatchSize != 1 || got.GradientAccumulationSteps != 8 {
		t.Errorf("batch/accumulation = %d/%d, want 1/8", got.BatchSize, got.GradientAccumulationSteps)
	}
	if !got.FP16 || !got.GradientCheckpointing || !got.ResumeFromCheckpoint {
		t.Errorf("FP16/GradientCheckpointing/ResumeFromCheckpoint = %v/%v/%v, want all true",
			got.FP16, got.GradientCheckpointing, got.ResumeFromCheckpoint)
	}
	if got.DataloaderNumWorkers < 1 || got.DataloaderNumWorkers > 4 {
		t.Errorf("DataloaderNumWorkers = %d, want 1..4", got.DataloaderNumWorkers)
	}
}

func TestOptimize_Failures(t *testing.T) {
	iniPath := filepath.Join(t.TempDir(), "train.ini")
	if err := os.WriteFile(iniPath, []byte("epochs=3"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"non-integer size", []string{"optimize", "{}", "lots"}, "dataset size"},
		{"broken inline config", []string{"optimize", "{broken", "10"}, ""},
		{"unknown config extension", []string{"optimize", iniPath, "10"}, ""},
		{"missing argument", []string{"optimize", "{}"}, ""},
		{"bad memory flag", []string{"optimize", "{}", "10", "--memory", "plenty"}, "--memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCLIEnv(t)
			out, _, err := env.run("", tt.args...)
			if !errors.Is(err, errReported) {
				t.Fatalf("error = %v, want errReported", err)
			}
			payload := decodeFailure(t, out)
			if payload["success"] != false {
				t.Errorf("success = %v, want false", payload["success"])
			}
			if payload["action"] != "optimize" {
				t.Errorf("action = %v, want optimize", payload["action"])
			}
			msg, _ := payload["error"].(string)
			if msg == "" {
				t.Error("error message is empty")
			}
			if tt.wantErr != "" && !strings.Contains(msg, tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", msg, tt.wantErr)
			}
		})
	}
}

// ─── estimate / validate ────────────────────────────────────────────────────

func TestEstimate(t *testing.T) {
	env := newCLIEnv(t)
	out, _, err := env.run("", "estimate", "1000", `{"max_epochs": 3, "batch_size": 8}`)
	if err != nil {
		t.Fatalf("estimate error: %v", err)
	}
	var est domain.TimeEstimate
	if err := json.Unmarshal([]byte(out), &est); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	want := (1000 * 3 * 0.1 * (1 - 0.3*8.0/32)) * 1.2
	if math.Abs(est.EstimatedSeconds-want) > 1e-9 {
		t.Errorf("EstimatedSeconds = %v, want %v", est.EstimatedSeconds, want)
	}
}

func TestEstimate_BadSize(t *testing.T) {
	env := newCLIEnv(t)
	out, _, err := env.run("", "estimate", "1e3", "{}")
	if !errors.Is(err, errReported) {
		t.Fatalf("error = %v, want errReported", err)
	}
	if payload := decodeFailure(t, out); payload["action"] != "estimate" {
		t.Errorf("action = %v, want estimate", payload["action"])
	}
}

func TestValidate(t *testing.T) {
	env := newCLIEnv(t)
	path := writeLines(t, "tiny.txt", 5)

	out, _, err := env.run("", "validate", path)
	if err != nil {
		t.Fatalf("validate error: %v", err)
	}
	var report domain.DatasetQualityReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	if !report.Valid {
		t.Errorf("Valid = false, warnings %v", report.Warnings)
	}
	if report.SampleCount != 5 {
		t.Errorf("SampleCount = %d, want 5", report.SampleCount)
	}
}

func TestValidate_MissingFileStillExitsZero(t *testing.T) {
	env := newCLIEnv(t)
	out, _, err := env.run("", "validate", filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("validate error = %v, want nil for an invalid dataset", err)
	}
	var report domain.DatasetQualityReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	if report.Valid {
		t.Error("Valid = true for a missing file")
	}
}

// ─── engine-sim ─────────────────────────────────────────────────────────────

func decodeEvents(t *testing.T, out string) []domain.ProgressEvent {
	t.Helper()
	var events []domain.ProgressEvent
	dec := json.NewDecoder(strings.NewReader(out))
	for {
		var ev domain.ProgressEvent
		err := dec.Decode(&ev)
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("decode event %d: %v\n%s", len(events), err, out)
		}
		events = append(events, ev)
	}
}

func TestEngineSim(t *testing.T) {
	env := newCLIEnv(t)
	req := `{"action":"train_model","job_id":"j1","config":{"max_epochs":2}}`

	out, _, err := env.run(req, "engine-sim", "--steps-per-epoch", "2")
	if err != nil {
		t.Fatalf("engine-sim error: %v", err)
	}
	events := decodeEvents(t, out)
	// 4 setup phases, 2x2 steps, save, completion
	if len(events) != 10 {
		t.Fatalf("events = %d, want 10", len(events))
	}
	prev := 0.0
	for i, ev := range events {
		if ev.JobID != "j1" {
			t.Errorf("event %d job_id = %q, want j1", i, ev.JobID)
		}
		if ev.Progress < prev {
			t.Errorf("event %d progress %v < %v", i, ev.Progress, prev)
		}
		prev = ev.Progress
		if ev.IsTerminal() != (i == len(events)-1) {
			t.Errorf("event %d terminal = %v", i, ev.IsTerminal())
		}
	}
	last := events[len(events)-1]
	if !last.Succeeded() || last.EpochsTrained != 2 {
		t.Errorf("last = %+v, want successful completion after 2 epochs", last)
	}
}

func TestEngineSim_BadRequests(t *testing.T) {
	tests := []struct {
		name  string
		stdin string
	}{
		{"not json", "train please"},
		{"unknown action", `{"action":"evaluate","job_id":"j2"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newCLIEnv(t)
			out, _, err := env.run(tt.stdin, "engine-sim")
			if !errors.Is(err, errReported) {
				t.Fatalf("error = %v, want errReported", err)
			}
			events := decodeEvents(t, out)
			if len(events) != 1 || events[0].Type != domain.EventError {
				t.Fatalf("events = %+v, want one error event", events)
			}
		})
	}
}

// ─── train / jobs ───────────────────────────────────────────────────────────

func TestTrain_ThenJobs(t *testing.T) {
	env := newCLIEnv(t)
	path := writeLines(t, "qa.txt", 40)

	out, _, err := env.run("", "train", path, "--config", `{"max_epochs": 1}`, "--json")
	if err != nil {
		t.Fatalf("train error: %v", err)
	}
	events := decodeEvents(t, out)
	if len(events) == 0 {
		t.Fatal("no events streamed")
	}
	last := events[len(events)-1]
	if !last.Succeeded() {
		t.Fatalf("last event = %+v, want successful completion", last)
	}
	jobID := last.JobID
	if jobID == "" {
		t.Fatal("events carry no job_id")
	}

	out, _, err = env.run("", "jobs")
	if err != nil {
		t.Fatalf("jobs error: %v", err)
	}
	if !strings.Contains(out, jobID) || !strings.Contains(out, string(domain.JobCompleted)) {
		t.Errorf("jobs table missing the completed job:\n%s", out)
	}

	out, _, err = env.run("", "jobs", jobID)
	if err != nil {
		t.Fatalf("jobs %s error: %v", jobID, err)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	if job.Status != domain.JobCompleted || job.DatasetSize != 40 {
		t.Errorf("job = %s/%d samples, want COMPLETED/40", job.Status, job.DatasetSize)
	}

	out, _, err = env.run("", "jobs", jobID, "--metrics")
	if err != nil {
		t.Fatalf("jobs --metrics error: %v", err)
	}
	var samples []domain.MetricSample
	if err := json.Unmarshal([]byte(out), &samples); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	if len(samples) != 4 {
		t.Errorf("metrics = %d, want 4 (1 epoch x 4 steps)", len(samples))
	}

	out, _, err = env.run("", "jobs", "--status", "failed")
	if err != nil {
		t.Fatalf("jobs --status error: %v", err)
	}
	if !strings.Contains(out, "No jobs yet") {
		t.Errorf("jobs --status failed = %q, want empty listing", out)
	}
}

func TestTrain_FailedJobReportsPayload(t *testing.T) {
	env := newCLIEnv(t)
	out, _, err := env.run("", "train", filepath.Join(t.TempDir(), "absent.txt"))
	if !errors.Is(err, errReported) {
		t.Fatalf("error = %v, want errReported", err)
	}
	payload := decodeFailure(t, out)
	if payload["action"] != "train" || payload["success"] != false {
		t.Errorf("payload = %v, want failed train", payload)
	}
}

func TestJobs_Errors(t *testing.T) {
	env := newCLIEnv(t)
	if _, _, err := env.run("", "jobs", "no-such-job"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("jobs unknown id error = %v, want ErrJobNotFound", err)
	}
	if _, _, err := env.run("", "jobs", "--status", "sleeping"); err == nil {
		t.Error("jobs --status sleeping succeeded, want error")
	}
}

// ─── system ─────────────────────────────────────────────────────────────────

func TestSystem(t *testing.T) {
	env := newCLIEnv(t)
	out, _, err := env.run("", "system")
	if err != nil {
		t.Fatalf("system error: %v", err)
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("stdout is not JSON: %v", err)
	}
	if info["status"] != "ready" {
		t.Errorf("status = %v, want ready", info["status"])
	}
	caps, _ := info["capabilities"].(map[string]any)
	if caps == nil {
		t.Fatal("capabilities missing")
	}

	out, _, err = env.run("", "system", "--text")
	if err != nil {
		t.Fatalf("system --text error: %v", err)
	}
	for _, want := range []string{"cpu", "memory available", "training engine"} {
		if !strings.Contains(out, want) {
			t.Errorf("system --text missing %q:\n%s", want, out)
		}
	}
}

// ─── helpers ────────────────────────────────────────────────────────────────

func TestParseDatasetSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1000", 1000, false},
		{" 42 ", 42, false},
		{"0", 0, false},
		{"-5", -5, false},
		{"ten", 0, true},
		{"1.5", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseDatasetSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDatasetSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrInvalidDatasetSize) {
			t.Errorf("parseDatasetSize(%q) error = %v, want ErrInvalidDatasetSize", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("parseDatasetSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestProgressBar_Render(t *testing.T) {
	var buf bytes.Buffer
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &progressBar{w: &buf, started: t0, now: func() time.Time { return t0.Add(10 * time.Second) }}

	p.render(domain.ProgressEvent{
		Type:        domain.EventProgress,
		Progress:    65,
		Epoch:       2,
		TotalEpochs: 2,
		Step:        1204,
		Loss:        domain.Float(0.8123),
	})
	line := buf.String()
	for _, want := range []string{" 65%", "epoch 2/2", "loss 0.8123", "step 1,204", "ETA 5s",
		strings.Repeat("=", 18) + ">" + strings.Repeat(".", 11)} {
		if !strings.Contains(line, want) {
			t.Errorf("bar %q missing %q", line, want)
		}
	}

	buf.Reset()
	p.render(domain.ProgressEvent{
		Type:      domain.EventCompletion,
		Success:   domain.Bool(true),
		Message:   "Training completed",
		FinalLoss: domain.Float(0.5),
		ModelPath: "models/j1",
	})
	if got := buf.String(); !strings.Contains(got, "[done] Training completed | final loss 0.5000 | models/j1\n") {
		t.Errorf("completion line = %q", got)
	}

	buf.Reset()
	p.render(domain.ProgressEvent{Type: domain.EventError, Error: "out of memory"})
	if got := buf.String(); !strings.Contains(got, "[error] out of memory\n") {
		t.Errorf("error line = %q", got)
	}
}

func TestProgressBar_ETA(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &progressBar{started: t0}
	tests := []struct {
		pct     float64
		elapsed time.Duration
		want    string
	}{
		{0, time.Minute, "ETA --"},
		{100, time.Minute, "ETA --"},
		{50, 500 * time.Millisecond, "ETA --"},
		{50, 30 * time.Second, "ETA 30s"},
		{25, time.Minute, "ETA 3m0s"},
		{10, 10 * time.Minute, "ETA 1h30m"},
	}
	for _, tt := range tests {
		if got := p.calculateETA(tt.pct, t0.Add(tt.elapsed)); got != tt.want {
			t.Errorf("calculateETA(%v, %v) = %q, want %q", tt.pct, tt.elapsed, got, tt.want)
		}
	}
}
