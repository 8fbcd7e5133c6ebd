package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tunekit/internal/app"
	"github.com/tutu-network/tunekit/internal/daemon"
	"github.com/tutu-network/tunekit/internal/domain"
)

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainConfig, "config", "", "Raw training config: inline JSON or a .json, .yaml or .toml file")
	f.StringVar(&trainEngine, "engine", "", "Training engine: auto, subprocess or simulated (overrides config)")
	f.IntVar(&trainDatasetSize, "dataset-size", 0, "Sample count to plan for (default: counted by validation)")
	f.BoolVar(&trainProduction, "production", false, "Apply production overrides")
	f.BoolVar(&trainJSON, "json", false, "Stream progress events as JSON lines on stdout instead of a progress bar")
	rootCmd.AddCommand(trainCmd)
}

var (
	trainConfig      string
	trainEngine      string
	trainDatasetSize int
	trainProduction  bool
	trainJSON        bool
)

var trainCmd = &cobra.Command{
	Use:   "train DATASET_PATH",
	Short: "Validate, optimize and train on a dataset",
	Long: `Run a supervised training job locally: validate the dataset, resolve the
config for this machine, start the training engine and follow its progress.

The job is recorded in the local database and shows up in "tunekit jobs".
Interrupting the command cancels the job.`,
	Example: `  tunekit train data.jsonl --config '{"model_type":"gpt2"}'
  tunekit train qa.txt --engine simulated --json`,
	Args:        actionArgs(cobra.ExactArgs(1)),
	Annotations: map[string]string{annotAction: app.ActionTrain, annotQuiet: "true"},
	RunE:        runTrain,
}

func runTrain(cmd *cobra.Command, args []string) error {
	raw, err := app.LoadRawConfig(trainConfig)
	if err != nil {
		return fail(cmd, err)
	}

	c := cfg
	if trainEngine != "" {
		c.Engine.Kind = trainEngine
		if err := c.Validate(); err != nil {
			return fail(cmd, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err))
		}
	}

	d, err := daemon.NewWithConfig(c, appVersion, logger)
	if err != nil {
		return fail(cmd, err)
	}
	defer d.Close()

	req := app.Request{
		Action:      app.ActionTrain,
		Config:      raw,
		DatasetPath: args[0],
		Production:  trainProduction,
	}
	if trainDatasetSize > 0 {
		n := trainDatasetSize
		req.DatasetSize = &n
	}
	job, err := d.Dispatcher.Train(req)
	if err != nil {
		return fail(cmd, err)
	}

	past, live, unsubscribe, err := d.Jobs.Subscribe(job.ID)
	if err != nil {
		return fail(cmd, err)
	}
	defer unsubscribe()

	render := newProgressBar(cmd.ErrOrStderr()).render
	if trainJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		render = func(ev domain.ProgressEvent) { _ = enc.Encode(ev) }
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "job %s (engine %s)\n", job.ID, d.Jobs.EngineName())
	}

	for _, ev := range past {
		render(ev)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	interrupted := ctx.Done()
	for live != nil {
		select {
		case ev, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			render(ev)
		case <-interrupted:
			interrupted = nil
			logger.Warn("interrupted, cancelling job", "job", job.ID)
			if err := d.Jobs.Cancel(job.ID); err != nil {
				logger.Debug("cancel", "job", job.ID, "error", err)
			}
		}
	}

	final, err := d.Jobs.Wait(context.Background(), job.ID)
	if err != nil {
		return fail(cmd, err)
	}

	if trainJSON {
		if final.Status != domain.JobCompleted {
			return errReported
		}
		return nil
	}

	for _, issue := range final.Issues {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", issue.Severity, issue)
	}
	if final.Status != domain.JobCompleted {
		return fail(cmd, fmt.Errorf("%w: job %s %s: %s",
			domain.ErrRunIncomplete, final.ID, final.Status, final.Error))
	}
	return printJSON(cmd.OutOrStdout(), final)
}
