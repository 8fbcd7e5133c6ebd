package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/engine"
	"github.com/tutu-network/tunekit/internal/infra/progress"
)

func init() {
	f := engineSimCmd.Flags()
	f.DurationVar(&simCfg.StepDelay, "step-delay", 0, "Pause between progress events")
	f.IntVar(&simCfg.StepsPerEpoch, "steps-per-epoch", 4, "Progress events per epoch")
	f.IntVar(&simCfg.FailAtEpoch, "fail-at-epoch", 0, "Report a failure when this epoch starts")
	f.IntVar(&simCfg.StallAtEpoch, "stall-at-epoch", 0, "Stop writing when this epoch starts")
	f.BoolVar(&simCfg.OmitTerminal, "omit-terminal", false, "End the stream without a terminal event")
	rootCmd.AddCommand(engineSimCmd)
}

var simCfg = engine.DefaultSimulatedConfig()

// engineSimCmd is a stand-in training engine. It reads one train_model
// request on stdin and writes the progress stream on stdout, so it can be
// configured as engine.command for end-to-end runs without a real trainer.
var engineSimCmd = &cobra.Command{
	Use:         "engine-sim",
	Short:       "Simulated training engine speaking the progress protocol",
	Hidden:      true,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotQuiet: "true"},
	RunE:        runEngineSim,
}

func runEngineSim(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var req domain.TrainingRequest
	if err := json.NewDecoder(cmd.InOrStdin()).Decode(&req); err != nil {
		return simFailure(out, "", fmt.Errorf("invalid request: %w", err))
	}
	if req.Action != "" && req.Action != engine.TrainAction {
		return simFailure(out, req.JobID, fmt.Errorf("%w: %s", domain.ErrUnknownAction, req.Action))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("simulating training run", "job", req.JobID, "epochs", req.Config.MaxEpochs)
	return engine.Simulate(ctx, out, req, simCfg)
}

// simFailure writes err as the stream's terminal event.
func simFailure(w io.Writer, jobID string, err error) error {
	if ferr := progress.NewReporter(w, jobID).Fail(err, ""); ferr != nil {
		return ferr
	}
	return errReported
}
