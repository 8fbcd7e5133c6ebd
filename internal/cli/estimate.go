package cli

import (
	"github.com/spf13/cobra"

	"github.com/tutu-network/tunekit/internal/app"
)

func init() {
	rootCmd.AddCommand(estimateCmd)
}

var estimateCmd = &cobra.Command{
	Use:   "estimate DATASET_SIZE CONFIG",
	Short: "Estimate how long a training run will take",
	Long: `Estimate wall-clock training time for DATASET_SIZE samples under CONFIG.

CONFIG is inline JSON or a path to a .json, .yaml, .yml or .toml file.`,
	Example:     `  tunekit estimate 1000 '{"max_epochs":3,"batch_size":8}'`,
	Args:        actionArgs(cobra.ExactArgs(2)),
	Annotations: map[string]string{annotAction: app.ActionEstimate, annotQuiet: "true"},
	RunE:        runEstimate,
}

func runEstimate(cmd *cobra.Command, args []string) error {
	n, err := parseDatasetSize(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	raw, err := app.LoadRawConfig(args[1])
	if err != nil {
		return fail(cmd, err)
	}

	d := newCore(cfg).NewDispatcher(appVersion)
	est, err := d.Estimate(app.Request{Action: app.ActionEstimate, Config: raw, DatasetSize: &n})
	if err != nil {
		return fail(cmd, err)
	}
	return printResult(cmd, est)
}
