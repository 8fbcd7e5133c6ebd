package cli

import (
	"github.com/spf13/cobra"

	"github.com/tutu-network/tunekit/internal/app"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate DATASET_PATH",
	Short: "Check a dataset's quality before training",
	Long: `Inspect a .json, .jsonl, .csv, .txt or .pdf dataset and print a quality
report as JSON. An unusable dataset is reported with "valid": false; the
command still exits 0.`,
	Args:        actionArgs(cobra.ExactArgs(1)),
	Annotations: map[string]string{annotAction: app.ActionValidate, annotQuiet: "true"},
	RunE:        runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	d := newCore(cfg).NewDispatcher(appVersion)
	report, err := d.Validate(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	return printResult(cmd, report)
}
