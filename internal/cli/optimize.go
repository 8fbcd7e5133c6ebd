package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tutu-network/tunekit/internal/app"
	"github.com/tutu-network/tunekit/internal/domain"
)

func init() {
	optimizeCmd.Flags().BoolVar(&optimizeProduction, "production", false,
		"Apply production overrides (dataloader workers, checkpoint resume, low-memory regime)")
	optimizeCmd.Flags().StringVar(&optimizeMemory, "memory", "",
		"Plan for this much available memory instead of probing (e.g. 16GiB)")
	rootCmd.AddCommand(optimizeCmd)
}

var (
	optimizeProduction bool
	optimizeMemory     string
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize CONFIG DATASET_SIZE",
	Short: "Resolve a raw training config for this machine",
	Long: `Resolve a raw training config against the available CPU and memory.

CONFIG is inline JSON or a path to a .json, .yaml, .yml or .toml file.
Prints the resolved config as JSON.`,
	Example: `  tunekit optimize '{"model_type":"gpt2","max_epochs":2}' 5000
  tunekit optimize train.yaml 120 --production`,
	Args:        actionArgs(cobra.ExactArgs(2)),
	Annotations: map[string]string{annotAction: app.ActionOptimize, annotQuiet: "true"},
	RunE:        runOptimize,
}

func runOptimize(cmd *cobra.Command, args []string) error {
	raw, err := app.LoadRawConfig(args[0])
	if err != nil {
		return fail(cmd, err)
	}
	n, err := parseDatasetSize(args[1])
	if err != nil {
		return fail(cmd, err)
	}

	c := cfg
	if optimizeMemory != "" {
		if _, err := humanize.ParseBytes(optimizeMemory); err != nil {
			return fail(cmd, fmt.Errorf("%w: --memory: %v", domain.ErrInvalidConfig, err))
		}
		c.Optimizer.MemoryOverride = optimizeMemory
	}

	d := newCore(c).NewDispatcher(appVersion)
	resolved, err := d.Optimize(app.Request{
		Action:      app.ActionOptimize,
		Config:      raw,
		DatasetSize: &n,
		Production:  optimizeProduction,
	})
	if err != nil {
		return fail(cmd, err)
	}
	return printResult(cmd, resolved)
}
