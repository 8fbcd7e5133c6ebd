// Package cli implements the tunekit command-line interface using Cobra.
// Result commands print one JSON document on stdout. Logs and the training
// progress bar go to stderr.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tutu-network/tunekit/internal/app"
	"github.com/tutu-network/tunekit/internal/daemon"
	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/logging"
)

var rootCmd = &cobra.Command{
	Use:   "tunekit",
	Short: "tunekit: resource-aware training configuration and supervision",
	Long: `tunekit turns a raw dataset and a coarse training request into a
configuration sized for this machine, estimates how long the run will take,
and supervises the training engine while it streams progress.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Command annotations.
const (
	annotAction = "tunekit/action" // failures print a structured payload for this action
	annotQuiet  = "tunekit/quiet"  // the command owns the terminal; log at warn by default
)

// errReported means the failure was already written to the user.
var errReported = errors.New("reported")

var (
	appVersion = "dev"

	configFile string
	logLevel   string
	logFormat  string

	cfg       daemon.Config
	logger    = slog.Default()
	logCloser io.Closer
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config-file", "", "Config file (default: $TUNEKIT_HOME/config.toml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: text or json")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	appVersion = version
	rootCmd.Version = version

	err := rootCmd.Execute()
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger for every command.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if configFile != "" {
		cfg, err = daemon.LoadConfigFile(configFile)
	} else {
		cfg, err = daemon.LoadConfig()
	}
	if err != nil {
		return fail(cmd, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err))
	}

	switch {
	case logLevel != "":
		cfg.Logging.Level = logLevel
	case cmd.Annotations[annotQuiet] != "" && strings.EqualFold(cfg.Logging.Level, "info"):
		cfg.Logging.Level = "warn"
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	l, closer, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fail(cmd, err)
	}
	logger, logCloser = l, closer
	slog.SetDefault(logger)
	return nil
}

// ─── Output ─────────────────────────────────────────────────────────────────

// fail reports err. Action commands print the structured failure payload on
// stdout; other commands let Execute print it.
func fail(cmd *cobra.Command, err error) error {
	action, ok := cmd.Annotations[annotAction]
	if !ok {
		return err
	}
	_ = printJSON(cmd.OutOrStdout(), app.Failure(action, err))
	return errReported
}

// actionArgs reports argument errors the way the command reports failures.
func actionArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fail(cmd, fmt.Errorf("%w: %v", domain.ErrMissingParam, err))
		}
		return nil
	}
}

// printResult prints an action's result. A result that cannot be encoded
// is reported as a failure.
func printResult(cmd *cobra.Command, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fail(cmd, fmt.Errorf("encode result: %w", err))
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", body)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDatasetSize parses a dataset_size argument. Values <= 0 are accepted
// and clamped by the optimizer.
func parseDatasetSize(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidDatasetSize, s)
	}
	return n, nil
}

// newCore builds the stateless components from the loaded config.
func newCore(c daemon.Config) *daemon.Core {
	return daemon.NewCore(c, logger)
}
