package cli

import (
	"github.com/spf13/cobra"

	"github.com/tutu-network/tunekit/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", false, "Expose Prometheus metrics at /metrics")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost    string
	servePort    int
	serveMetrics bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tunekit API server",
	Long:  `Start the HTTP API at localhost:11500. Jobs submitted over the API run under this process.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	c := cfg

	// Override config from flags
	if serveHost != "" {
		c.API.Host = serveHost
	}
	if servePort > 0 {
		c.API.Port = servePort
	}
	if serveMetrics {
		c.Telemetry.Prometheus = true
	}

	d, err := daemon.NewWithConfig(c, appVersion, logger)
	if err != nil {
		return err
	}
	return d.Serve(cmd.Context())
}
