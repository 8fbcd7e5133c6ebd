package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tutu-network/tunekit/internal/app"
)

func init() {
	systemCmd.Flags().BoolVar(&systemText, "text", false, "Print a human-readable summary instead of JSON")
	rootCmd.AddCommand(systemCmd)
}

var systemText bool

var systemCmd = &cobra.Command{
	Use:         "system",
	Short:       "Show the resources and capabilities tunekit plans against",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotAction: app.ActionGetSystemInfo, annotQuiet: "true"},
	RunE:        runSystem,
}

func runSystem(cmd *cobra.Command, args []string) error {
	info := newCore(cfg).NewDispatcher(appVersion).SystemInfo()
	if !systemText {
		return printResult(cmd, info)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "version\t%s (%s, %s/%s)\n", info.Version, info.GoVersion, info.OS, info.Arch)
	cpu := fmt.Sprintf("%d", info.Resources.CPUCount)
	if info.Resources.CPUBrand != "" {
		cpu += " x " + info.Resources.CPUBrand
	}
	fmt.Fprintf(w, "cpu\t%s\n", cpu)
	if len(info.Resources.CPUFeatures) > 0 {
		fmt.Fprintf(w, "features\t%s\n", strings.Join(info.Resources.CPUFeatures, " "))
	}
	fmt.Fprintf(w, "memory available\t%s\n", humanize.IBytes(info.Resources.AvailableMemoryBytes))
	if info.Memory != nil {
		fmt.Fprintf(w, "memory total\t%s (%.1f%% used)\n",
			humanize.IBytes(info.Memory.TotalBytes), info.Memory.UsedPercent)
	}
	caps := info.Capabilities
	fmt.Fprintf(w, "training engine\t%s\n", yesNo(caps.TrainingEngineAvailable))
	fmt.Fprintf(w, "pdf datasets\t%s\n", yesNo(caps.PDFAvailable))
	fmt.Fprintf(w, "ocr\t%s\n", yesNo(caps.OCRAvailable))
	return w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "available"
	}
	return "unavailable"
}
