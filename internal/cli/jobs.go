package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tutu-network/tunekit/internal/daemon"
	"github.com/tutu-network/tunekit/internal/domain"
	"github.com/tutu-network/tunekit/internal/infra/sqlite"
)

func init() {
	f := jobsCmd.Flags()
	f.StringVar(&jobsStatus, "status", "", "Only list jobs in this status (e.g. completed, failed)")
	f.IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs to list (0 = all)")
	f.BoolVar(&jobsMetrics, "metrics", false, "With ID: print the job's loss curve")
	f.BoolVar(&jobsEvents, "events", false, "With ID: print the job's progress events as JSON lines")
	rootCmd.AddCommand(jobsCmd)
}

var (
	jobsStatus  string
	jobsLimit   int
	jobsMetrics bool
	jobsEvents  bool
)

var jobsCmd = &cobra.Command{
	Use:     "jobs [ID]",
	Aliases: []string{"ls"},
	Short:   "List training jobs or show one",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	db, err := sqlite.Open(daemon.Home())
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 1 {
		return showJob(cmd, db, args[0])
	}

	var jobs []domain.Job
	if jobsStatus != "" {
		status, err := parseJobStatus(jobsStatus)
		if err != nil {
			return err
		}
		jobs, err = db.ListJobsByStatus(status)
		if err != nil {
			return err
		}
		if jobsLimit > 0 && len(jobs) > jobsLimit {
			jobs = jobs[:jobsLimit]
		}
	} else {
		jobs, err = db.ListJobs(jobsLimit)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs yet. Start one with: tunekit train <dataset>")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tENGINE\tDATASET\tPROGRESS\tLOSS\tCREATED")
	for _, j := range jobs {
		loss := "-"
		if j.FinalLoss != nil {
			loss = fmt.Sprintf("%.4f", *j.FinalLoss)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			j.ID,
			j.Status,
			j.Engine,
			j.DatasetPath,
			j.Progress,
			loss,
			humanize.Time(j.CreatedAt),
		)
	}
	return w.Flush()
}

func showJob(cmd *cobra.Command, db *sqlite.DB, id string) error {
	job, err := db.GetJob(id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	switch {
	case jobsMetrics:
		samples, err := db.JobMetrics(job.ID)
		if err != nil {
			return err
		}
		if samples == nil {
			samples = []domain.MetricSample{}
		}
		return printJSON(out, samples)
	case jobsEvents:
		events, err := db.JobEvents(job.ID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	default:
		return printJSON(out, job)
	}
}

func parseJobStatus(s string) (domain.JobStatus, error) {
	status := domain.JobStatus(strings.ToUpper(s))
	switch status {
	case domain.JobPending, domain.JobValidating, domain.JobOptimizing, domain.JobTraining,
		domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}
