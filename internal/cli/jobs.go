package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

var (
	jobsTags     []string
	jobsKinds    []string
	jobsStatuses []string
	jobsLimit    int
	jobsRunning  bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect background jobs",
	Long: `List your background jobs or inspect a specific job by ID.

Examples:
  knowhow-ingest jobs                          # List your jobs
  knowhow-ingest jobs --running                # Only queued or executing jobs
  knowhow-ingest jobs --tag <record-id>        # Jobs tagged with a record
  knowhow-ingest jobs abc123                   # Show details for job abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := apiClient().CancelJob(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		fmt.Printf("Job %s is %s\n", info.ID, info.Status)
		return nil
	},
}

func init() {
	jobsCmd.Flags().StringSliceVar(&jobsTags, "tag", nil, "only jobs carrying every tag")
	jobsCmd.Flags().StringSliceVar(&jobsKinds, "kind", nil, "only jobs of these kinds")
	jobsCmd.Flags().StringSliceVar(&jobsStatuses, "status", nil, "only jobs in these statuses")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum number of jobs")
	jobsCmd.Flags().BoolVar(&jobsRunning, "running", false, "only queued or executing jobs")

	jobsCmd.AddCommand(jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 1 {
		return showJob(ctx, args[0])
	}

	return listJobs(ctx)
}

func listJobs(ctx context.Context) error {
	f := client.JobFilter{
		Tags:     jobsTags,
		Kinds:    jobsKinds,
		Statuses: jobsStatuses,
		Limit:    jobsLimit,
	}
	if jobsRunning {
		f.Statuses = nil
		for _, s := range queue.ActiveStatuses {
			f.Statuses = append(f.Statuses, string(s))
		}
	}

	jobs, err := apiClient().ListJobs(ctx, f)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-20s %-10s %-8s %s\n", "ID", "KIND", "STATUS", "ATTEMPTS", "CREATED")
	fmt.Println(strings.Repeat("-", 96))

	for _, job := range jobs {
		fmt.Printf("%-36s %-20s %-10s %-8d %s\n",
			job.ID, job.Kind, job.Status, job.Attempts, job.CreatedAt.Local().Format("15:04:05"))
	}

	return nil
}

func showJob(ctx context.Context, id string) error {
	job, err := apiClient().GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Kind: %s\n", job.Kind)
	fmt.Printf("  Status: %s\n", job.Status)
	fmt.Printf("  Attempts: %d\n", job.Attempts)
	fmt.Printf("  Concurrency key: %s\n", job.ConcurrencyKey)
	if len(job.Tags) > 0 {
		fmt.Printf("  Tags: %s\n", strings.Join(job.Tags, ", "))
	}
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		fmt.Printf("  Finished: %s\n", job.FinishedAt.Format(time.RFC3339))
		if job.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", job.FinishedAt.Sub(*job.StartedAt).Round(time.Millisecond))
		}
	}
	if job.Error != "" {
		fmt.Printf("  Error: %s\n", job.Error)
	}

	return nil
}
