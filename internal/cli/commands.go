package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trainingjobs/internal/job"
)

const defaultPollInterval = 10 * time.Second

func newStartCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a training job",
		Long: `Start a training job from flags, a job file, or both.

Flags override values from the file. Reusing a request token returns the
job created by the first request instead of starting another one, so a
failed start can be retried safely.`,
		Example: `  jobsctl start --model-type image --dataset s3://datasets/cats --ab-testing
  jobsctl start -f job.yaml --request-token nightly-2026-03-01 --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(a, cmd)
		},
	}

	f := cmd.Flags()
	f.StringP("file", "f", "", "Job file (YAML or JSON, - for stdin)")
	f.String("model-type", "", "Model type to train")
	f.String("dataset", "", "Dataset to train on")
	f.Bool("ab-testing", false, "Record an A/B comparison")
	f.Bool("auto-tuning", false, "Record the best hyperparameters found")
	f.StringArray("param", nil, "Hyperparameter as name=value (repeatable)")
	f.String("request-token", "", "Idempotency key for retries")
	f.Bool("wait", false, "Wait until the job completes or fails")
	f.Duration("poll-interval", defaultPollInterval, "Status poll interval with --wait")
	return cmd
}

func runStart(a *app, cmd *cobra.Command) error {
	req, err := startRequestFromFlags(cmd)
	if err != nil {
		return err
	}
	p, err := a.printer(cmd)
	if err != nil {
		return err
	}
	c, err := a.client()
	if err != nil {
		return err
	}

	ctx, cancel := a.requestContext(cmd)
	resp, err := c.StartJob(ctx, req, "")
	cancel()
	if err != nil {
		return err
	}

	if wait, _ := cmd.Flags().GetBool("wait"); !wait {
		return p.started(resp)
	}
	interval, _ := cmd.Flags().GetDuration("poll-interval")
	return waitAndPrint(cmd, a, p, resp.JobID, interval)
}

// startRequestFromFlags merges the job file with explicitly set flags.
func startRequestFromFlags(cmd *cobra.Command) (*job.StartRequest, error) {
	f := cmd.Flags()
	jf := &JobFile{}
	if path, _ := f.GetString("file"); path != "" {
		loaded, err := LoadJobFile(path, cmd.InOrStdin())
		if err != nil {
			return nil, err
		}
		jf = loaded
	}

	if f.Changed("model-type") {
		jf.ModelType, _ = f.GetString("model-type")
	}
	if f.Changed("dataset") {
		jf.Dataset, _ = f.GetString("dataset")
	}
	if f.Changed("ab-testing") {
		jf.ABTesting, _ = f.GetBool("ab-testing")
	}
	if f.Changed("auto-tuning") {
		jf.AutoTuning, _ = f.GetBool("auto-tuning")
	}
	if f.Changed("request-token") {
		jf.RequestToken, _ = f.GetString("request-token")
	}

	pairs, _ := f.GetStringArray("param")
	params, err := parseParams(pairs)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if jf.Hyperparameters == nil {
			jf.Hyperparameters = make(map[string]any, len(params))
		}
		for k, v := range params {
			jf.Hyperparameters[k] = v
		}
	}

	if jf.ModelType == "" || jf.Dataset == "" {
		return nil, fmt.Errorf("model type and dataset are required (use --model-type/--dataset or -f)")
	}
	return jf.StartRequest(), nil
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			status, err := c.GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			return p.status(status)
		},
	}
}

func newWaitCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Wait until a job completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			interval, _ := cmd.Flags().GetDuration("poll-interval")
			return waitAndPrint(cmd, a, p, args[0], interval)
		},
	}
	cmd.Flags().Duration("poll-interval", defaultPollInterval, "Status poll interval")
	return cmd
}

// waitAndPrint follows a job until it is terminal. Progress goes to stderr
// so stdout carries only the final status. A failed job is an error.
func waitAndPrint(cmd *cobra.Command, a *app, p *printer, id string, interval time.Duration) error {
	c, err := a.client()
	if err != nil {
		return err
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}

	status, err := c.WaitForTerminal(cmd.Context(), id, interval, func(s *job.Status) {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", s.ID, s.State)
	})
	if err != nil {
		return err
	}
	if err := p.status(status); err != nil {
		return err
	}
	if status.State == job.StateFailed {
		return fmt.Errorf("job %s failed: %s", status.ID, status.Reason)
	}
	return nil
}

func newCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Long:  "Cancel a job that has not finished. Cancelling a finished job leaves it unchanged.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			status, err := c.CancelJob(ctx, args[0])
			if err != nil {
				return err
			}
			return p.status(status)
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your jobs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			jobs, err := c.ListJobs(ctx, limit)
			if err != nil {
				return err
			}
			return p.jobs(jobs)
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of jobs")
	return cmd
}

func newArtifactsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "artifacts <job-id>",
		Short: "Show the records derived from a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			artifacts, err := c.GetArtifacts(ctx, args[0])
			if err != nil {
				return err
			}
			return p.artifacts(artifacts)
		},
	}
}

func newPerformanceCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "performance",
		Short: "Show accuracy of your most recent completed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			p, err := a.printer(cmd)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd)
			defer cancel()

			points, err := c.Performance(ctx, limit)
			if err != nil {
				return err
			}
			return p.performance(points)
		},
	}
	cmd.Flags().Int("limit", 10, "Number of jobs")
	return cmd
}
