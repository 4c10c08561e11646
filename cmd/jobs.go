package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-enricher/internal/jobs"
	"github.com/sells-group/prospect-enricher/internal/model"
	"github.com/sells-group/prospect-enricher/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Start, resume, pause and inspect batch jobs",
	Long:  "Commands for long-running enrichment and icebreaker jobs. Jobs persist a cursor after every prospect, so they survive restarts and can be paused or resumed at any time.",
}

// -- jobs start --

var jobsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a job over all eligible prospects and run it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		kind, _ := cmd.Flags().GetString("kind")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		chain, _ := cmd.Flags().GetBool("chain")
		force, _ := cmd.Flags().GetBool("force")
		detach, _ := cmd.Flags().GetBool("detach")
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		if !model.JobKind(kind).Valid() {
			return eris.Errorf("jobs start: --kind must be %s or %s", model.JobKindEnrichment, model.JobKindIcebreaker)
		}

		env, err := initEnv(ctx, "enrichment")
		if err != nil {
			return err
		}
		defer env.Close()

		if !cmd.Flags().Changed("batch-size") {
			batchSize = cfg.Jobs.BatchSize
		}
		job, err := env.Runner.Start(ctx, jobs.StartOptions{
			Kind:      model.JobKind(kind),
			BatchSize: batchSize,
			Chain:     chain,
			Force:     force,
		})
		if err != nil {
			return eris.Wrap(err, "jobs start")
		}
		fmt.Fprintf(os.Stderr, "Started %s job %s over %d prospects.\n", job.Kind, job.ID, job.TotalCount)

		if detach {
			return render(os.Stdout, format, job, func(w io.Writer) { formatJobDetail(w, job) })
		}
		return driveJob(ctx, env, job, format)
	},
}

// -- jobs resume --

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job from its cursor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		detach, _ := cmd.Flags().GetBool("detach")
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "enrichment")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Runner.Resume(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs resume")
		}
		if detach {
			return render(os.Stdout, format, job, func(w io.Writer) { formatJobDetail(w, job) })
		}
		return driveJob(ctx, env, job, format)
	},
}

// driveJob runs a job in-process: to completion when the job chains,
// otherwise one batch. Interrupting leaves the job running with its cursor
// intact so it can be continued by resume or by the server supervisor.
func driveJob(ctx context.Context, env *appEnv, job *model.Job, format string) error {
	run := env.Runner.RunBatch
	if job.Chain {
		run = env.Runner.Run
	}
	res, runErr := run(ctx, job.ID)
	if runErr != nil && ctx.Err() != nil {
		zap.L().Warn("job interrupted", zap.String("job_id", job.ID), zap.Error(runErr))
	}

	// Read back with a fresh context: ctx may already be cancelled.
	final, err := env.Store.GetJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return eris.Wrap(err, "jobs: reload job")
	}
	out := struct {
		Job   *model.Job       `json:"job" yaml:"job"`
		Batch jobs.BatchResult `json:"batch" yaml:"batch"`
	}{final, res}
	if err := render(os.Stdout, format, out, func(w io.Writer) {
		formatJobDetail(w, final)
		formatKeyValues(w, [][2]any{
			{"This run processed", res.Processed},
			{"Succeeded", res.Succeeded},
			{"Failed", res.Failed},
			{"Skipped", res.Skipped},
			{"More remaining", res.More},
		})
	}); err != nil {
		return err
	}
	if runErr != nil {
		return eris.Wrap(runErr, "jobs: run")
	}
	return nil
}

// -- jobs pause --

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a running job after its in-flight prospect",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		// Pausing never calls the model, so a store-only runner is enough.
		runner := jobs.NewRunner(env.Store, jobs.Config{}, env.Metrics)
		job, err := runner.Pause(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs pause")
		}
		return render(os.Stdout, format, job, func(w io.Writer) { formatJobDetail(w, job) })
	},
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Store.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Kind:   model.JobKind(kind),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}
		if len(list) == 0 && format == formatTable {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		return render(os.Stdout, format, list, func(w io.Writer) { formatJobsTable(w, list) })
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's progress and cursor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Store.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		return render(os.Stdout, format, job, func(w io.Writer) { formatJobDetail(w, job) })
	},
}

// -- jobs failures --

var jobsFailuresCmd = &cobra.Command{
	Use:   "failures <job-id>",
	Short: "List per-prospect failure reasons recorded by a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Store.ListJobFailures(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs failures")
		}
		if len(list) == 0 && format == formatTable {
			fmt.Fprintln(os.Stderr, "No failures recorded.")
			return nil
		}
		return render(os.Stdout, format, list, func(w io.Writer) { formatFailuresTable(w, list) })
	},
}

func init() {
	jobsStartCmd.Flags().String("kind", string(model.JobKindEnrichment), "job kind (enrichment, icebreaker)")
	jobsStartCmd.Flags().Int("batch-size", jobs.DefaultBatchSize, "prospects per batch (default from config)")
	jobsStartCmd.Flags().Bool("chain", true, "keep running batches until the job completes")
	jobsStartCmd.Flags().Bool("force", false, "regenerate existing icebreakers (icebreaker jobs only)")
	jobsStartCmd.Flags().Bool("detach", false, "create the job without running it")
	addFormatFlag(jobsStartCmd)

	jobsResumeCmd.Flags().Bool("detach", false, "mark the job running without running it")
	addFormatFlag(jobsResumeCmd)

	addFormatFlag(jobsPauseCmd)

	jobsListCmd.Flags().String("status", "", "filter by status (running, paused, completed)")
	jobsListCmd.Flags().String("kind", "", "filter by kind (enrichment, icebreaker)")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")
	addFormatFlag(jobsListCmd)

	addFormatFlag(jobsShowCmd)
	addFormatFlag(jobsFailuresCmd)

	jobsCmd.AddCommand(jobsStartCmd, jobsResumeCmd, jobsPauseCmd, jobsListCmd, jobsShowCmd, jobsFailuresCmd)
	rootCmd.AddCommand(jobsCmd)
}
