package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/clipagent/internal/jobs"
	"github.com/Dicklesworthstone/clipagent/internal/notify"
	"github.com/Dicklesworthstone/clipagent/internal/router"
)

var submitCmd = &cobra.Command{
	Use:   "submit <url>",
	Short: "Save a video or page and track its processing",
	Long: `Submit a link for processing. The daemon polls the job until it
finishes; use --wait to block until then.

Examples:
  clipagent submit https://youtu.be/dQw4w9WgXcQ
  clipagent submit https://www.tiktok.com/@user/video/123 --analyze-frames --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List tracked jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect or control a single job",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the current state of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobAction(router.TypeCancelJob, "Cancelled"),
}

var jobDismissCmd = &cobra.Command{
	Use:   "dismiss <job-id>",
	Short: "Stop tracking a job and drop it from the list",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobAction(router.TypeDismissJob, "Dismissed"),
}

func init() {
	submitCmd.Flags().String("title", "", "title to store with the item")
	submitCmd.Flags().Bool("analyze-frames", false, "request frame analysis (default from settings)")
	submitCmd.Flags().Bool("wait", false, "wait until the job finishes")
	submitCmd.Flags().Bool("json", false, "output in JSON format")

	jobsCmd.Flags().Bool("sync", false, "refresh the list from the server first")
	jobsCmd.Flags().Bool("json", false, "output in JSON format")

	jobStatusCmd.Flags().Bool("json", false, "output in JSON format")

	jobCmd.AddCommand(jobStatusCmd, jobCancelCmd, jobDismissCmd)
	rootCmd.AddCommand(submitCmd, jobsCmd, jobCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	wait, _ := cmd.Flags().GetBool("wait")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	payload := map[string]any{"resourceRef": args[0], "title": title}
	if cmd.Flags().Changed("analyze-frames") {
		analyze, _ := cmd.Flags().GetBool("analyze-frames")
		payload["options"] = map[string]bool{"analyzeFrames": analyze}
	}

	c, err := client()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var events <-chan notify.Event
	if wait {
		// Subscribe first so no update between submit and subscribe is lost.
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		events, err = c.Subscribe(ctx)
		if err != nil {
			return err
		}
	}

	var data router.JobData
	if err := c.Send(ctx, router.TypeSubmitJob, payload, &data); err != nil {
		return err
	}
	job := data.Job

	if wait && job != nil && !job.Status.IsTerminal() {
		job = waitForJob(cmd, events, job)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), job)
	}
	fmt.Fprintln(cmd.OutOrStdout(), jobLine(job, 60))
	if job != nil && job.Status == jobs.StatusFailed {
		return fmt.Errorf("job %s failed", job.ID)
	}
	return nil
}

// waitForJob follows the event stream until job reaches a terminal state
// or the stream ends.
func waitForJob(cmd *cobra.Command, events <-chan notify.Event, job *jobs.Job) *jobs.Job {
	last := ""
	for ev := range events {
		if ev.Type != notify.TypeJobUpdated || ev.Subject != job.ID {
			continue
		}
		var updated jobs.Job
		if err := ev.Decode(&updated); err != nil {
			continue
		}
		job = &updated

		label := jobs.Project(jobs.ProjectionInput{LoggedIn: true, Job: job}).Label
		if label != last {
			fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("  "+label))
			last = label
		}
		if job.Status.IsTerminal() {
			break
		}
	}
	return job
}

func runJobs(cmd *cobra.Command, args []string) error {
	syncFirst, _ := cmd.Flags().GetBool("sync")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var data router.JobsData
	if err := send(cmd.Context(), router.TypeGetActiveJobs, map[string]bool{"sync": syncFirst}, &data); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), data)
	}

	out := cmd.OutOrStdout()
	if len(data.Active) == 0 && len(data.Finished) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No jobs."))
		return nil
	}
	if len(data.Active) > 0 {
		fmt.Fprintln(out, keyStyle.Render("Active"))
		for _, job := range data.Active {
			fmt.Fprintln(out, jobLine(job, 60))
		}
	}
	if len(data.Finished) > 0 {
		if len(data.Active) > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, keyStyle.Render("Finished"))
		for _, job := range data.Finished {
			fmt.Fprintln(out, jobLine(job, 60))
		}
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	var data router.JobStatusData
	if err := send(cmd.Context(), router.TypeGetJobStatus, map[string]string{"jobId": args[0]}, &data); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), data)
	}
	if data.Job == nil {
		data.Job = &jobs.Job{ID: args[0], Status: data.Status, Progress: data.Progress, Error: data.Error}
	}
	fmt.Fprintln(cmd.OutOrStdout(), jobLine(data.Job, 60))
	return nil
}

func runJobAction(typ, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := send(cmd.Context(), typ, map[string]string{"jobId": args[0]}, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, args[0])
		return nil
	}
}
