package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"LLM-Orchestra/internal/orchestrator"
	"LLM-Orchestra/sdk/go/orchestra"
)

var errServerRequired = errors.New("task commands need a running orchestrad, set --server")

func newTaskCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect asynchronous commands on orchestrad",
	}
	cmd.AddCommand(
		newTaskSubmitCmd(opts),
		newTaskGetCmd(opts),
		newTaskListCmd(opts),
	)
	return cmd
}

func taskClient(opts *rootOptions) (*orchestra.Client, error) {
	if opts.serverURL == "" {
		return nil, errServerRequired
	}
	client, err := orchestra.NewClient(opts.serverURL, nil)
	if err != nil {
		return nil, err
	}
	client.SetSession(sessionOr(opts, orchestrator.DefaultSessionID))
	return client, nil
}

func newTaskSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		e      execOptions
		taskID string
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <command...>",
		Short: "Queue a command, optionally waiting for its outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := taskClient(opts)
			if err != nil {
				return err
			}
			submitted, err := client.Submit(cmd.Context(), orchestra.CommandRequest{
				Command:   strings.Join(args, " "),
				SessionID: client.Session(),
				DryRun:    e.dryRun,
				Confirm:   e.confirm,
				TaskID:    taskID,
			})
			if err != nil {
				return err
			}
			if wait <= 0 {
				return printTask(cmd.OutOrStdout(), submitted, opts.asJSON)
			}
			done, err := client.WaitTask(cmd.Context(), submitted.ID, wait)
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), done, opts.asJSON)
		},
	}
	addExecFlags(cmd, &e)
	cmd.Flags().StringVar(&taskID, "id", "", "task id for idempotent submission")
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll interval; when set, wait for the task to finish")
	return cmd
}

func newTaskGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task and its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := taskClient(opts)
			if err != nil {
				return err
			}
			t, err := client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTask(cmd.OutOrStdout(), t, opts.asJSON)
		},
	}
}

func newTaskListCmd(opts *rootOptions) *cobra.Command {
	var (
		statuses []string
		limit    int
		query    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks of the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := taskClient(opts)
			if err != nil {
				return err
			}
			tasks, err := client.ListTasks(cmd.Context(), orchestra.TaskFilter{
				SessionID: client.Session(),
				Statuses:  statuses,
				Query:     query,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), nonNil(tasks))
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tCOMMAND")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Attempts, t.Command)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (queued, running, succeeded, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks")
	cmd.Flags().StringVarP(&query, "query", "q", "", "match id, command or last error")
	return cmd
}
