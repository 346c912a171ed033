package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"LLM-Orchestra/internal/orchestrator"
	"LLM-Orchestra/sdk/go/orchestra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var e execOptions
	cmd := &cobra.Command{
		Use:   "run <command...>",
		Short: "Run one command and print its outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), opts, sessionOr(opts, orchestrator.DefaultSessionID))
			if err != nil {
				return err
			}
			defer b.Close()

			out, err := b.Run(cmd.Context(), strings.Join(args, " "), e)
			if out.Status == "" {
				return err
			}
			if renderErr := printOutcome(cmd.OutOrStdout(), out, opts.asJSON); renderErr != nil {
				return renderErr
			}
			if err != nil {
				return err
			}
			return statusError(out)
		},
	}
	addExecFlags(cmd, &e)
	return cmd
}

func newShellCmd(opts *rootOptions) *cobra.Command {
	var e execOptions
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Read commands interactively within one session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID := sessionOr(opts, uuid.NewString())
			b, err := openBackend(cmd.Context(), opts, sessionID)
			if err != nil {
				return err
			}
			defer b.Close()

			w := cmd.OutOrStdout()
			in := bufio.NewScanner(cmd.InOrStdin())
			fmt.Fprintf(w, "session %s, type \"exit\" to quit\n", sessionID)
			for {
				fmt.Fprint(w, "orchestra> ")
				if !in.Scan() {
					fmt.Fprintln(w)
					return in.Err()
				}
				line := strings.TrimSpace(in.Text())
				switch strings.ToLower(line) {
				case "":
					continue
				case "exit", "quit":
					return nil
				}

				out, err := b.Run(cmd.Context(), line, e)
				if out.Status == "" && err != nil {
					fmt.Fprintf(w, "error: %v\n", err)
					continue
				}
				if out.NeedsConfirmation && !e.confirm && !out.DryRun {
					_ = printOutcome(w, out, opts.asJSON)
					fmt.Fprint(w, "confirm? [y/N] ")
					if !in.Scan() {
						fmt.Fprintln(w)
						return in.Err()
					}
					if answer := strings.ToLower(strings.TrimSpace(in.Text())); answer != "y" && answer != "yes" {
						fmt.Fprintln(w, "cancelled")
						continue
					}
					confirmed := e
					confirmed.confirm = true
					out, err = b.Run(cmd.Context(), line, confirmed)
					if out.Status == "" && err != nil {
						fmt.Fprintf(w, "error: %v\n", err)
						continue
					}
				}
				if renderErr := printOutcome(w, out, opts.asJSON); renderErr != nil {
					return renderErr
				}
				if err != nil {
					fmt.Fprintf(w, "error: %v\n", err)
				}
			}
		},
	}
	addExecFlags(cmd, &e)
	return cmd
}

func newUndoCmd(opts *rootOptions) *cobra.Command {
	var e execOptions
	cmd := &cobra.Command{
		Use:   "undo [action-id]",
		Short: "Undo an action, the most recent undoable one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), opts, sessionOr(opts, orchestrator.DefaultSessionID))
			if err != nil {
				return err
			}
			defer b.Close()

			var actionID string
			if len(args) == 1 {
				actionID = args[0]
			}
			out, err := b.Undo(cmd.Context(), actionID, e)
			if out.Status == "" {
				return err
			}
			if renderErr := printOutcome(cmd.OutOrStdout(), out, opts.asJSON); renderErr != nil {
				return renderErr
			}
			if err != nil {
				return err
			}
			return statusError(out)
		},
	}
	addExecFlags(cmd, &e)
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the command history of the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBackend(cmd.Context(), opts, sessionOr(opts, orchestrator.DefaultSessionID))
			if err != nil {
				return err
			}
			defer b.Close()

			history, err := b.History(cmd.Context())
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), nonNil(history))
			}
			printHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
}

func newActionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List recorded actions of the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := openBackend(cmd.Context(), opts, sessionOr(opts, orchestrator.DefaultSessionID))
			if err != nil {
				return err
			}
			defer b.Close()

			actions, err := b.Actions(cmd.Context())
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), nonNil(actions))
			}
			printActions(cmd.OutOrStdout(), actions)
			return nil
		},
	}
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the session, its references and action log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID := sessionOr(opts, orchestrator.DefaultSessionID)
			b, err := openBackend(cmd.Context(), opts, sessionID)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s cleared\n", sessionID)
			return nil
		},
	}
}

// statusError 让未完全成功的命令以非零状态退出。
func statusError(out orchestra.Outcome) error {
	if out.Succeeded() {
		return nil
	}
	return fmt.Errorf("command %s", out.Status)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
