package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"LLM-Orchestra/sdk/go/orchestra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOutcome(w io.Writer, out orchestra.Outcome, asJSON bool) error {
	if asJSON {
		return printJSON(w, out)
	}
	status := out.Status
	if out.DryRun {
		status += ", dry-run"
	}
	fmt.Fprintf(w, "[%s] %s\n", status, out.Command)
	if out.Message != "" {
		fmt.Fprintf(w, "  %s\n", out.Message)
	}
	for _, step := range out.Steps {
		line := fmt.Sprintf("  %d. %s.%s  %s", step.Index, step.Service, step.Action, step.Status)
		switch {
		case step.Summary != "":
			line += "  " + step.Summary
		case step.Error != "":
			line += "  " + step.Error
		case step.SkipReason != "":
			line += "  (" + step.SkipReason + ")"
		}
		if step.ActionID != "" {
			line += "  [" + step.ActionID + "]"
		}
		fmt.Fprintln(w, line)
		if step.Suggestion != "" {
			fmt.Fprintf(w, "     hint: %s\n", step.Suggestion)
		}
	}
	if len(out.Unresolved) > 0 {
		fmt.Fprintf(w, "  could not resolve: %s\n", strings.Join(out.Unresolved, ", "))
	}
	for _, warning := range out.Warnings {
		fmt.Fprintf(w, "  ! %s\n", warning)
	}
	if out.NeedsConfirmation {
		fmt.Fprintln(w, "  high-risk action needs confirmation, rerun with --yes")
	}
	if out.Suggestion != "" && len(out.Steps) == 0 {
		fmt.Fprintf(w, "  hint: %s\n", out.Suggestion)
	}
	if len(out.History) > 0 {
		printHistory(w, out.History)
	}
	return nil
}

func printHistory(w io.Writer, history []orchestra.HistoryEntry) {
	if len(history) == 0 {
		fmt.Fprintln(w, "no history")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, h := range history {
		status := h.Status
		if h.DryRun {
			status += " (dry-run)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.At.Local().Format(time.TimeOnly), status, h.Command, h.Summary)
	}
	_ = tw.Flush()
}

func printActions(w io.Writer, actions []orchestra.Action) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "no recorded actions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tRISK\tUNDOABLE\tRESULT")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s.%s\t%s\t%t\t%s\n", a.ActionID, a.Service, a.Action, a.Risk, a.Undoable, a.ResultSummary)
	}
	_ = tw.Flush()
}

func printTask(w io.Writer, t orchestra.Task, asJSON bool) error {
	if asJSON {
		return printJSON(w, t)
	}
	fmt.Fprintf(w, "task %s  %s  attempts=%d/%d  session=%s\n", t.ID, t.Status, t.Attempts, t.MaxRetries, t.SessionID)
	if t.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", t.LastError)
	}
	if t.Outcome != nil {
		return printOutcome(w, *t.Outcome, false)
	}
	return nil
}
