package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/user/agentfs/internal/types"
)

var (
	faintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boldStyle  = lipgloss.NewStyle().Bold(true)
)

func stateColor(s types.State) lipgloss.Color {
	switch s {
	case types.StateAccepted:
		return lipgloss.Color("2")
	case types.StateRejected:
		return lipgloss.Color("3")
	case types.StateErrored:
		return lipgloss.Color("1")
	case types.StateReviewing:
		return lipgloss.Color("5")
	case types.StateQueued:
		return lipgloss.Color("8")
	}
	return lipgloss.Color("4")
}

// stateLabel pads before styling so tabwriter columns stay aligned.
func stateLabel(s types.State) string {
	return lipgloss.NewStyle().Foreground(stateColor(s)).Render(fmt.Sprintf("%-10s", s))
}

func shortID(id types.AgentID) string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return d.String()
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func printAgents(w io.Writer, recs []*types.AgentRecord) error {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No agents.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPRIORITY\tAGE\tTASK")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			shortID(rec.AgentID),
			stateLabel(rec.State),
			rec.Priority,
			age(rec.StateChangedAt),
			oneLine(rec.Task, 60),
		)
	}
	return tw.Flush()
}

func printAgent(w io.Writer, rec *types.AgentRecord) {
	fmt.Fprintf(w, "%s %s\n", boldStyle.Render(string(rec.AgentID)), stateLabel(rec.State))
	fmt.Fprintf(w, "  priority: %s\n", rec.Priority)
	fmt.Fprintf(w, "  created:  %s\n", rec.CreatedAt.Format(time.RFC3339))
	if rec.Origin != "" {
		fmt.Fprintf(w, "  origin:   %s\n", rec.Origin)
	}
	fmt.Fprintf(w, "  task:     %s\n", oneLine(rec.Task, 200))
	if rec.Submission != nil {
		fmt.Fprintf(w, "  summary:  %s\n", rec.Submission.Summary)
		for _, p := range rec.Submission.Changed {
			fmt.Fprintf(w, "            %s\n", faintStyle.Render(p))
		}
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", rec.Error)
	}
}

func printEvents(w io.Writer, events []*types.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tFROM\tTO\tCAUSE")
	for _, ev := range events {
		from := string(ev.From)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.Timestamp.Format(time.RFC3339), from, ev.To, ev.Cause)
	}
	return tw.Flush()
}

func printChanges(w io.Writer, changes []types.Change) {
	if len(changes) == 0 {
		fmt.Fprintln(w, "No changes.")
		return
	}
	for _, c := range changes {
		marker := "~"
		switch c.Kind {
		case types.ChangeAdded:
			marker = "+"
		case types.ChangeRemoved:
			marker = "-"
		}
		fmt.Fprintf(w, "%s %s\n", marker, c.Path)
	}
}

var stdout io.Writer = os.Stdout
