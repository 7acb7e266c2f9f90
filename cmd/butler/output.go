package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/autonomous-butler/butler-core/pkg/api"
)

func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// stateString colors a task, agent or component state.
func stateString(state string) string {
	switch state {
	case "succeeded", "active", "healthy", "operational":
		return color.GreenString(state)
	case "failed", "abandoned", "unhealthy":
		return color.RedString(state)
	case "dispatched", "running", "degraded", "disabled":
		return color.YellowString(state)
	case "pending":
		return color.CyanString(state)
	default:
		return state
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func printTasks(w io.Writer, tasks []api.Task) {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tCAPABILITY\tSTATE\tATTEMPTS\tAGENT\tUPDATED")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.ID, t.Capability, stateString(t.State), t.Attempts, t.MaxAttempts, dash(t.AgentID), t.UpdatedAt.Format("15:04:05"))
	}
	_ = tw.Flush()
}

func printTask(w io.Writer, t api.Task) {
	tw := newTable(w)
	fmt.Fprintf(tw, "id:\t%s\n", t.ID)
	fmt.Fprintf(tw, "capability:\t%s\n", t.Capability)
	fmt.Fprintf(tw, "state:\t%s\n", stateString(t.State))
	fmt.Fprintf(tw, "priority:\t%d\n", t.Priority)
	fmt.Fprintf(tw, "attempts:\t%d/%d\n", t.Attempts, t.MaxAttempts)
	fmt.Fprintf(tw, "agent:\t%s\n", dash(t.AgentID))
	if t.NotBefore != nil {
		fmt.Fprintf(tw, "retry after:\t%s\n", t.NotBefore.Format("15:04:05.000"))
	}
	if t.Error != "" {
		fmt.Fprintf(tw, "error:\t%s\n", color.RedString(t.Error))
	}
	_ = tw.Flush()
	if len(t.Output) > 0 {
		fmt.Fprintf(w, "output:\n%s\n", indentJSON(t.Output))
	}
}

func printEvents(w io.Writer, events []api.Event) {
	tw := newTable(w)
	fmt.Fprintln(tw, "AT\tTASK\tEVENT\tAGENT\tATTEMPT\tDETAIL")
	for _, ev := range events {
		what := ev.From + " -> " + stateString(ev.State)
		if ev.Kind == "result" {
			what = "result " + ev.Outcome
		}
		detail := ev.Error
		if ev.DurationMS > 0 {
			detail = fmt.Sprintf("%dms %s", ev.DurationMS, detail)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			ev.At.Format("15:04:05.000"), ev.TaskID, what, dash(ev.AgentID), ev.Attempt, detail)
	}
	_ = tw.Flush()
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return string(raw)
	}
	return "  " + string(b)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
