package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"semaphore/lessons/internal/lesson"
)

// outputResult writes result in the requested format.
func outputResult(w io.Writer, result interface{}, format string) error {
	switch format {
	case "json":
		return outputJSON(w, result)
	case "yaml":
		return outputYAML(w, result)
	default:
		return outputTable(w, result)
	}
}

func outputJSON(w io.Writer, result interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// outputYAML goes through JSON so field names match the API.
func outputYAML(w io.Writer, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return err
	}
	return encoder.Close()
}

// blockStyle drops the flow style yaml keeps from the JSON input.
func blockStyle(node *yaml.Node) {
	node.Style = 0
	for _, child := range node.Content {
		blockStyle(child)
	}
}

func outputTable(w io.Writer, result interface{}) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	switch r := result.(type) {
	case lesson.StartResult:
		fmt.Fprintf(tw, "SESSION\t%s\n", r.SessionID)
		fmt.Fprintf(tw, "STARTED\t%s\n", formatTime(r.StartedAt))
		if r.ExpiresAt != nil {
			fmt.Fprintf(tw, "EXPIRES\t%s\n", formatTime(*r.ExpiresAt))
		}
		fmt.Fprintf(tw, "CREDENTIAL\t%s\n", r.Credential)
	case lesson.Credential:
		fmt.Fprintf(tw, "SESSION\t%s\n", r.SessionID)
		fmt.Fprintf(tw, "ISSUED\t%s\n", formatTime(r.IssuedAt))
		if r.ExpiresAt != nil {
			fmt.Fprintf(tw, "EXPIRES\t%s\n", formatTime(*r.ExpiresAt))
		}
		fmt.Fprintf(tw, "CREDENTIAL\t%s\n", r.Value)
	case lesson.Session:
		outputSessionsTable(tw, []lesson.Session{r})
	case []lesson.Session:
		outputSessionsTable(tw, r)
	case lesson.State:
		outputStateTable(tw, r)
	case lesson.RosterRow:
		outputRowsTable(tw, []lesson.RosterRow{r})
	case lesson.CheckInResult:
		fmt.Fprintf(tw, "STATUS\t%s\n", r.Status)
		fmt.Fprintf(tw, "SESSION\t%s\n", r.SessionID)
		fmt.Fprintf(tw, "ATTENDANCE\t%s\n", r.Attendance)
		fmt.Fprintf(tw, "MARKED\t%s\n", formatTime(r.MarkedAt))
	default:
		// Fall back to JSON for unknown types
		return outputJSON(w, result)
	}
	return nil
}

func outputSessionsTable(w io.Writer, sessions []lesson.Session) {
	fmt.Fprintln(w, "ID\tTITLE\tCLASS\tSTATUS\tDATE\tENDED")
	for _, s := range sessions {
		ended := "-"
		if s.EndedAt != nil {
			ended = formatTime(*s.EndedAt)
			if s.EndReason != "" {
				ended += " (" + string(s.EndReason) + ")"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Title, s.ClassID, s.Status, formatTime(s.Date()), ended)
	}
}

func outputStateTable(w io.Writer, state lesson.State) {
	fmt.Fprintf(w, "SESSION\t%s\n", state.Session.ID)
	fmt.Fprintf(w, "TITLE\t%s\n", state.Session.Title)
	fmt.Fprintf(w, "STATUS\t%s\n", state.Session.Status)
	fmt.Fprintf(w, "DATE\t%s\n\n", formatTime(state.Session.Date()))
	outputRowsTable(w, state.Rows)
}

func outputRowsTable(w io.Writer, rows []lesson.RosterRow) {
	fmt.Fprintln(w, "STUDENT\tSTATUS\tGRADE\tSOURCE\tMARKED\tSUMMARY")
	for _, row := range rows {
		student := row.StudentID
		if !row.IsEnrolled {
			student += " (guest)"
		}
		grade := "-"
		if row.Grade != nil {
			grade = strconv.Itoa(*row.Grade)
		}
		summary := "-"
		if row.WorkSummary != nil {
			summary = truncate(*row.WorkSummary, 40)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			student, row.Status, grade, row.Source, formatClock(row.MarkedAt), summary)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
