package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"semaphore/lessons/internal/clients"
	"semaphore/lessons/internal/lesson"
)

func scheduleCmd() *cobra.Command {
	var classID, kruzhokID, title, at string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Plan a session for later",
		Long: `Create a SCHEDULED session. Start it later with "lessonctl start --session".

Examples:
  lessonctl schedule --class robotics-a --kruzhok robotics --at 2026-03-02T16:00:00+03:00`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scheduledAt, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at %q: want RFC 3339, e.g. 2026-03-02T16:00:00Z", at)
			}
			sess, err := getClient(cmd).ScheduleSession(cmd.Context(), clients.ScheduleSessionRequest{
				ClassID:     classID,
				KruzhokID:   kruzhokID,
				Title:       title,
				ScheduledAt: scheduledAt,
			})
			if err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), sess, outputFmt)
		},
	}
	cmd.Flags().StringVar(&classID, "class", "", "Class id")
	cmd.Flags().StringVar(&kruzhokID, "kruzhok", "", "Kruzhok (club) id")
	cmd.Flags().StringVar(&title, "title", "", "Lesson title (defaults to the class title)")
	cmd.Flags().StringVar(&at, "at", "", "Planned start, RFC 3339")
	_ = cmd.MarkFlagRequired("class")
	_ = cmd.MarkFlagRequired("kruzhok")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func startCmd() *cobra.Command {
	var req clients.StartSessionRequest
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a live session and print its credential",
		Long: `Start a session, either a new one for a class or a scheduled one.

Examples:
  # Start a new session
  lessonctl start --class robotics-a --kruzhok robotics --title "Line followers"

  # Start a scheduled session
  lessonctl start --session 6f1c2a7e-3b5d-4c8e-9a1f-2d3e4f5a6b7c`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.SessionID == "" && (req.ClassID == "" || req.KruzhokID == "") {
				return fmt.Errorf("either --session or both --class and --kruzhok are required")
			}
			result, err := getClient(cmd).StartSession(cmd.Context(), req)
			if err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), result, outputFmt)
		},
	}
	cmd.Flags().StringVar(&req.SessionID, "session", "", "Scheduled session to start")
	cmd.Flags().StringVar(&req.ClassID, "class", "", "Class id")
	cmd.Flags().StringVar(&req.KruzhokID, "kruzhok", "", "Kruzhok (club) id")
	cmd.Flags().StringVar(&req.Title, "title", "", "Lesson title (defaults to the class title)")
	return cmd
}

func listCmd() *cobra.Command {
	var status, mentorID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := clients.ListOptions{MentorID: mentorID, Limit: limit}
			if status != "" {
				parsed, err := lesson.ParseSessionStatus(status)
				if err != nil {
					return fmt.Errorf("invalid --status %q: want scheduled, live or ended", status)
				}
				opts.Status = parsed
			}
			sessions, err := getClient(cmd).ListSessions(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), sessions, outputFmt)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only sessions in this status")
	cmd.Flags().StringVar(&mentorID, "mentor", "", "Mentor to list for (admins only)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of sessions")
	return cmd
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <session-id>",
		Short: "Print the roster of a session once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := getClient(cmd).GetState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), state, outputFmt)
		},
	}
}

func credentialCmd() *cobra.Command {
	var pngPath string
	var rotate bool
	cmd := &cobra.Command{
		Use:   "credential <session-id>",
		Short: "Show the check-in credential of a live session",
		Long: `Show the current credential. Anyone holding it can check in, so show it
only in the classroom.

Examples:
  # Write the QR code students scan
  lessonctl credential 6f1c2a7e-3b5d-4c8e-9a1f-2d3e4f5a6b7c --png qr.png

  # Replace a leaked credential
  lessonctl credential 6f1c2a7e-3b5d-4c8e-9a1f-2d3e4f5a6b7c --rotate`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := getClient(cmd)
			sessionID := args[0]
			var cred lesson.Credential
			var err error
			if rotate {
				cred, err = client.RotateCredential(cmd.Context(), sessionID)
			} else {
				cred, err = client.Credential(cmd.Context(), sessionID)
			}
			if err != nil {
				return err
			}
			if pngPath != "" {
				png, err := client.CredentialPNG(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				if err := os.WriteFile(pngPath, png, 0o600); err != nil {
					return fmt.Errorf("writing %s: %w", pngPath, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "QR code written to %s\n", pngPath)
			}
			return outputResult(cmd.OutOrStdout(), cred, outputFmt)
		},
	}
	cmd.Flags().StringVar(&pngPath, "png", "", "Also write the QR code to this file")
	cmd.Flags().BoolVar(&rotate, "rotate", false, "Issue a new credential; the old one stops working")
	return cmd
}

func markCmd() *cobra.Command {
	var status, summary string
	var grade int
	cmd := &cobra.Command{
		Use:   "mark <session-id> <student-id>",
		Short: "Set a student's attendance, grade or work summary",
		Long: `Update one roster row. Only the fields given are changed.

Examples:
  lessonctl mark 6f1c... bob --status excused --grade 4
  lessonctl mark 6f1c... alice --summary "Built the line sensor"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update lesson.RecordUpdate
			if cmd.Flags().Changed("status") {
				parsed, err := lesson.ParseAttendance(status)
				if err != nil {
					return fmt.Errorf("invalid --status %q: want present, absent, late or excused", status)
				}
				update.Status = &parsed
			}
			if cmd.Flags().Changed("grade") {
				update.Grade = &grade
			}
			if cmd.Flags().Changed("summary") {
				update.WorkSummary = &summary
			}
			if update.Empty() {
				return fmt.Errorf("nothing to change: use --status, --grade or --summary")
			}
			row, err := getClient(cmd).UpdateRecord(cmd.Context(), args[0], args[1], update)
			if err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), row, outputFmt)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "present, absent, late or excused")
	cmd.Flags().IntVar(&grade, "grade", 0, "Grade")
	cmd.Flags().StringVar(&summary, "summary", "", "Work summary; empty clears it")
	return cmd
}

func endCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <session-id>",
		Short: "End a live session",
		Long:  `End the session. Its credential stops working at once; the roster is kept.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := getClient(cmd).EndSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), sess, outputFmt)
		},
	}
}

// parseEditLine turns an interactive watch command into a roster edit:
//
//	<student> present|absent|late|excused
//	<student> grade <n>
//	<student> summary <text...>
func parseEditLine(line string) (string, lesson.RecordUpdate, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", lesson.RecordUpdate{}, fmt.Errorf("expected: <student> <status> | <student> grade <n> | <student> summary <text>")
	}
	studentID, verb := fields[0], strings.ToLower(fields[1])
	switch verb {
	case "grade":
		if len(fields) != 3 {
			return "", lesson.RecordUpdate{}, fmt.Errorf("expected: %s grade <n>", studentID)
		}
		grade, err := strconv.Atoi(fields[2])
		if err != nil {
			return "", lesson.RecordUpdate{}, fmt.Errorf("invalid grade %q", fields[2])
		}
		return studentID, lesson.RecordUpdate{Grade: &grade}, nil
	case "summary":
		rest := strings.TrimSpace(line)
		rest = strings.TrimSpace(rest[len(fields[0]):])
		summary := strings.TrimSpace(rest[len(fields[1]):])
		return studentID, lesson.RecordUpdate{WorkSummary: &summary}, nil
	}
	status, err := lesson.ParseAttendance(verb)
	if err != nil || len(fields) != 2 {
		return "", lesson.RecordUpdate{}, fmt.Errorf("unknown command %q", line)
	}
	return studentID, lesson.RecordUpdate{Status: &status}, nil
}
