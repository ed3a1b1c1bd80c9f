package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"semaphore/lessons/internal/roster"
)

func watchCmd() *cobra.Command {
	var interval time.Duration
	var clearScreen bool
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow the roster of a live session",
		Long: `Show the roster and refresh it every --interval. Edits typed on stdin are
shown at once and sent in the background; a rejected edit is reported and
the roster reloaded.

Edit commands:
  <student> present|absent|late|excused
  <student> grade <n>
  <student> summary <text>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			renderer := &snapshotRenderer{out: out, format: outputFmt, clear: clearScreen && outputFmt == "table"}
			view := roster.New(getClient(cmd), args[0], renderer, roster.Options{Interval: interval})

			go readEdits(ctx, cmd.InOrStdin(), view, cmd.ErrOrStderr())
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case notice := <-view.Notices():
						fmt.Fprintf(cmd.ErrOrStderr(), "edit for %s rejected: %v\n", notice.StudentID, notice.Err)
					}
				}
			}()
			return view.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", roster.DefaultInterval, "Refresh interval")
	cmd.Flags().BoolVar(&clearScreen, "clear", true, "Clear the screen before each table")
	return cmd
}

func readEdits(ctx context.Context, in io.Reader, view *roster.View, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		studentID, update, err := parseEditLine(line)
		if err != nil {
			fmt.Fprintln(errOut, err)
			continue
		}
		if err := view.Edit(ctx, studentID, update); err != nil {
			return
		}
	}
}

type snapshotRenderer struct {
	out    io.Writer
	format string
	clear  bool
}

func (r *snapshotRenderer) Render(s roster.Snapshot) {
	if r.clear {
		fmt.Fprint(r.out, "\033[H\033[2J")
	}
	_ = outputResult(r.out, s.State, r.format)
	if r.format != "table" {
		return
	}
	status := "synced " + formatClock(s.Synced)
	if s.Synced.IsZero() {
		status = "loading"
	}
	if s.Pending > 0 {
		status += fmt.Sprintf(", %d edit(s) pending", s.Pending)
	}
	if s.PollErr != nil {
		status += fmt.Sprintf(", refresh failed: %v", s.PollErr)
	}
	fmt.Fprintf(r.out, "\n[%s]\n", status)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
