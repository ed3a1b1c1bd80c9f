// lessonctl is the command line console for live lessons.
//
// Usage:
//
//	lessonctl start --class robotics-a --kruzhok robotics --title "Line followers"
//	lessonctl credential <session-id> --png qr.png
//	lessonctl watch <session-id>
//	lessonctl mark <session-id> <student-id> --status excused --grade 4
//	lessonctl end <session-id>
//	lessonctl scan --camera ./frames
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"semaphore/lessons/internal/clients"
)

var (
	version   = "dev"
	outputFmt string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lessonctl",
		Short: "Run live lessons from the command line",
		Long: `lessonctl talks to the lessons service.

Mentors start, watch and end sessions and edit the roster; students scan
the session code to check in. The server and bearer token come from
--server/--token or LESSONS_SERVER/LESSONS_TOKEN.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("server", "http://localhost:8085", "Lessons API base URL")
	rootCmd.PersistentFlags().String("token", "", "Bearer token")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(credentialCmd())
	rootCmd.AddCommand(markCmd())
	rootCmd.AddCommand(endCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(tokenCmd())

	return rootCmd
}

// settings resolves a flag, falling back to LESSONS_<NAME>.
func settings(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("lessons")
	v.AutomaticEnv()
	_ = v.BindPFlags(cmd.Flags())
	return v
}

// getClientFunc builds the API client. Tests replace it.
var getClientFunc = defaultGetClient

func getClient(cmd *cobra.Command) *clients.Client {
	return getClientFunc(cmd)
}

func defaultGetClient(cmd *cobra.Command) *clients.Client {
	v := settings(cmd)
	return clients.New(v.GetString("server"), v.GetString("token"),
		clients.WithHTTPClient(&http.Client{Timeout: v.GetDuration("timeout")}))
}
