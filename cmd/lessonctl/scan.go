package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"semaphore/lessons/internal/scanner"
)

func scanCmd() *cobra.Command {
	var cameras []string
	var prefer string
	var retries int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Check in by scanning the session code",
		Long: `Read frames from a camera until a lesson code is found, then check in.

A camera is an image file or a directory of images read in name order.

Examples:
  lessonctl scan --camera ./frames
  lessonctl scan --camera front.png --camera ./back --prefer back`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := scanner.Options{
				OnStateChange: func(s scanner.State) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", s)
				},
			}
			if prefer != "" {
				opts.PreferDevice = func(d scanner.Device) bool {
					return strings.Contains(strings.ToLower(d.Label), strings.ToLower(prefer))
				}
			}
			s := scanner.New(scanner.ImageDirectories(cameras), scanner.NewQRDecoder(), getClient(cmd), opts)
			defer s.Close()

			result, err := s.Scan(ctx)
			for attempt := 0; err != nil && attempt < retries && retryable(err); attempt++ {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", scanner.Message(err))
				result, err = s.Retry(ctx)
			}
			if err != nil {
				return fmt.Errorf("%s (%w)", scanner.Message(err), err)
			}
			return outputResult(cmd.OutOrStdout(), result, outputFmt)
		},
	}
	cmd.Flags().StringArrayVar(&cameras, "camera", nil, "Image file or directory to read frames from")
	cmd.Flags().StringVar(&prefer, "prefer", "", "Open the camera whose name contains this")
	cmd.Flags().IntVar(&retries, "retries", 2, "Resubmissions after a network failure")
	_ = cmd.MarkFlagRequired("camera")
	return cmd
}

func retryable(err error) bool {
	var scanErr *scanner.Error
	return errors.As(err, &scanErr) && scanErr.Retryable
}
