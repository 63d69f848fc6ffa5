package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/op3/ucesb-sub002/internal/observability"
	"github.com/op3/ucesb-sub002/internal/reader"
	"github.com/op3/ucesb-sub002/pkg/event"
)

func newReadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read [host:port]",
		Short: "Connect to a server and count the events it sends",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := "localhost:6000"
			if len(args) == 1 {
				addr = args[0]
			}
			protocol, _ := cmd.Flags().GetString("protocol")
			verbose, _ := cmd.Flags().GetBool("verbose")
			duration, _ := cmd.Flags().GetDuration("duration")
			level, _ := cmd.Flags().GetString("log-level")

			logger, closeLog, err := observability.NewLogger(observability.LoggingConfig{
				Level:  level,
				Format: "text",
				Output: "stderr",
			})
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if duration > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, duration)
				defer stop()
			}

			c, err := reader.Dial(ctx, addr, protocol, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			info := c.Info()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connected to %s (%s): bufsize=%d streambufs=%d\n", addr, protocol, info.BufSize, info.StreamBufs)

			start := time.Now()
			err = c.Run(ctx, func(ev *event.Record) error {
				if verbose {
					fmt.Fprintf(out, "event %d type=%d/%d payload=%d sticky=%t\n",
						ev.Header.Count, ev.Header.Type, ev.Header.Subtype, ev.PayloadSize(), ev.IsSticky())
				}
				return nil
			})
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = nil
			}

			s := c.Stats
			fmt.Fprintf(out, "streams=%d buffers=%d events=%d sticky=%d bytes=%d elapsed=%s\n",
				s.Streams, s.Buffers, s.Events, s.StickyEvents, s.Bytes, time.Since(start).Round(time.Millisecond))
			return err
		},
	}
	cmd.Flags().String("protocol", reader.ProtocolTransport, "protocol to use: trans or stream")
	cmd.Flags().BoolP("verbose", "v", false, "print every event")
	cmd.Flags().Duration("duration", 0, "stop after this long (0 reads until the server ends the stream)")
	return cmd
}
