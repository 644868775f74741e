package main

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream daemon events until interrupted",
	Long:  "Stream daemon events whose kind starts with namespace, e.g. \"message.\" or \"typing.\". Without a namespace every event is shown.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ns string
		if len(args) == 1 {
			ns = args[0]
		}
		name, err := sessionName()
		if err != nil {
			return err
		}
		c, err := api.Dial(session.SocketPath(name))
		if err != nil {
			return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		stream, err := c.Watch(ctx, ns)
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			if jsonFlag {
				outputJSON(evt)
				continue
			}
			at := time.UnixMilli(evt.OccurredAtUnixMs).Format("15:04:05.000")
			fmt.Printf("%s %-22s %s\n", at, evt.Kind, evt.Payload)
		}
	},
}
