package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd, connectCmd, disconnectCmd, loginCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Session:       %s\n", resp.Session)
			fmt.Printf("State:         %s\n", resp.State)
			fmt.Printf("User:          %d\n", resp.UserID)
			fmt.Printf("Uptime:        %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
			fmt.Printf("Rooms:         %v\n", resp.Rooms)
			fmt.Printf("Pending sends: %d\n", resp.PendingSends)
			fmt.Printf("Cached:        %d conversations, %d messages\n", resp.ConversationCount, resp.MessageCount)
			return nil
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open the live connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Connect(ctx)
			if err != nil {
				return err
			}
			fmt.Println(resp.State)
			return nil
		})
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Close the live connection and stop reconnecting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Disconnect(ctx)
			if err != nil {
				return err
			}
			fmt.Println(resp.State)
			return nil
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Store the access token of a session",
	Long:  "Store the access token used by the daemon. Reads the token from stdin when no argument is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := sessionName()
		if err != nil {
			return err
		}
		var token string
		if len(args) == 1 {
			token = args[0]
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			token = string(data)
		}
		id, err := session.ParseIdentity(strings.TrimSpace(token))
		if err != nil {
			return err
		}
		if err := session.SaveToken(name, token); err != nil {
			return err
		}
		p := id.Participant()
		fmt.Printf("Session %q logged in as %d (%s). Restart the daemon to apply.\n", name, p.ID, p.DisplayName)
		return nil
	},
}
