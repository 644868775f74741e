package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/protocol"
	"github.com/spf13/cobra"
)

var (
	messagesBefore string
	messagesLimit  int
	sendType       string
	sendReplyTo    int64
	typingStop     bool
	searchConv     int64
	searchLimit    int
)

func init() {
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "only messages older than this RFC3339 time or unix ms")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "max messages to return")
	sendCmd.Flags().StringVar(&sendType, "type", string(protocol.TypeText), "message type (text, image, file)")
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "id of the message being replied to")
	typingCmd.Flags().BoolVar(&typingStop, "stop", false, "stop typing instead of reporting a keystroke")
	searchCmd.Flags().Int64Var(&searchConv, "conversation", 0, "restrict search to a conversation")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "max results")

	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, retryCmd, readCmd,
		typingCmd, joinCmd, leaveCmd, presenceCmd, searchCmd)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func parseBefore(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid --before %q: want RFC3339 or unix ms", s)
	}
	return t.UnixMilli(), nil
}

func printMessages(w io.Writer, msgs []protocol.Message) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range msgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			m.CreatedAt.Local().Format("2006-01-02 15:04"), m.ID, m.Sender.DisplayName, m.Status, m.Content)
	}
	_ = tw.Flush()
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListConversations(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Conversations) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWITH\tUNREAD\tLAST MESSAGE")
			for _, conv := range resp.Conversations {
				last := "-"
				if !conv.LastMessageAt.IsZero() {
					last = conv.LastMessageAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", conv.ID, conv.OtherParticipant.DisplayName, conv.UnreadCount, last)
			}
			return tw.Flush()
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation>",
	Short: "List messages of a conversation, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		before, err := parseBefore(messagesBefore)
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListMessages(ctx, &api.ListMessagesRequest{ConversationID: conv, BeforeMs: before, Limit: messagesLimit})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if resp.HasMore {
				fmt.Println("(older messages available)")
			}
			printMessages(os.Stdout, resp.Messages)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		req := &api.SendRequest{
			ConversationID: conv,
			Content:        strings.Join(args[1:], " "),
			Type:           protocol.MessageType(sendType),
			ReplyToID:      sendReplyTo,
		}
		if !req.Type.Valid() {
			return fmt.Errorf("invalid message type %q", sendType)
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Send(ctx, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("%s %s\n", resp.Message.ID, resp.Message.Status)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <conversation> <message-id>",
	Short: "Resend a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		id, err := protocol.ParseMessageID(args[1])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Retry(ctx, &api.RetryRequest{ConversationID: conv, ID: id})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("%s %s\n", resp.Message.ID, resp.Message.Status)
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation> <message-id>",
	Short: "Mark a conversation read up to a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		msg, err := parseID(args[1], "message id")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.MarkRead(ctx, &api.MarkReadRequest{ConversationID: conv, MessageID: msg})
		})
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <conversation>",
	Short: "Report a keystroke in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.Typing(ctx, &api.TypingRequest{ConversationID: conv, Stop: typingStop})
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <conversation>",
	Short: "Join a conversation room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.Join(ctx, conv)
		})
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <conversation>",
	Short: "Leave a conversation room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseID(args[0], "conversation")
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.Leave(ctx, conv)
		})
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence [user-id...]",
	Short: "Show online users, or the state of specific users",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &api.PresenceRequest{}
		for _, a := range args {
			id, err := parseID(a, "user id")
			if err != nil {
				return err
			}
			req.UserIDs = append(req.UserIDs, id)
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Presence(ctx, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			for _, u := range resp.Users {
				fmt.Printf("%d\t%s\n", u.UserID, u.State)
			}
			if len(req.UserIDs) == 0 {
				fmt.Printf("Online: %v\n", resp.Online)
			}
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Search cached messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &api.SearchRequest{Query: strings.Join(args, " "), ConversationID: searchConv, Limit: searchLimit}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Search(ctx, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, hit := range resp.Results {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", hit.Message.ConversationID, hit.Message.ID, hit.Snippet)
			}
			return tw.Flush()
		})
	},
}
