package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/spf13/cobra"
)

var (
	listLimit          int
	listArchived       bool
	messagesBefore     string
	networkConstrained bool
)

func init() {
	conversationsCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of conversations")
	conversationsCmd.Flags().BoolVar(&listArchived, "archived", false, "include archived conversations")
	messagesCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of messages")
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "page cursor from a previous listing")
	networkCmd.Flags().BoolVar(&networkConstrained, "constrained", false, "mark the link as constrained")

	rootCmd.AddCommand(statusCmd, syncCmd, conversationsCmd, openCmd, sendCmd,
		messagesCmd, readCmd, retryCmd, networkCmd, powerCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(st)
	}),
}

func printStatus(st *api.Status) error {
	if jsonOutput {
		return outputJSON(st)
	}
	fmt.Printf("Profile:  %s\n", st.Profile)
	fmt.Printf("User:     %s\n", valueOr(st.UserID, "(not signed in)"))
	fmt.Printf("Network:  %s\n", onOff(st.Online, "online", "offline"))
	if st.Reachability.Constrained {
		fmt.Println("          constrained link")
	}
	fmt.Printf("Power:    %s\n", onOff(st.PowerConstrained, "low power", "normal"))
	fmt.Printf("Syncing:  %v\n", st.Syncing)
	fmt.Printf("Pending:  %d\n", st.Pending)
	fmt.Printf("Failed:   %d\n", st.Failed)
	if st.LastDrainAt > 0 {
		fmt.Printf("Drained:  %s\n", time.UnixMilli(st.LastDrainAt).Format(time.RFC3339))
	}
	fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	return nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver pending records now",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
		res, err := c.Sync(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(res)
		}
		if !res.Online {
			fmt.Printf("Offline; %d record(s) waiting.\n", res.Pending)
			return nil
		}
		fmt.Printf("Sync done; %d record(s) still pending.\n", res.Pending)
		return nil
	}),
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
		convs, err := c.Conversations(ctx, listLimit, listArchived)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, cv := range convs {
			name := valueOr(cv.DisplayName, strings.Join(cv.ParticipantIDs, ", "))
			fmt.Printf("%-24s %-20s unread=%-3d %-7s %s\n",
				cv.ID, truncate(name, 20), cv.UnreadCount, cv.SyncStatus, truncate(cv.LastMessageText, 40))
		}
		return nil
	}),
}

var openCmd = &cobra.Command{
	Use:   "open <peer>",
	Short: "Open the conversation with a peer, creating it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		conv, err := c.Open(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(conv)
		}
		fmt.Printf("Conversation %s (%s)\n", conv.ID, conv.SyncStatus)
		return nil
	}),
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		m, err := c.Send(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(m)
		}
		fmt.Printf("Queued %s (%s)\n", m.ID, m.SyncStatus)
		return nil
	}),
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation>",
	Short: "Show the messages of a conversation, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		page, err := c.Messages(ctx, args[0], listLimit, messagesBefore)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(page)
		}
		for _, m := range page.Messages {
			at := time.UnixMilli(m.OrderKey()).Format("2006-01-02 15:04")
			mark := ""
			if m.SyncStatus != status.Synced {
				mark = " [" + string(m.SyncStatus) + "]"
			}
			fmt.Printf("%s %-10s %s%s\n", at, m.SenderID, m.Text, mark)
		}
		if page.NextBefore != "" {
			fmt.Printf("(older: --before %s)\n", page.NextBefore)
		}
		return nil
	}),
}

var readCmd = &cobra.Command{
	Use:   "read <conversation>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		conv, err := c.MarkRead(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(conv)
		}
		fmt.Printf("%s marked read\n", conv.ID)
		return nil
	}),
}

var retryCmd = &cobra.Command{
	Use:       "retry <conversation|message> <id>",
	Short:     "Retry delivery of a failed record",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(store.KindConversation), string(store.KindMessage)},
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		st, err := c.Retry(ctx, store.Ref{Kind: store.Kind(args[0]), ID: args[1]})
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(st)
		}
		fmt.Printf("%s %s: %s", args[0], args[1], st.Status)
		if st.LastError != "" {
			fmt.Printf(" (%s)", st.LastError)
		}
		fmt.Println()
		return nil
	}),
}

var networkCmd = &cobra.Command{
	Use:   "network <on|off>",
	Short: "Override network reachability",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		st, err := c.SetNetwork(ctx, on, networkConstrained)
		if err != nil {
			return err
		}
		return printStatus(st)
	}),
}

var powerCmd = &cobra.Command{
	Use:   "power <on|off>",
	Short: "Turn low-power mode on or off",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		st, err := c.SetPower(ctx, on)
		if err != nil {
			return err
		}
		return printStatus(st)
	}),
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func onOff(b bool, on, off string) string {
	if b {
		return on
	}
	return off
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
