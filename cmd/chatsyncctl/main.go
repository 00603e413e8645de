package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
)

var (
	profileFlag string
	jsonOutput  bool
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "chatsyncctl",
	Short:         "Control a running chatsync daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// connect resolves the profile and returns a client for its daemon and a
// context bounded by --timeout.
func connect(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return nil, nil, nil, err
	}
	sock := profile.SocketPath(name)
	if _, err := os.Stat(sock); err != nil {
		return nil, nil, nil, fmt.Errorf("daemon for profile %q is not running (no socket at %s)", name, sock)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return client.New(sock), ctx, cancel, nil
}

// run wraps a command body with connection setup and teardown.
func run(fn func(ctx context.Context, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := connect(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close()
		return fn(ctx, c, args)
	}
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
