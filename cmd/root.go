// Package cmd defines and implements the CLI commands for the pukiwiki-dumper executable.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X .../cmd.Version=...".
var Version = "0.1.0"

// UserAgent identifies the dumper to wiki operators.
func UserAgent() string {
	return "pukiwiki-dumper/" + Version
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pukiwiki-dumper",
		Short: "Archive a PukiWiki site through its HTML front end.",
		Long: `pukiwiki-dumper captures the page sources, backup history, rendered HTML,
and attachments of a PukiWiki installation into a resumable dump directory.
Interrupted runs pick up where they stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.PersistentFlags().String("config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newDumpCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "pukiwiki-dumper: %v\n", err)
		return 1
	}
	return 0
}
