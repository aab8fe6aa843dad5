package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/clipagent/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print daemon events as they happen",
	Long: `Follow the daemon's broadcast stream: login changes, job updates,
dismissals and settings changes.

Examples:
  clipagent watch
  clipagent watch --json | jq .`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Open the interactive terminal panel",
	Args:  cobra.NoArgs,
	RunE:  runPanel,
}

func init() {
	watchCmd.Flags().Bool("json", false, "print raw events as JSON lines")
	rootCmd.AddCommand(watchCmd, panelCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	c, err := client()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, err := c.Subscribe(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for ev := range events {
		if jsonOutput {
			if err := printJSON(out, ev); err != nil {
				return err
			}
			continue
		}
		subject := ev.Subject
		if subject != "" {
			subject = " " + keyStyle.Render(subject)
		}
		fmt.Fprintf(out, "[%s] %s%s %s\n",
			ev.At.Local().Format("15:04:05"),
			string(ev.Type),
			subject,
			mutedStyle.Render(string(ev.Data)))
	}
	if ctx.Err() == nil {
		return fmt.Errorf("event stream closed by daemon")
	}
	return nil
}

func runPanel(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Fail fast with a useful message instead of an empty panel.
	hctx, hcancel := context.WithTimeout(ctx, 3*time.Second)
	defer hcancel()
	if _, err := c.Health(hctx); err != nil {
		return err
	}
	return tui.Run(ctx, c)
}
