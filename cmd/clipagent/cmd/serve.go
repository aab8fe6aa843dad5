package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/clipagent/internal/daemon"
	"github.com/Dicklesworthstone/clipagent/internal/signals"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background daemon",
	Long: `Run the daemon that owns your session and job state.

The daemon listens on the loopback address from the config file (default
127.0.0.1:7878). Surfaces talk to it with POST /message and follow
changes on the /events websocket. The config file is watched; poll and
refresh intervals and default endpoints apply without a restart. SIGHUP
forces a reload and SIGUSR1 logs a state summary.

Examples:
  clipagent serve
  clipagent serve --sync --verbose
  CLIPAGENT_LISTEN_ADDR=127.0.0.1:9000 clipagent serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running daemon to re-read its config file",
	Long: `Send SIGHUP to the running daemon. The daemon reports its pid on
/health, so this only works against a daemon on this machine.`,
	Args: cobra.NoArgs,
	RunE: runReload,
}

func init() {
	serveCmd.Flags().Bool("sync", false, "fetch active jobs from the server at startup")
	serveCmd.Flags().Bool("no-watch", false, "do not reload the config file on change")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reloadCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	c, err := client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if health.PID <= 0 {
		return fmt.Errorf("daemon did not report its pid")
	}
	if err := signals.SendHUP(health.PID); err != nil {
		return fmt.Errorf("signal daemon (pid %d): %w", health.PID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s (pid %d)\n", okStyle.Render("Reload requested"), health.PID)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	syncOnStart, _ := cmd.Flags().GetBool("sync")
	noWatch, _ := cmd.Flags().GetBool("no-watch")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonAddr != "" {
		cfg.ListenAddr = daemonAddr
	}

	logger := newLogger()
	opts := []daemon.Option{
		daemon.WithLogger(logger),
		daemon.WithSyncOnStart(syncOnStart),
		daemon.WithConfigPath(resolvedConfigPath()),
	}
	if noWatch {
		opts = append(opts, daemon.WithoutConfigWatch())
	}

	d, err := daemon.New(cfg, opts...)
	if err != nil {
		return err
	}

	addr, err := d.Listen()
	if err != nil {
		_ = d.Close()
		return err
	}

	sig, err := signals.New()
	if err != nil {
		_ = d.Close()
		return err
	}
	defer sig.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig.Reload():
				if err := d.Reload(); err != nil {
					logger.Warn("reload on SIGHUP failed", "error", err)
				}
			case <-sig.Dump():
				d.LogState(ctx)
			case s := <-sig.Shutdown():
				logger.Info("shutting down", "signal", s.String())
				cancel()
				return
			}
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s listening on http://%s\n", okStyle.Render("clipagent daemon"), addr)
	fmt.Fprintf(out, "  API: %s\n", cfg.APIBase)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.PollInterval.Duration())
	fmt.Fprintln(out, mutedStyle.Render("Press Ctrl+C to stop."))

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	fmt.Fprintln(out, "\nShut down.")
	return nil
}
