// Package cmd implements the CLI commands for clipagent.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/clipagent/internal/config"
	"github.com/Dicklesworthstone/clipagent/internal/surface"
)

var (
	configPath string
	daemonAddr string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "clipagent",
	Short: "Background agent for saving videos and pages to your clip library",
	Long: `clipagent runs a local daemon that holds your session, submits links for
processing and tracks each job until it finishes. Browser extensions, this
CLI and the terminal panel all talk to the same daemon.

Start the daemon:
  clipagent serve

Then, from another terminal:
  clipagent login
  clipagent submit https://www.youtube.com/watch?v=dQw4w9WgXcQ
  clipagent panel`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/clipagent/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "daemon address (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+describe(err))
	}
	return err
}

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.ConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.LoadFrom(resolvedConfigPath())
}

// newLogger returns the process logger. Every line carries a short run id
// so concurrent daemons can be told apart in shared logs.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	runID := uuid.New().String()[:8]
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("run_id", runID)
}

// client returns a surface client for the running daemon.
func client() (*surface.Client, error) {
	addr := strings.TrimSpace(daemonAddr)
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.ListenAddr
	}
	return surface.New(addr), nil
}

// send is the common path for one-shot commands.
func send(ctx context.Context, typ string, payload any, out any) error {
	c, err := client()
	if err != nil {
		return err
	}
	return c.Send(ctx, typ, payload, out)
}
