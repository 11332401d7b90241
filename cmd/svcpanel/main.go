package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(&command{
		out:    os.Stdout,
		in:     os.Stdin,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
		open:   openAPI,
	})
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c *command) *cobra.Command {
	g := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "svcpanel",
		Short: "Start, stop and watch local system services",
		Long: `svcpanel controls a fixed set of local services (systemd units and pm2
processes) and reports their live state.

Commands run against this machine directly unless --api-url points at a
running daemon.

Examples:
  svcpanel status
  svcpanel start docker
  svcpanel stop-all --yes
  svcpanel serve --config /etc/svcpanel.toml
  svcpanel watch --api-url=http://127.0.0.1:8085/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&g.APIUrl, "api-url", "", "daemon URL (e.g. http://127.0.0.1:8085/api)")
	pf.DurationVar(&g.APITimeout, "api-timeout", 90*time.Second, "request timeout")
	pf.BoolVar(&g.JSON, "json", false, "print JSON")
	pf.BoolVar(&g.NoColor, "no-color", false, "disable colored output")

	root.AddCommand(
		createServeCommand(g),
		createStatusCommand(c, g),
		createTransitionCommand(c, g, "start"),
		createTransitionCommand(c, g, "stop"),
		createStartAllCommand(c, g),
		createStopAllCommand(c, g),
		createRefreshCommand(c, g),
		createWatchCommand(c, g),
	)
	return root
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	sf := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: poll services and expose the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *g, *sf, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&sf.Listen, "listen", "", "listen address (overrides [server].listen)")
	cmd.Flags().StringVar(&sf.BasePath, "base-path", "", "API base path (overrides [server].base_path)")
	cmd.Flags().StringVar(&sf.LogLevel, "log-level", "", "debug|info|warn|error (overrides [log].level)")
	cmd.Flags().StringVar(&sf.LogFile, "log-file", "", "rotating log file (overrides [log].file)")
	return cmd
}

func createStatusCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "Show service states",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return c.Status(cmd.Context(), *g, id)
		},
	}
}

func createTransitionCommand(c *command, g *GlobalFlags, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: "Request " + action + " of one service and wait for the verified state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Transition(cmd.Context(), *g, args[0], action)
		},
	}
}

func createStartAllCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start-all",
		Short: "Start every installed service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StartAll(cmd.Context(), *g)
		},
	}
}

func createStopAllCommand(c *command, g *GlobalFlags) *cobra.Command {
	sf := &StopAllFlags{}
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every installed service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopAll(cmd.Context(), *g, sf.Yes)
		},
	}
	cmd.Flags().BoolVarP(&sf.Yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func createRefreshCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-probe every idle service now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Refresh(cmd.Context(), *g)
		},
	}
}

func createWatchCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print state changes as they happen (Ctrl-C to stop)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), *g)
		},
	}
}
