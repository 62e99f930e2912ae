package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/loykin/sidecar"
	"github.com/loykin/sidecar/internal/command"
	"github.com/loykin/sidecar/internal/node"
	"github.com/loykin/sidecar/internal/port"
	"github.com/loykin/sidecar/pkg/client"
	"github.com/spf13/cobra"
)

// osExit is replaced in tests.
var osExit = os.Exit

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Launch the backend and serve IPC until quit",
		Long: `Launch the configured backend, serve the IPC surface and block until the
application quits or a termination signal arrives. The backend is killed
before the process exits.

Examples:
  sidecar serve --config=sidecar.toml
  SIDECAR_APP_MODE=dev sidecar serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gin.SetMode(gin.ReleaseMode)
			c, err := loadConfig(flags)
			if err != nil {
				return err
			}
			app, err := sidecar.New(c)
			if err != nil {
				return err
			}
			if flags.ConfigPath != "" {
				if err := app.WatchConfig(flags.ConfigPath); err != nil {
					app.Logger().Warn("config watch disabled", "error", err)
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if code := app.Run(ctx); code != 0 {
				osExit(code)
			}
			return nil
		},
	}
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	Cwd       string
	Env       []string
	TimeoutMs int64
}

func createRunCommand(flags *GlobalFlags) *cobra.Command {
	rf := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run -- <executable> [args...]",
		Short: "Run a command and print its captured result",
		Long: `Run a command once and print the captured stdout, stderr, exit code and
elapsed time. A non-zero exit is part of the result, not an error.

Examples:
  sidecar run -- git status
  sidecar run --cwd=/tmp --timeout-ms=2000 -- sh -c 'sleep 1; echo done'
  sidecar run --api-url=http://127.0.0.1:18800/ipc -- python3 --version`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envMap, err := parseEnvPairs(rf.Env)
			if err != nil {
				return err
			}
			var timeout *int64
			if rf.TimeoutMs > 0 {
				timeout = &rf.TimeoutMs
			}
			var out any
			if isRemote(flags) {
				c, err := newRemote(cmd.Context(), flags)
				if err != nil {
					return err
				}
				out, err = c.RunCommand(cmd.Context(), client.RunRequest{
					Command: args, Cwd: rf.Cwd, Env: envMap, TimeoutMs: timeout,
				})
				if err != nil {
					return err
				}
			} else {
				res, err := command.NewRunner(nil).Run(cmd.Context(), command.Request{
					Argv: args, Cwd: rf.Cwd, Env: envMap, TimeoutMs: timeout,
				})
				if err != nil {
					return err
				}
				out = res
			}
			return printOutput(cmd.OutOrStdout(), flags.Output, out)
		},
	}
	cmd.Flags().StringVar(&rf.Cwd, "cwd", "", "working directory")
	cmd.Flags().StringArrayVar(&rf.Env, "env", nil, "extra environment variable KEY=VALUE (repeatable)")
	cmd.Flags().Int64Var(&rf.TimeoutMs, "timeout-ms", 0, "kill the command after this many milliseconds (0 = no limit)")
	return cmd
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q (want KEY=VALUE)", p)
		}
		m[k] = v
	}
	return m, nil
}

type whichOutput struct {
	Path *string `json:"path"`
}

func createWhichCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "which <executable>",
		Short: "Resolve an executable on PATH",
		Long: `Resolve an executable name to an absolute path the way the shell would.
Prints {"path": null} when it cannot be found.

Examples:
  sidecar which python3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				path string
				ok   bool
			)
			if isRemote(flags) {
				c, err := newRemote(cmd.Context(), flags)
				if err != nil {
					return err
				}
				if path, ok, err = c.Which(cmd.Context(), args[0]); err != nil {
					return err
				}
			} else {
				path, ok = command.NewRunner(nil).Which(cmd.Context(), args[0])
			}
			var out whichOutput
			if ok {
				out.Path = &path
			}
			return printOutput(cmd.OutOrStdout(), flags.Output, out)
		},
	}
}

func createNodeInfoCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "node-info",
		Short: "Show the node identity reported to the UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if isRemote(flags) {
				c, err := newRemote(cmd.Context(), flags)
				if err != nil {
					return err
				}
				info, err := c.NodeInfo(cmd.Context())
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), flags.Output, info)
			}
			return printOutput(cmd.OutOrStdout(), flags.Output, node.NewInfo(version))
		},
	}
}

func createPortCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "port",
		Short: "Print the port the backend would be given",
		Long: `Probe the configured preferred port range and print the first port that
can be bound on the loopback interface.

Examples:
  sidecar port --config=sidecar.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(flags)
			if err != nil {
				return err
			}
			p := port.SelectPort(c.Backend.PreferredPort, c.Backend.PortRange)
			return printOutput(cmd.OutOrStdout(), flags.Output, map[string]int{"port": p})
		},
	}
}

// remoteCommand builds a command that only makes sense against a running
// sidecar.
func remoteCommand(flags *GlobalFlags, use, short string, args cobra.PositionalArgs,
	fn func(ctx context.Context, c *client.Client, args []string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newRemote(cmd.Context(), flags)
			if err != nil {
				return err
			}
			out, err := fn(cmd.Context(), c, args)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), flags.Output, out)
		},
	}
}

func createReadyCommand(flags *GlobalFlags) *cobra.Command {
	return remoteCommand(flags, "ready", "Probe whether the backend is healthy", cobra.NoArgs,
		func(ctx context.Context, c *client.Client, _ []string) (any, error) {
			ready, err := c.BackendReady(ctx)
			return map[string]bool{"ready": ready}, err
		})
}

func createURLCommand(flags *GlobalFlags) *cobra.Command {
	var ws bool
	cmd := remoteCommand(flags, "url", "Print the backend API base URL", cobra.NoArgs,
		func(ctx context.Context, c *client.Client, _ []string) (any, error) {
			var (
				u   string
				err error
			)
			if ws {
				u, err = c.BackendWSURL(ctx)
			} else {
				u, err = c.BackendURL(ctx)
			}
			return map[string]string{"url": u}, err
		})
	cmd.Flags().BoolVar(&ws, "ws", false, "print the WebSocket URL instead")
	return cmd
}

func createStateCommand(flags *GlobalFlags) *cobra.Command {
	return remoteCommand(flags, "state", "Show the backend supervisor state", cobra.NoArgs,
		func(ctx context.Context, c *client.Client, _ []string) (any, error) {
			return c.BackendState(ctx)
		})
}

func createQuitCommand(flags *GlobalFlags) *cobra.Command {
	return remoteCommand(flags, "quit", "Quit the running application", cobra.NoArgs,
		func(ctx context.Context, c *client.Client, _ []string) (any, error) {
			return map[string]bool{"ok": true}, c.Quit(ctx)
		})
}

func createPreferencesCommand(flags *GlobalFlags) *cobra.Command {
	return remoteCommand(flags, "open-preferences <pane>", "Open a system preferences pane", cobra.ExactArgs(1),
		func(ctx context.Context, c *client.Client, args []string) (any, error) {
			return map[string]bool{"ok": true}, c.OpenPreferences(ctx, args[0])
		})
}

func createEventsCommand(flags *GlobalFlags) *cobra.Command {
	var (
		replay int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events",
		Long: `Print recent lifecycle events, or stream them with --follow.

Examples:
  sidecar events --replay=20
  sidecar events --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newRemote(cmd.Context(), flags)
			if err != nil {
				return err
			}
			if !follow {
				evs, err := c.EventHistory(cmd.Context(), replay)
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), flags.Output, evs)
			}
			ch, err := c.Subscribe(cmd.Context(), replay)
			if err != nil {
				return err
			}
			for ev := range ch {
				if err := printOutput(cmd.OutOrStdout(), flags.Output, ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&replay, "replay", 0, "number of buffered events to show first")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream events until interrupted")
	return cmd
}
