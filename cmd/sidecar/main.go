package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	SecretFile string
	Output     string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createRunCommand(flags),
		createWhichCommand(flags),
		createNodeInfoCommand(flags),
		createPortCommand(flags),
		createReadyCommand(flags),
		createURLCommand(flags),
		createStateCommand(flags),
		createEventsCommand(flags),
		createQuitCommand(flags),
		createPreferencesCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidecar",
		Short: "Desktop backend supervisor and command bridge",
		Long: `sidecar launches a desktop application's backend on a free local port,
waits for it to become healthy and kills it when the application quits.
It also serves the shell's IPC commands (command execution, lookup,
system preferences, lifecycle triggers) over a local HTTP surface.

Examples:
  sidecar serve --config=sidecar.toml
  sidecar run -- git status
  sidecar which python3
  sidecar ready --api-url=http://127.0.0.1:18800/ipc`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "", "IPC base URL of a running sidecar (e.g. http://127.0.0.1:18800/ipc)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.StringVar(&flags.SecretFile, "secret-file", "", "IPC secret file for authenticated servers")
	pf.StringVarP(&flags.Output, "output", "o", "json", "output format: json or yaml")
	return root
}
