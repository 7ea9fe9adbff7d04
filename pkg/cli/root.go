package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	jsonOutput bool
}

// NewRootCmd builds the wsecho command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "wsecho",
		Short: "wsecho is a WebSocket echo server",
		Long: `wsecho accepts TCP connections, upgrades HTTP requests on a single path to
WebSocket sessions and echoes every text message back with a marker prefix.

Configuration can be provided via flags, WSECHO_* environment variables, or a
YAML file (--config, WSECHO_CONFIG or ./wsecho.yaml).`,
		SilenceUsage:  true,
		SilenceErrors: true, // We handle errors in Execute()
	}

	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Output command results in JSON format")

	rootCmd.AddCommand(
		newServeCmd(),
		newConnectCmd(),
		newConfigCmd(g),
		newVersionCmd(g),
	)
	return rootCmd
}

// Execute runs the command tree. This is called by main.main().
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
