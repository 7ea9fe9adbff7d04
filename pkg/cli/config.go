package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/getmockd/wsecho/internal/cliconfig"
	"github.com/getmockd/wsecho/pkg/cli/internal/output"
	"github.com/getmockd/wsecho/pkg/config"
	"github.com/getmockd/wsecho/pkg/websocket"
)

// ConfigOutput is the JSON form of `wsecho config`.
type ConfigOutput struct {
	Config     *config.ServerConfig `json:"config"`
	ConfigFile string               `json:"configFile,omitempty"`
	Sources    map[string]string    `json:"sources"`
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show effective configuration",
		Long: `Print the configuration serve would run with after merging defaults, the
config file and WSECHO_* environment variables, followed by the source of
every value that is not a default.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := cliconfig.Load(configFile)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if g.jsonOutput {
				return output.JSON(w, ConfigOutput{
					Config:     res.Config,
					ConfigFile: res.ConfigFile,
					Sources:    res.Sources,
				})
			}

			data, err := config.ToYAML(res.Config)
			if err != nil {
				return err
			}
			if res.ConfigFile != "" {
				fmt.Fprintf(w, "# file: %s\n", res.ConfigFile)
			}
			_, _ = w.Write(data)

			entries := res.Overridden()
			if len(entries) == 0 {
				return nil
			}
			fmt.Fprintln(w)
			tw := output.Table(w)
			fmt.Fprintln(tw, "KEY\tSOURCE")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\n", e.Key, e.Source)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML config file")

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a config file without starting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := websocket.CompileRules(cfg.Rules); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d rules)\n", args[0], len(cfg.Rules))
			return nil
		},
	})
	return cmd
}
