package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/pitx/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing pitx configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults merged with
the config file, environment and flags. Redirect it to a file to create a
configuration template:

  pitx config dump > pitx.yaml

Environment variables use the PITX_ prefix and underscores for nesting.
Example: encoder.bitrate -> PITX_ENCODER_BITRATE`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# pitx configuration")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 500ms, 10s")
	fmt.Fprintln(out, "# Size format: 2MB; bit rate format: 2M, 500k (1024 base)")
	fmt.Fprintf(out, "# Environment overrides: %s_<SECTION>_<KEY>, e.g. %s_ENCODER_BITRATE\n", config.EnvPrefix, config.EnvPrefix)
	fmt.Fprintln(out)
	_, err = out.Write(data)
	return err
}
