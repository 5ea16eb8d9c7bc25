// Package cmd implements the CLI commands for pitx.
package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/pitx/internal/config"
	"github.com/jmylchreest/pitx/internal/observability"
	"github.com/jmylchreest/pitx/internal/version"
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string

	// v and cfg are set up before any subcommand runs.
	v   *viper.Viper
	cfg *config.Config

	// bindings maps viper keys to the flags that override them.
	bindings = map[string]*pflag.Flag{}
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "pitx",
	Short:   "Hardware H.264 transcoder",
	Version: version.Short(),
	Long: `pitx transcodes a video stream through a chain of hardware media
components: decoder, optional deinterlacer and resizer, optional live
preview, and the H.264 encoder. Audio is passed through unchanged.

Input is an MPEG transport stream. Output is MPEG-TS, fragmented MP4 or a
raw H.264 elementary stream, chosen by --format or the output extension.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("pitx failed", slog.String("error", err.Error()))
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Set here to avoid an initialization cycle through rootCmd.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initConfig()
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./pitx.yaml, $HOME/.config/pitx/pitx.yaml or /etc/pitx/pitx.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging, including the negotiated port definitions")

	bindFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	bindFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// bindFlag records a flag override for a config key. Bindings are applied
// once the viper instance exists; an unchanged flag does not shadow env or
// file values.
func bindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("no flag for config key %q", key))
	}
	bindings[key] = flag
}

// initConfig loads the configuration and installs the default logger.
//
// Priority order (highest to lowest):
//  1. CLI flags, only if explicitly provided
//  2. Environment variables (PITX_LOGGING_LEVEL, PITX_ENCODER_BITRATE, ...)
//  3. Config file values
//  4. Built-in defaults
func initConfig() error {
	v = config.New(cfgFile)
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("binding flag %q to %q: %w", flag.Name, key, err)
		}
	}
	if verbose, _ := rootCmd.PersistentFlags().GetBool("verbose"); verbose && !rootCmd.PersistentFlags().Changed("log-level") {
		v.Set("logging.level", "debug")
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded

	logCfg := cfg.Logging
	logCfg.Level = strings.ToLower(logCfg.Level)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}
	logger := observability.NewLogger(logCfg)
	observability.SetDefault(logger)
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", slog.String("path", used))
	}
	return nil
}
