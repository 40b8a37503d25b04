// Package cmd provides the command-line interface for livesite.
//
// Configuration System:
//
//	Settings are resolved from several sources, highest priority first:
//	1. Command-line flags (--port, --address, etc.)
//	2. Individual environment variables (LIVESITE_SERVER_PORT, etc.)
//	3. The configuration file: --config, LIVESITE_CONFIG_FILE, or .livesite.yml
//	4. Built-in defaults
//
// Environment Variables:
//
//	LIVESITE_CONFIG_FILE: Path to a custom configuration file
//	LIVESITE_SERVER_PORT: Override the server port
//	LIVESITE_BUILD_COMMAND: Override the build command
//	And every other key following the LIVESITE_<SECTION>_<OPTION> pattern
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/livesite/internal/config"
	liveerrors "github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/logging"
)

var (
	cfgFile string

	logger     logging.Logger = logging.NewNopLogger()
	fileLogger *logging.FileLogger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "livesite",
	Short: "Rebuild a static site on change and reload the browser",
	Long: `livesite runs your static site generator whenever a source file changes,
serves the generated output and tells connected browsers to reload.

Quick Start:
  livesite config init            Write a default .livesite.yml
  livesite auto                   Build, serve and reload on change
  livesite watch                  Rebuild on change without serving

Command Aliases:
  auto (serve)`,
	SilenceUsage:       true,
	PersistentPreRunE:  setupLogging,
	PersistentPostRunE: closeLogging,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is .livesite.yml, can also use LIVESITE_CONFIG_FILE env var)")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("log-dir", "", "also write logs to a dated file in this directory")

	SetViperBindings(flags, map[string]string{
		"log-level":  "log.level",
		"log-format": "log.format",
		"log-dir":    "log.dir",
	})
}

// initConfig points viper at the configuration file and enables LIVESITE_
// environment overrides. A missing default file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("LIVESITE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(strings.TrimSuffix(config.DefaultFileName, ".yml"))
	}

	viper.SetEnvPrefix("LIVESITE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, err := logging.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	format := viper.GetString("log.format")
	if format != "text" && format != "json" {
		return fmt.Errorf("unsupported log format: %s (supported: text, json)", format)
	}

	logCfg := &logging.LoggerConfig{
		Level:  level,
		Format: format,
		Output: cmd.ErrOrStderr(),
	}
	console := logging.NewLogger(logCfg)

	dir := viper.GetString("log.dir")
	if dir == "" {
		logger = console
		return nil
	}

	fileLogger, err = logging.NewFileLogger(logCfg, dir)
	if err != nil {
		return err
	}
	logger = logging.NewMultiLogger(console, fileLogger)
	return nil
}

func closeLogging(cmd *cobra.Command, args []string) error {
	if fileLogger == nil {
		return nil
	}
	err := fileLogger.Close()
	fileLogger = nil
	return err
}

// loadConfig reads the effective configuration and decorates failures with
// hints for the operator.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		path := viper.ConfigFileUsed()
		if path == "" {
			path = config.DefaultFileName
		}
		return nil, liveerrors.NewEnhancedError(
			"Failed to load configuration",
			err,
			liveerrors.ConfigurationSuggestions(err.Error(), path),
		)
	}
	return cfg, nil
}
