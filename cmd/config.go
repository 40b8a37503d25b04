package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/livesite/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage livesite configuration",
	Long: `Manage livesite configuration files and settings.

Examples:
  livesite config init                 # Write .livesite.yml with every default
  livesite config show                 # Show the effective configuration
  livesite config show --output json   # Show it as JSON
  livesite config validate             # Check the configuration for problems`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file containing every setting with its default value.
An existing file is kept unless --force is given.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the configuration after applying the configuration file,
LIVESITE_ environment variables and defaults.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long: `Validate the effective configuration and report errors and warnings.

Examples:
  livesite config validate            # Validate .livesite.yml in the current directory
  livesite config validate --strict   # Treat warnings as errors`,
	RunE: runConfigValidate,
}

var (
	configInitForce      bool
	configInitFile       string
	configShowFormat     string
	configValidateStrict bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)

	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configInitCmd.Flags().StringVarP(&configInitFile, "file", "f", config.DefaultFileName, "File to write")

	configShowCmd.Flags().StringVarP(&configShowFormat, "output", "o", "yaml", "Output format (yaml, json)")
	AddFlagValidation(configShowCmd, "output", func(value string) error {
		return ValidateOutputFormat(value, "yaml", "json")
	})

	configValidateCmd.Flags().BoolVar(&configValidateStrict, "strict", false, "Treat warnings as errors")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.WriteDefault(configInitFile, configInitForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configInitFile)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "# from %s\n", used)
	}

	switch configShowFormat {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	default:
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg := &config.Config{}
	v := viper.GetViper()
	config.SetDefaults(v)
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}

	result := config.Validate(cfg)
	out := cmd.OutOrStdout()

	if !result.HasErrors() && !result.HasWarnings() {
		fmt.Fprintln(out, "Configuration is valid")
		return nil
	}

	fmt.Fprint(out, result.String())

	if result.HasErrors() {
		return fmt.Errorf("configuration has %d error(s)", len(result.Errors))
	}
	if configValidateStrict {
		return fmt.Errorf("configuration has %d warning(s) (strict mode)", len(result.Warnings))
	}
	return nil
}
