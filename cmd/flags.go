package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// OutputFormats lists the formats accepted by --output.
var OutputFormats = []string{"text", "json", "yaml"}

// SetViperBindings binds flags to viper configuration keys. Flags that do
// not exist in the set are skipped.
func SetViperBindings(flags *pflag.FlagSet, bindings map[string]string) {
	for flagName, configKey := range bindings {
		if flag := flags.Lookup(flagName); flag != nil {
			_ = viper.BindPFlag(configKey, flag)
		}
	}
}

// bindOnRun defers viper bindings until cmd runs, so commands sharing a flag
// name do not steal each other's binding.
func bindOnRun(cmd *cobra.Command, bindings map[string]string) {
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		SetViperBindings(cmd.Flags(), bindings)
	}
}

// AddFlagValidation adds validation for a specific flag
func AddFlagValidation(cmd *cobra.Command, flagName string, validator func(string) error) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		return
	}

	flag.Value = &validatingValue{
		Value:     flag.Value,
		validator: validator,
	}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if v.validator != nil {
		if err := v.validator(val); err != nil {
			return err
		}
	}
	return v.Value.Set(val)
}

// ValidatePort accepts 0 (any free port) through 65535.
func ValidatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", portStr)
	}

	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}

	return nil
}

// ValidateOutputFormat checks a --output value against the allowed formats.
func ValidateOutputFormat(format string, allowed ...string) error {
	if len(allowed) == 0 {
		allowed = OutputFormats
	}
	for _, candidate := range allowed {
		if format == candidate {
			return nil
		}
	}
	return fmt.Errorf("unsupported format: %s (supported: %s)", format, strings.Join(allowed, ", "))
}
