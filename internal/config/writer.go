package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const fileHeader = `# livesite configuration
# Every key can be overridden with LIVESITE_<SECTION>_<KEY>, e.g. LIVESITE_SERVER_PORT=8080
`

// DefaultYAML renders the built-in defaults as a YAML document.
func DefaultYAML() ([]byte, error) {
	v := viper.New()
	SetDefaults(v)

	var buf bytes.Buffer
	buf.WriteString(fileHeader)

	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to encode default configuration: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode default configuration: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	data, err := DefaultYAML()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	view := struct {
		Site   SiteConfig `yaml:"site"`
		Server struct {
			ServerConfig    `yaml:",inline"`
			ShutdownTimeout string `yaml:"shutdown_timeout"`
		} `yaml:"server"`
		Build struct {
			BuildConfig `yaml:",inline"`
			Debounce    string `yaml:"debounce"`
		} `yaml:"build"`
		Reload struct {
			ReloadConfig `yaml:",inline"`
			PingInterval string `yaml:"ping_interval"`
		} `yaml:"reload"`
		Watch WatchConfig `yaml:"watch"`
	}{Site: cfg.Site, Watch: cfg.Watch}

	view.Server.ServerConfig = cfg.Server
	view.Server.ShutdownTimeout = cfg.Server.ShutdownTimeout.String()
	view.Build.BuildConfig = cfg.Build
	view.Build.Debounce = cfg.Build.Debounce.String()
	view.Reload.ReloadConfig = cfg.Reload
	view.Reload.PingInterval = cfg.Reload.PingInterval.String()

	return yaml.Marshal(view)
}
