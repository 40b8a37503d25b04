// Package config provides configuration management for livesite using Viper
// for flexible configuration loading from files, environment variables, and
// command-line flags.
//
// The configuration describes the host site (its configuration file, content
// sources, asset folders and output folder), the development server, the
// build command and the live-reload channel. Environment overrides use the
// LIVESITE_ prefix, e.g. LIVESITE_SERVER_PORT.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	liveerrors "github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/watcher"
)

// DefaultFileName is the configuration file looked up in the working
// directory.
const DefaultFileName = ".livesite.yml"

type Config struct {
	Site   SiteConfig   `mapstructure:"site" yaml:"site"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Build  BuildConfig  `mapstructure:"build" yaml:"build"`
	Reload ReloadConfig `mapstructure:"reload" yaml:"reload"`
	Watch  WatchConfig  `mapstructure:"watch" yaml:"watch"`
}

// SiteConfig describes the static site being served.
type SiteConfig struct {
	ConfigFile      string          `mapstructure:"config_file" yaml:"config_file"`
	ThemesDir       string          `mapstructure:"themes_dir" yaml:"themes_dir"`
	TemplatesDir    string          `mapstructure:"templates_dir" yaml:"templates_dir"`
	ContentSources  []ContentSource `mapstructure:"content_sources" yaml:"content_sources"`
	FilesFolders    []string        `mapstructure:"files_folders" yaml:"files_folders"`
	GalleryFolders  []string        `mapstructure:"gallery_folders" yaml:"gallery_folders"`
	ListingsFolders []string        `mapstructure:"listings_folders" yaml:"listings_folders"`
	OutputFolder    string          `mapstructure:"output_folder" yaml:"output_folder"`
	IndexFile       string          `mapstructure:"index_file" yaml:"index_file"`
}

// ContentSource is a content glob such as "posts/*.md". Root is the watched
// directory; when empty it is the directory part of Pattern.
type ContentSource struct {
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	Root    string `mapstructure:"root" yaml:"root,omitempty"`
}

// RootDir returns the directory watched for this source.
func (c ContentSource) RootDir() string {
	if c.Root != "" {
		return c.Root
	}
	return filepath.Dir(c.Pattern)
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	Address         string        `mapstructure:"address" yaml:"address"`
	IPv6            bool          `mapstructure:"ipv6" yaml:"ipv6"`
	Browser         bool          `mapstructure:"browser" yaml:"browser"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"-"`
}

type BuildConfig struct {
	Command  string        `mapstructure:"command" yaml:"command"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"-"`
	Initial  bool          `mapstructure:"initial" yaml:"initial"`
}

type ReloadConfig struct {
	PendingLimit int           `mapstructure:"pending_limit" yaml:"pending_limit"`
	ServerName   string        `mapstructure:"server_name" yaml:"server_name"`
	FrameRate    float64       `mapstructure:"frame_rate" yaml:"frame_rate"`
	FrameBurst   int           `mapstructure:"frame_burst" yaml:"frame_burst"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"-"`
	ReadLimit    int64         `mapstructure:"read_limit" yaml:"read_limit"`
}

type WatchConfig struct {
	Ignore []string `mapstructure:"ignore" yaml:"ignore"`
}

// SetDefaults registers every default on v. Durations are given as strings
// so that they round-trip through YAML in readable form.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("site.config_file", "conf.py")
	v.SetDefault("site.themes_dir", "themes")
	v.SetDefault("site.templates_dir", "templates")
	v.SetDefault("site.content_sources", []map[string]interface{}{
		{"pattern": "posts/*.rst"},
		{"pattern": "posts/*.txt"},
		{"pattern": "pages/*.rst"},
		{"pattern": "pages/*.txt"},
	})
	v.SetDefault("site.files_folders", []string{"files"})
	v.SetDefault("site.gallery_folders", []string{"galleries"})
	v.SetDefault("site.listings_folders", []string{"listings"})
	v.SetDefault("site.output_folder", "output")
	v.SetDefault("site.index_file", "index.html")

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.address", "")
	v.SetDefault("server.ipv6", false)
	v.SetDefault("server.browser", false)
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("build.command", "nikola build")
	v.SetDefault("build.debounce", "0s")
	v.SetDefault("build.initial", true)

	v.SetDefault("reload.pending_limit", 256)
	v.SetDefault("reload.server_name", "livesite-livereload")
	v.SetDefault("reload.frame_rate", 20.0)
	v.SetDefault("reload.frame_burst", 40)
	v.SetDefault("reload.ping_interval", "30s")
	v.SetDefault("reload.read_limit", 64*1024)

	v.SetDefault("watch.ignore", []string{})
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom applies defaults to v, decodes it and validates the result.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, liveerrors.NewConfigError("", fmt.Sprintf("failed to decode configuration: %v", err))
	}

	result := Validate(&config)
	if result.HasErrors() {
		first := result.Errors[0]
		return nil, liveerrors.NewConfigError(first.Field, first.Message).
			WithContext("issues", len(result.Errors))
	}

	return &config, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := LoadFrom(viper.New())
	if err != nil {
		// The defaults are static and always valid.
		panic(err)
	}
	return cfg
}

// InputWatchSet returns the source paths whose changes trigger a rebuild:
// the site configuration file, the themes and templates directories, every
// content source root and the files, gallery and listings folders.
func (c *Config) InputWatchSet() watcher.WatchSet {
	paths := []string{c.Site.ConfigFile, c.Site.ThemesDir, c.Site.TemplatesDir}
	for _, source := range c.Site.ContentSources {
		paths = append(paths, source.RootDir())
	}
	paths = append(paths, c.Site.FilesFolders...)
	paths = append(paths, c.Site.GalleryFolders...)
	paths = append(paths, c.Site.ListingsFolders...)

	return watcher.NewWatchSet("input", true, paths...)
}

// OutputWatchSet returns the build output folder.
func (c *Config) OutputWatchSet() watcher.WatchSet {
	return watcher.NewWatchSet("output", true, c.Site.OutputFolder)
}

// ListenAddress returns the host part to bind, with IPv6 brackets removed.
// An empty address means all IPv4 interfaces, or all interfaces when IPv6
// is enabled.
func (c *Config) ListenAddress() string {
	host := c.Server.Address
	if len(host) >= 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	if host != "" {
		return host
	}
	if c.Server.IPv6 {
		return "::"
	}
	return "0.0.0.0"
}
