package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/conneroisu/livesite/internal/validation"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	if len(vr.Errors) > 0 {
		builder.WriteString("Validation errors:\n")
		writeIssues(&builder, vr.Errors)
		builder.WriteString("\n")
	}

	if len(vr.Warnings) > 0 {
		builder.WriteString("Validation warnings:\n")
		writeIssues(&builder, vr.Warnings)
	}

	return builder.String()
}

func writeIssues(builder *strings.Builder, issues []ValidationError) {
	for _, issue := range issues {
		builder.WriteString(fmt.Sprintf("  • %s: %s\n", issue.Field, issue.Message))
		for _, suggestion := range issue.Suggestions {
			builder.WriteString(fmt.Sprintf("    💡 %s\n", suggestion))
		}
	}
}

func (vr *ValidationResult) addError(field string, value interface{}, message string, suggestions ...string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

func (vr *ValidationResult) addWarning(field string, value interface{}, message string, suggestions ...string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

// Validate checks config for values that would make the server unusable or
// unsafe. Missing site directories are warnings; the watcher skips them.
func Validate(config *Config) *ValidationResult {
	result := &ValidationResult{}

	validateSite(&config.Site, result)
	validateServer(&config.Server, result)
	validateBuild(&config.Build, result)
	validateReload(&config.Reload, result)
	validateWatch(&config.Watch, result)

	return result
}

func validateSite(config *SiteConfig, result *ValidationResult) {
	if config.OutputFolder == "" {
		result.addError("site.output_folder", config.OutputFolder, "output folder cannot be empty",
			"Use the folder your build command writes to, e.g. 'output'")
	}

	if config.IndexFile == "" || strings.ContainsAny(config.IndexFile, `/\`) {
		result.addError("site.index_file", config.IndexFile, "index file must be a plain file name",
			"Use 'index.html'")
	}

	paths := map[string]string{
		"site.config_file":   config.ConfigFile,
		"site.themes_dir":    config.ThemesDir,
		"site.templates_dir": config.TemplatesDir,
		"site.output_folder": config.OutputFolder,
	}
	for field, path := range paths {
		if path == "" {
			continue
		}
		if err := validation.ValidatePath(path); err != nil {
			result.addError(field, path, err.Error())
		}
	}

	lists := map[string][]string{
		"site.files_folders":    config.FilesFolders,
		"site.gallery_folders":  config.GalleryFolders,
		"site.listings_folders": config.ListingsFolders,
	}
	for field, list := range lists {
		for _, path := range list {
			if err := validation.ValidatePath(path); err != nil {
				result.addError(field, path, err.Error())
			}
		}
	}

	for _, source := range config.ContentSources {
		if source.Pattern == "" && source.Root == "" {
			result.addError("site.content_sources", source, "content source needs a pattern or a root")
			continue
		}
		if err := validation.ValidatePath(source.RootDir()); err != nil {
			result.addError("site.content_sources", source, err.Error())
		}
	}

	if config.ConfigFile != "" {
		if _, err := os.Stat(config.ConfigFile); err != nil {
			result.addWarning("site.config_file", config.ConfigFile, "site configuration file not found",
				"Run livesite from the site's root directory",
				"Set site.config_file if the site uses a different file name")
		}
	}
}

func validateServer(config *ServerConfig, result *ValidationResult) {
	// Port 0 lets the system pick a free port
	if config.Port < 0 || config.Port > 65535 {
		result.addError("server.port", config.Port,
			fmt.Sprintf("port %d is not in valid range 0-65535", config.Port),
			"Use a port between 1024-65535 for non-privileged access",
			"Common development ports: 8000, 8080, 3000")
	} else if config.Port > 0 && config.Port < 1024 {
		result.addWarning("server.port", config.Port, "port below 1024 requires elevated privileges",
			"Consider using a port above 1024 for development")
	}

	if err := validation.ValidateHost(config.Address); err != nil {
		result.addError("server.address", config.Address, err.Error(),
			"Leave empty to listen on all interfaces",
			"Use '127.0.0.1' or '::1' to listen locally only")
	}

	if config.MaxConnections < 0 {
		result.addError("server.max_connections", config.MaxConnections, "max connections cannot be negative",
			"Use 0 for no limit")
	}

	for _, origin := range config.AllowedOrigins {
		if err := validation.ValidateOriginPattern(origin); err != nil {
			result.addError("server.allowed_origins", origin, err.Error(),
				"Use host patterns such as 'localhost:*'")
		}
	}

	if config.ShutdownTimeout < 0 {
		result.addError("server.shutdown_timeout", config.ShutdownTimeout, "shutdown timeout cannot be negative")
	}
}

func validateBuild(config *BuildConfig, result *ValidationResult) {
	fields := strings.Fields(config.Command)
	if len(fields) == 0 {
		result.addError("build.command", config.Command, "build command cannot be empty",
			"Use 'nikola build' for Nikola sites",
			"Specify the command that regenerates the output folder")
	}
	for _, arg := range fields {
		if err := validation.ValidateArgument(arg); err != nil {
			result.addError("build.command", config.Command, err.Error(),
				"Avoid shell metacharacters in build commands",
				"Wrap complex pipelines in a script and call the script")
			break
		}
	}

	if config.Debounce < 0 {
		result.addError("build.debounce", config.Debounce, "debounce cannot be negative",
			"Use 0 to rebuild on every change")
	}
}

func validateReload(config *ReloadConfig, result *ValidationResult) {
	if config.PendingLimit < 0 {
		result.addError("reload.pending_limit", config.PendingLimit, "pending limit cannot be negative",
			"Use 0 to keep every undelivered notification")
	}
	if config.FrameRate < 0 {
		result.addError("reload.frame_rate", config.FrameRate, "frame rate cannot be negative",
			"Use 0 to disable inbound rate limiting")
	}
	if config.FrameBurst < 0 {
		result.addError("reload.frame_burst", config.FrameBurst, "frame burst cannot be negative")
	}
	if config.PingInterval < 0 {
		result.addError("reload.ping_interval", config.PingInterval, "ping interval cannot be negative",
			"Use 0 to disable keepalive pings")
	}
	if config.ReadLimit < 0 {
		result.addError("reload.read_limit", config.ReadLimit, "read limit cannot be negative")
	}
}

func validateWatch(config *WatchConfig, result *ValidationResult) {
	for _, pattern := range config.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			result.addError("watch.ignore", pattern, fmt.Sprintf("invalid glob pattern %q", pattern),
				"Use doublestar syntax such as '**/*.swp' or '.git/**'")
		}
	}
}
