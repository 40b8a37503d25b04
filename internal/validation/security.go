// Package validation provides security validation functions for preventing
// command injection, path traversal, and other security vulnerabilities.
package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// shellMetacharacters are rejected in build command arguments. The build is
// executed without a shell, so they would be passed through literally.
var shellMetacharacters = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}

// ValidateArgument validates a command line argument to prevent injection attacks
func ValidateArgument(arg string) error {
	if arg == "" {
		return fmt.Errorf("argument cannot be empty")
	}

	for _, char := range shellMetacharacters {
		if strings.Contains(arg, char) {
			return fmt.Errorf("contains dangerous character: %s", char)
		}
	}

	if strings.ContainsAny(arg, "\x00\n\r") {
		return fmt.Errorf("contains control character")
	}

	return nil
}

// ValidatePath validates a file path to prevent path traversal attacks
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Clean the path to resolve any . or .. components
	cleanPath := filepath.Clean(path)
	for _, segment := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if segment == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "<", ">", "\x00"}
	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return fmt.Errorf("path contains dangerous character: %q", char)
		}
	}

	return nil
}

// ValidateHost validates a bind address. Brackets around IPv6 literals are
// accepted.
func ValidateHost(host string) error {
	if host == "" {
		return nil
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\", "/", " "}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("host contains dangerous character: %q", char)
		}
	}

	return nil
}

// ValidateOriginPattern validates a WebSocket origin pattern. Patterns are
// host globs such as "localhost:*" or "*.example.com"; schemes are not
// allowed.
func ValidateOriginPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("origin pattern cannot be empty")
	}
	if strings.Contains(pattern, "://") {
		return fmt.Errorf("origin pattern %q must not include a scheme", pattern)
	}
	if strings.ContainsAny(pattern, " /\\") {
		return fmt.Errorf("origin pattern %q contains invalid characters", pattern)
	}
	return nil
}

// ValidateURL validates URLs for browser auto-open functionality
// Prevents command injection via URL parameters
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// Only allow http/https schemes to prevent protocol handlers
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme: %s (only http/https allowed)", parsed.Scheme)
	}

	dangerous := []string{";", "&", "|", "`", "$", "(", ")", "<", ">", "\"", "'", "\\", "\n", "\r", " "}
	for _, char := range dangerous {
		if strings.Contains(rawURL, char) {
			return fmt.Errorf("URL contains dangerous character: %q", char)
		}
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL must have a valid hostname")
	}

	return nil
}

// SanitizeInput removes control characters other than common whitespace.
func SanitizeInput(input string) string {
	var sanitized strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' || r == '\r' {
			sanitized.WriteRune(r)
		}
	}
	return sanitized.String()
}
