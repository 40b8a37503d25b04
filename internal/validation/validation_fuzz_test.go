package validation

import (
	"net/url"
	"path/filepath"
	"strings"
	"testing"
)

// FuzzValidateURL tests URL validation with various malicious and edge case inputs
func FuzzValidateURL(f *testing.F) {
	f.Add("http://localhost:8000/")
	f.Add("https://example.com")
	f.Add("javascript:alert('xss')")
	f.Add("file:///etc/passwd")
	f.Add("http://localhost:8000; rm -rf /")
	f.Add("http://localhost:8000`whoami`")
	f.Add("http://localhost:8000\r\nHost: malicious.com")
	f.Add("")

	f.Fuzz(func(t *testing.T, testURL string) {
		if len(testURL) > 10000 {
			t.Skip("URL too long")
		}

		if err := ValidateURL(testURL); err != nil {
			return
		}

		parsed, err := url.Parse(testURL)
		if err != nil {
			t.Errorf("ValidateURL passed but url.Parse failed for: %q", testURL)
			return
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			t.Errorf("ValidateURL passed for dangerous scheme: %q", testURL)
		}
		if strings.ContainsAny(testURL, ";|`$<>\"' \n\r") {
			t.Errorf("ValidateURL passed for URL with dangerous character: %q", testURL)
		}
	})
}

// FuzzPathTraversal checks that accepted paths never climb out of their base
func FuzzPathTraversal(f *testing.F) {
	f.Add("themes")
	f.Add("../etc/passwd")
	f.Add("posts/../../etc")
	f.Add("./output")
	f.Add("a/b/../c")

	f.Fuzz(func(t *testing.T, path string) {
		if err := ValidatePath(path); err != nil {
			return
		}

		if filepath.IsAbs(path) {
			return
		}
		joined := filepath.Join("/base", path)
		if joined != "/base" && !strings.HasPrefix(joined, "/base/") {
			t.Errorf("ValidatePath accepted escaping path %q (resolved to %q)", path, joined)
		}
	})
}

// FuzzCommandInjection ensures accepted arguments carry no shell metacharacters
func FuzzCommandInjection(f *testing.F) {
	f.Add("build")
	f.Add("--conf=site.py")
	f.Add("build; rm -rf /")
	f.Add("$(curl evil)")

	f.Fuzz(func(t *testing.T, arg string) {
		if err := ValidateArgument(arg); err != nil {
			return
		}
		for _, char := range shellMetacharacters {
			if strings.Contains(arg, char) {
				t.Errorf("ValidateArgument accepted %q containing %q", arg, char)
			}
		}
	})
}
