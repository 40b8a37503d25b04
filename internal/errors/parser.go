package errors

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Severity of a diagnostic found in build output.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeveritySevere
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeveritySevere:
		return "severe"
	default:
		return "unknown"
	}
}

// Diagnostic is one problem located in the output of a failed build.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Message  string   `json:"message"`
	Raw      string   `json:"raw"`
	Context  []string `json:"context,omitempty"`
}

// Location renders file:line[:column], or "" when the file is unknown.
func (d *Diagnostic) Location() string {
	if d.File == "" {
		return ""
	}
	loc := d.File
	if d.Line > 0 {
		loc += ":" + strconv.Itoa(d.Line)
		if d.Column > 0 {
			loc += ":" + strconv.Itoa(d.Column)
		}
	}
	return loc
}

func (d *Diagnostic) String() string {
	if loc := d.Location(); loc != "" {
		return fmt.Sprintf("%s: %s: %s", loc, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

type outputPattern struct {
	regex       *regexp.Regexp
	parseFields func(matches []string) Diagnostic
}

// OutputParser extracts diagnostics from the stderr of a site build.
// It understands docutils system messages, compiler style
// file:line:column lines, Python traceback frames and generic
// "ERROR:" lines.
type OutputParser struct {
	patterns []outputPattern
}

// NewOutputParser creates a parser with the built-in patterns.
func NewOutputParser() *OutputParser {
	return &OutputParser{patterns: buildOutputPatterns()}
}

var docutilsLevels = map[string]Severity{
	"INFO":    SeverityInfo,
	"WARNING": SeverityWarning,
	"ERROR":   SeverityError,
	"SEVERE":  SeveritySevere,
}

func buildOutputPatterns() []outputPattern {
	return []outputPattern{
		{
			// posts/a.rst:12: (ERROR/3) Unexpected indentation.
			regex: regexp.MustCompile(`^(.+?):(\d+): \((INFO|WARNING|ERROR|SEVERE)/\d\) (.+)$`),
			parseFields: func(m []string) Diagnostic {
				line, _ := strconv.Atoi(m[2])
				return Diagnostic{Severity: docutilsLevels[m[3]], File: m[1], Line: line, Message: m[4]}
			},
		},
		{
			// themes/base.tmpl:3:14: unexpected end of template
			regex: regexp.MustCompile(`^(\S+?):(\d+):(\d+): (.+)$`),
			parseFields: func(m []string) Diagnostic {
				line, _ := strconv.Atoi(m[2])
				column, _ := strconv.Atoi(m[3])
				return Diagnostic{Severity: SeverityError, File: m[1], Line: line, Column: column, Message: m[4]}
			},
		},
		{
			//   File "conf.py", line 7, in <module>
			regex: regexp.MustCompile(`^File "(.+?)", line (\d+)(?:, in (.+))?$`),
			parseFields: func(m []string) Diagnostic {
				line, _ := strconv.Atoi(m[2])
				message := "traceback frame"
				if m[3] != "" {
					message = "in " + m[3]
				}
				return Diagnostic{Severity: SeverityError, File: m[1], Line: line, Message: message}
			},
		},
		{
			// ERROR: Two different pages are being written to output/index.html
			// [2025-01-02 10:00:00] ERROR: render_posts: ...
			regex: regexp.MustCompile(`(?:^|\] )(ERROR|CRITICAL|WARNING): (.+)$`),
			parseFields: func(m []string) Diagnostic {
				severity := SeverityError
				switch m[1] {
				case "WARNING":
					severity = SeverityWarning
				case "CRITICAL":
					severity = SeveritySevere
				}
				return Diagnostic{Severity: severity, Message: m[2]}
			},
		},
	}
}

// Parse returns the diagnostics found in output, in order of appearance.
// Lines that match no pattern but mention an error or failure are kept
// as unlocated diagnostics.
func (p *OutputParser) Parse(output string) []*Diagnostic {
	var diagnostics []*Diagnostic

	lines := strings.Split(output, "\n")
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if d := p.match(line); d != nil {
			d.Context = contextLines(lines, i, 2)
			diagnostics = append(diagnostics, d)
			continue
		}

		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			diagnostics = append(diagnostics, &Diagnostic{
				Severity: SeverityError,
				Message:  line,
				Raw:      line,
				Context:  contextLines(lines, i, 1),
			})
		}
	}

	return diagnostics
}

func (p *OutputParser) match(line string) *Diagnostic {
	for _, pattern := range p.patterns {
		if m := pattern.regex.FindStringSubmatch(line); m != nil {
			d := pattern.parseFields(m)
			d.Raw = line
			return &d
		}
	}
	return nil
}

// Primary picks the diagnostic most likely to explain a failure: the last
// located one at error severity or worse, since tracebacks end at the
// innermost frame. It falls back to the last diagnostic.
func Primary(diagnostics []*Diagnostic) *Diagnostic {
	for i := len(diagnostics) - 1; i >= 0; i-- {
		d := diagnostics[i]
		if d.File != "" && d.Severity >= SeverityError {
			return d
		}
	}
	if len(diagnostics) == 0 {
		return nil
	}
	return diagnostics[len(diagnostics)-1]
}

func contextLines(lines []string, index int, radius int) []string {
	start := max(0, index-radius)
	end := min(len(lines), index+radius+1)

	context := make([]string, 0, end-start)
	for i := start; i < end; i++ {
		prefix := "  "
		if i == index {
			prefix = "→ "
		}
		context = append(context, prefix+lines[i])
	}
	return context
}
