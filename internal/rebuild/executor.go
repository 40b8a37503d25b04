package rebuild

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	liveerrors "github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/validation"
)

// DefaultConfigFile is the site configuration file name the build tool
// reads when no --conf flag is given.
const DefaultConfigFile = "conf.py"

// Executor runs one build invocation and returns its captured error output.
type Executor interface {
	Execute(ctx context.Context, argv []string) (stderr string, err error)
}

// CommandExecutor runs builds as child processes. Standard output is passed
// through, standard error is captured.
type CommandExecutor struct {
	// Dir is the working directory of the build; empty means the current one.
	Dir string
	// Stdout receives the build's standard output; nil means os.Stdout.
	Stdout io.Writer
}

// Execute runs argv and waits for it to exit.
func (e *CommandExecutor) Execute(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty build command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.Dir
	cmd.Stdout = e.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Check if error is due to context cancellation
		if ctx.Err() != nil {
			return stderr.String(), fmt.Errorf("build cancelled: %w", ctx.Err())
		}
		return stderr.String(), fmt.Errorf("%s failed: %w", argv[0], err)
	}

	return stderr.String(), nil
}

// BuildCommand splits command into argv and, when configFile names
// something other than the default configuration file, inserts a
// --conf=<file> flag right after the program name.
func BuildCommand(command, configFile string) ([]string, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, liveerrors.NewConfigError("build.command", "build command cannot be empty")
	}

	for _, arg := range argv {
		if err := validation.ValidateArgument(arg); err != nil {
			return nil, liveerrors.NewConfigError("build.command", fmt.Sprintf("invalid argument %q: %v", arg, err))
		}
	}

	if configFile == "" || filepath.Clean(configFile) == DefaultConfigFile {
		return argv, nil
	}

	withConf := make([]string, 0, len(argv)+1)
	withConf = append(withConf, argv[0], "--conf="+configFile)
	withConf = append(withConf, argv[1:]...)
	return withConf, nil
}
