package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kokistudios/patchlift/internal/ui"
)

// ExternalToolError is returned when an external command exits non-zero.
type ExternalToolError struct {
	Name     string
	Args     []string
	Dir      string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ExternalToolError) Error() string {
	msg := fmt.Sprintf("%s %s: exit %d", e.Name, strings.Join(e.Args, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// Output holds the captured streams of a finished command.
type Output struct {
	Stdout string
	Stderr string
}

// Exec runs name with args in dir and captures both streams.
// A non-zero exit is reported as *ExternalToolError carrying the streams.
func Exec(ctx context.Context, dir string, env []string, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	ui.Logger.Debug("exec", "cmd", name, "args", strings.Join(args, " "), "dir", dir)
	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}

	toolErr := &ExternalToolError{
		Name:     name,
		Args:     args,
		Dir:      dir,
		ExitCode: -1,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		toolErr.ExitCode = exitErr.ExitCode()
	}
	return out, toolErr
}

// ExitCode extracts the exit code from an *ExternalToolError, or -1.
func ExitCode(err error) int {
	var toolErr *ExternalToolError
	if errors.As(err, &toolErr) {
		return toolErr.ExitCode
	}
	return -1
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
