// Package builder runs project build commands through the platform shell.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const waitDelay = time.Second

type CommandSpec struct {
	Name string
	Args []string
	Dir  string
}

type Runner interface {
	Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren of the shell may keep the output pipes open after a kill.
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

type ExecutionResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandError is returned when the build command exits non-zero.
type CommandError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("build command exited with code %d", e.ExitCode)
}

type Executor struct {
	Runner   Runner
	Shell    string
	OSName   string
	MaxBytes int
}

func NewExecutor(shell string, maxBytes int, runner Runner) *Executor {
	if runner == nil {
		runner = OSRunner{}
	}
	if shell == "" {
		shell = "sh"
	}
	return &Executor{
		Runner:   runner,
		Shell:    shell,
		OSName:   runtime.GOOS,
		MaxBytes: maxBytes,
	}
}

// Execute runs command as a single shell invocation in dir. The captured
// streams keep only their last MaxBytes bytes.
func (e *Executor) Execute(ctx context.Context, command, dir string) (ExecutionResult, error) {
	stdout := newTailBuffer(e.MaxBytes)
	stderr := newTailBuffer(e.MaxBytes)

	started := time.Now()
	code, err := e.Runner.Run(ctx, shellCommand(e.OSName, e.Shell, command, dir), stdout, stderr)
	res := ExecutionResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if err != nil {
		return res, fmt.Errorf("run build command: %w", err)
	}
	if code != 0 {
		return res, &CommandError{ExitCode: code, Stdout: res.Stdout, Stderr: res.Stderr}
	}
	return res, nil
}

func shellCommand(osName, shell, command, dir string) CommandSpec {
	if strings.EqualFold(osName, "windows") {
		return CommandSpec{Name: "cmd.exe", Args: []string{"/C", command}, Dir: dir}
	}
	return CommandSpec{Name: shell, Args: []string{"-c", command}, Dir: dir}
}

// tailBuffer keeps the most recent max bytes written to it.
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf = append(b.buf, p...)
	if b.max > 0 && len(b.buf) > b.max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.max:]...)
		b.truncated = true
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	if b.truncated {
		return "...[truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
