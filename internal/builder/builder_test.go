package builder

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestShellCommand_WrapsWithCmdExeOnWindows(t *testing.T) {
	spec := shellCommand("windows", "sh", "npm install && npm run build", `C:\work`)
	if spec.Name != "cmd.exe" {
		t.Fatalf("expected cmd.exe, got %s", spec.Name)
	}
	if len(spec.Args) != 2 || spec.Args[0] != "/C" || spec.Args[1] != "npm install && npm run build" {
		t.Fatalf("unexpected args: %#v", spec.Args)
	}
}

func TestShellCommand_UsesConfiguredShell(t *testing.T) {
	spec := shellCommand("linux", "bash", "yarn install", "/work")
	if spec.Name != "bash" || spec.Dir != "/work" {
		t.Fatalf("unexpected spec: %#v", spec)
	}
	if len(spec.Args) != 2 || spec.Args[0] != "-c" {
		t.Fatalf("expected single -c invocation, got %#v", spec.Args)
	}
}

func TestExecute_PassesCommandToRunner(t *testing.T) {
	runner := &FakeRunner{Script: func(spec CommandSpec, stdout, stderr io.Writer) (int, error) {
		_, _ = io.WriteString(stdout, "built\n")
		_, _ = io.WriteString(stderr, "warn\n")
		return 0, nil
	}}
	e := NewExecutor("sh", 1024, runner)
	e.OSName = "linux"

	res, err := e.Execute(context.Background(), "npm run build", "/project")
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Stdout != "built\n" || res.Stderr != "warn\n" {
		t.Fatalf("unexpected output: %#v", res)
	}
	if runner.CallCount() != 1 || runner.Calls[0].Dir != "/project" || runner.Calls[0].Args[1] != "npm run build" {
		t.Fatalf("unexpected runner calls: %#v", runner.Calls)
	}
}

func TestExecute_NonZeroExitIsCommandError(t *testing.T) {
	runner := &FakeRunner{Script: func(_ CommandSpec, stdout, stderr io.Writer) (int, error) {
		_, _ = io.WriteString(stderr, "npm ERR! missing script: build\n")
		return 1, nil
	}}
	e := NewExecutor("sh", 1024, runner)

	_, err := e.Execute(context.Background(), "npm run build", t.TempDir())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 1 || !strings.Contains(cmdErr.Stderr, "missing script") {
		t.Fatalf("unexpected command error: %#v", cmdErr)
	}
}

func TestExecute_RunnerFailureIsNotCommandError(t *testing.T) {
	runner := &FakeRunner{Script: func(CommandSpec, io.Writer, io.Writer) (int, error) {
		return -1, errors.New("exec: \"sh\": executable file not found")
	}}
	e := NewExecutor("sh", 1024, runner)

	_, err := e.Execute(context.Background(), "true", t.TempDir())
	var cmdErr *CommandError
	if err == nil || errors.As(err, &cmdErr) {
		t.Fatalf("expected plain error, got %v", err)
	}
}

func TestTailBuffer_KeepsLastBytes(t *testing.T) {
	b := newTailBuffer(5)
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world"))
	if got := b.String(); got != "...[truncated]\nworld" {
		t.Fatalf("unexpected tail: %q", got)
	}

	small := newTailBuffer(100)
	_, _ = small.Write([]byte("ok"))
	if small.String() != "ok" {
		t.Fatalf("unexpected content: %q", small.String())
	}
}

func TestOSRunner_RealShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	dir := t.TempDir()
	e := NewExecutor("sh", 4096, nil)

	res, err := e.Execute(context.Background(), "echo out && echo err 1>&2 && mkdir dist && echo hi > dist/index.html", dir)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("unexpected streams: %#v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "dist", "index.html")); err != nil {
		t.Fatalf("command did not run in dir: %v", err)
	}

	_, err = e.Execute(context.Background(), "echo boom 1>&2; exit 3", dir)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	if strings.TrimSpace(cmdErr.Stderr) != "boom" {
		t.Fatalf("unexpected stderr: %q", cmdErr.Stderr)
	}
}

func TestOSRunner_ContextCancellationStopsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	e := NewExecutor("sh", 1024, nil)
	started := time.Now()
	_, err := e.Execute(ctx, "sleep 5", t.TempDir())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(started) > 3*time.Second {
		t.Fatalf("process was not killed promptly")
	}
}
