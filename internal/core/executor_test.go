package core

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestShellExecutor_CapturesOutputAndExitCode(t *testing.T) {
	e := NewShellExecutor()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := e.Run(ctx, ShellCommand("echo out; echo err >&2; exit 3"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	if res.Success() {
		t.Error("non-zero exit must not be a success")
	}
	if string(res.Stdout) != "out\n" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}
	if string(res.Stderr) != "err\n" {
		t.Errorf("unexpected stderr %q", res.Stderr)
	}
	if string(res.Output()) != "out\nerr\n" {
		t.Errorf("unexpected combined output %q", res.Output())
	}
}

func TestShellExecutor_DirAndEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker"), []byte("here"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	e := &ShellExecutor{Environ: func() []string { return []string{"PATH=" + os.Getenv("PATH"), "BASE=1"} }}
	cmd := ShellCommand(`cat marker; echo " $BASE $EXTRA"`)
	cmd.Dir = dir
	cmd.Env = []string{"EXTRA=2"}

	res, err := e.Run(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := string(res.Stdout); got != "here 1 2\n" {
		t.Errorf("unexpected stdout %q", got)
	}
}

func TestShellExecutor_Tee(t *testing.T) {
	var live bytes.Buffer
	cmd := ShellCommand("echo streamed")
	cmd.Tee = &live

	res, err := NewShellExecutor().Run(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if live.String() != "streamed\n" || string(res.Stdout) != "streamed\n" {
		t.Errorf("tee %q, captured %q", live.String(), res.Stdout)
	}
}

func TestShellExecutor_TimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	// The background child would outlive a plain Process.Kill of sh.
	cmd := ShellCommand("(sleep 2; touch survived) & sleep 30")
	cmd.Dir = dir
	cmd.Timeout = 200 * time.Millisecond

	start := time.Now()
	res, err := NewShellExecutor().Run(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}

	time.Sleep(2500 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(dir, "survived")); err == nil {
		t.Error("child process survived the timeout")
	}
}

func TestShellExecutor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := NewShellExecutor().Run(ctx, ShellCommand("sleep 30"))
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("expected cancellation error, got %v", err)
	}
}

func TestShellExecutor_StartFailure(t *testing.T) {
	_, err := NewShellExecutor().Run(context.Background(), Command{Argv: []string{"/nonexistent/binary"}})
	if err == nil {
		t.Fatal("expected start failure")
	}
	if _, err := NewShellExecutor().Run(context.Background(), Command{}); err == nil {
		t.Fatal("expected error for empty argv")
	}
}
