package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunCommandRejectsProgramNotAllowed(t *testing.T) {
	s := NewSandbox(SandboxConfig{AllowedPrograms: []string{"echo"}})
	_, err := s.RunCommand(context.Background(), SandboxProfile{}, "cat /etc/passwd")
	if err == nil {
		t.Fatal("expected rejection for disallowed program")
	}
}

func TestRunCommandRejectsDeniedPattern(t *testing.T) {
	s := NewSandbox(DefaultSandboxConfig())
	_, err := s.RunCommand(context.Background(), SandboxProfile{}, "rm -rf /")
	if err == nil {
		t.Fatal("expected rejection for denied pattern")
	}
}

func TestRunCommandNeverDelegatesToShell(t *testing.T) {
	// A shell metacharacter in an otherwise-allowed command must be
	// treated as literal argv data, not executed as shell syntax: if
	// `echo` were run via `sh -c`, this would execute a second command.
	s := NewSandbox(SandboxConfig{AllowedPrograms: []string{"echo"}})
	res, err := s.RunCommand(context.Background(), SandboxProfile{}, "echo hi; touch /tmp/should-not-exist-via-sandbox")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected success exit code, got %d (stderr=%q)", res.ExitCode, res.Stderr)
	}
	if _, statErr := os.Stat("/tmp/should-not-exist-via-sandbox"); statErr == nil {
		t.Fatal("shell metacharacter was interpreted — command delegation leaked to a shell")
	}
}

func TestRunCommandAllowed(t *testing.T) {
	s := NewSandbox(SandboxConfig{AllowedPrograms: []string{"echo"}})
	res, err := s.RunCommand(context.Background(), SandboxProfile{}, "echo hello")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("got exit code %d", res.ExitCode)
	}
}

func TestCanonicalizePathRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if _, err := CanonicalizePath(dir, "../../etc/passwd"); err == nil {
		t.Fatal("expected rejection for path escaping scope")
	}
}

func TestCanonicalizePathWithinScope(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(sub, []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	resolved, err := CanonicalizePath(dir, "notes.txt")
	if err != nil {
		t.Fatalf("CanonicalizePath: %v", err)
	}
	if filepath.Base(resolved) != "notes.txt" {
		t.Fatalf("got %q", resolved)
	}
}
