package check

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/kongbytes/chicon-runner-go/internal/config"
)

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestRunSucceedsWhenBinariesAreHealthy(t *testing.T) {
	dir := t.TempDir()
	installBothFakeBinaries(t, dir, 0, 0)

	cfg := &config.Config{}
	cfg.Container.Namespace = "kb"

	if err := Run(cfg); err != nil {
		t.Fatalf("expected Run to succeed, got %v", err)
	}
}

func TestRunFailsWhenGitIsMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	cfg := &config.Config{}
	cfg.Container.Namespace = "kb"

	if err := Run(cfg); err == nil {
		t.Fatalf("expected Run to fail when git is not on PATH")
	}
}

func TestRunFailsWhenContainerToolExitsNonZero(t *testing.T) {
	dir := t.TempDir()
	installBothFakeBinaries(t, dir, 0, 1)

	cfg := &config.Config{}
	cfg.Container.Namespace = "kb"

	if err := Run(cfg); err == nil {
		t.Fatalf("expected Run to fail when nerdctl exits non-zero")
	}
}

func installBothFakeBinaries(t *testing.T, dir string, gitExit, nerdctlExit int) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary stubs are POSIX shell scripts")
	}

	writeScript(t, dir, "git", gitExit)
	writeScript(t, dir, "nerdctl", nerdctlExit)
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func writeScript(t *testing.T, dir, name string, exitCode int) {
	t.Helper()
	script := "#!/bin/sh\nexit " + itoa(exitCode) + "\n"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755); err != nil {
		t.Fatalf("write fake %s: %v", name, err)
	}
}
