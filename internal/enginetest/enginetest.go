// Package enginetest holds helpers shared by tests that drive real engine
// processes.
package enginetest

import (
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	buildDir  string
	buildPath string
	buildErr  error
	buildOut  []byte
)

// BuildFakeEngine compiles the fake native engine once per test binary and
// returns its path.
func BuildFakeEngine(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	buildOnce.Do(func() {
		buildDir, buildErr = os.MkdirTemp("", "fakeengine-")
		if buildErr != nil {
			return
		}
		buildPath = filepath.Join(buildDir, "fakeengine")
		cmd := exec.Command("go", "build", "-o", buildPath, "engined/internal/enginetest/fakeengine")
		cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
		buildOut, buildErr = cmd.CombinedOutput()
	})
	if buildErr != nil {
		t.Fatalf("build fake engine: %v: %s", buildErr, string(buildOut))
	}
	return buildPath
}

// FreePort returns a loopback port that was free at the time of the call.
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
