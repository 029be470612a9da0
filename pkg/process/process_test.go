package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ihub-2020/udp2rawd/pkg/errdefs"
	"github.com/stretchr/testify/assert"
)

// writeScript drops a shell script standing in for the udp2raw binary. The
// scripts ignore the generated argv on purpose.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-udp2raw")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)
	assert.Equal(t, nil, err)
	return path
}

func newTestController(t *testing.T, binary string) *Controller {
	c := NewController(binary)
	c.GraceWindow = 200 * time.Millisecond
	c.StopTimeout = 500 * time.Millisecond
	t.Cleanup(func() { _ = c.Stop("server_0") })
	return c
}

func TestStartStop(t *testing.T) {
	c := newTestController(t, writeScript(t, "exec sleep 30"))
	pid, err := c.Start(serverInstance())
	assert.Equal(t, nil, err)
	assert.NotEqual(t, 0, pid)
	assert.Equal(t, true, c.IsAlive("server_0"))
	assert.Equal(t, pid, c.Pid("server_0"))

	err = c.Stop("server_0")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, c.IsAlive("server_0"))
	assert.Equal(t, 0, c.Pid("server_0"))

	logs := strings.Join(c.Logs("server_0", 0), "\n")
	assert.Contains(t, logs, "[System] started")
	assert.Contains(t, logs, "[System] stopped")
}

func TestStartAgainWhileRunning(t *testing.T) {
	c := newTestController(t, writeScript(t, "exec sleep 30"))
	_, err := c.Start(serverInstance())
	assert.Equal(t, nil, err)
	_, err = c.Start(serverInstance())
	assert.NotEqual(t, nil, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestBinaryUnavailable(t *testing.T) {
	c := newTestController(t, "/nonexistent/udp2raw")
	pid, err := c.Start(serverInstance())
	assert.Equal(t, 0, pid)
	assert.Equal(t, true, errors.Is(err, errdefs.ErrBinaryUnavailable))
}

func TestEarlyExitCarriesStderrTail(t *testing.T) {
	c := newTestController(t, writeScript(t, "echo 'bind: address in use' >&2; exit 3"))
	pid, err := c.Start(serverInstance())
	assert.Equal(t, 0, pid)
	assert.Equal(t, true, errors.Is(err, errdefs.ErrEarlyExit))
	assert.Contains(t, err.Error(), "exit code 3")
	assert.Contains(t, err.Error(), "bind: address in use")
}

func TestCrashAfterGraceWindow(t *testing.T) {
	c := newTestController(t, writeScript(t, "sleep 1; exit 7"))
	pid, err := c.Start(serverInstance())
	assert.Equal(t, nil, err)
	assert.NotEqual(t, 0, pid)

	deadline := time.Now().Add(5 * time.Second)
	for c.IsAlive("server_0") && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, false, c.IsAlive("server_0"))
	code, exited := c.ExitCode("server_0")
	assert.Equal(t, true, exited)
	assert.Equal(t, 7, code)
	logs := strings.Join(c.Logs("server_0", 0), "\n")
	assert.Contains(t, logs, "[System] crashed (exit code 7)")
}

func TestStopEscalatesToKill(t *testing.T) {
	// the script ignores SIGTERM, so Stop has to take the SIGKILL path
	c := newTestController(t, writeScript(t, `trap "" TERM
while true; do sleep 1; done`))
	_, err := c.Start(serverInstance())
	assert.Equal(t, nil, err)

	start := time.Now()
	err = c.Stop("server_0")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, c.IsAlive("server_0"))
	// must have waited out the graceful timeout before escalating
	assert.Equal(t, true, time.Since(start) >= c.StopTimeout)
}

func TestExitCodeQueryableAfterStop(t *testing.T) {
	// the script turns SIGTERM into a clean exit 5 so the graceful path
	// produces a recordable code
	c := newTestController(t, writeScript(t, `trap 'exit 5' TERM
while true; do sleep 0.1; done`))
	_, err := c.Start(serverInstance())
	assert.Equal(t, nil, err)

	err = c.Stop("server_0")
	assert.Equal(t, nil, err)
	code, exited := c.ExitCode("server_0")
	assert.Equal(t, true, exited)
	assert.Equal(t, 5, code)

	// stopping an already stopped instance is harmless
	assert.Equal(t, nil, c.Stop("server_0"))

	c.DropBuffer("server_0")
	_, exited = c.ExitCode("server_0")
	assert.Equal(t, false, exited)
}

func TestStopUnknownInstance(t *testing.T) {
	c := newTestController(t, writeScript(t, "exec sleep 30"))
	err := c.Stop("client_9")
	assert.Equal(t, true, errors.Is(err, errdefs.ErrNotFound))
}

func TestLogsCaptureChildOutput(t *testing.T) {
	c := newTestController(t, writeScript(t, "echo ready; exec sleep 30"))
	_, err := c.Start(serverInstance())
	assert.Equal(t, nil, err)
	// output drain is asynchronous
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(strings.Join(c.Logs("server_0", 0), "\n"), "ready") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Contains(t, strings.Join(c.Logs("server_0", 0), "\n"), "ready")
}

func TestLogRingEviction(t *testing.T) {
	r := NewLogRing("server_0", 3)
	for i := 0; i < 5; i++ {
		r.Append(fmt.Sprintf("line %d", i))
	}
	entries := r.Tail(0)
	assert.Equal(t, 3, len(entries))
	assert.Equal(t, "line 2", entries[0].Text)
	assert.Equal(t, "line 4", entries[2].Text)

	entries = r.Tail(2)
	assert.Equal(t, 2, len(entries))
	assert.Equal(t, "line 3", entries[0].Text)
}

func TestTailAllMergesInstances(t *testing.T) {
	c := newTestController(t, writeScript(t, "exec sleep 30"))
	c.ring("server_0").Append("from server")
	time.Sleep(5 * time.Millisecond)
	c.ring("client_0").Append("from client")

	all := c.TailAll(0)
	assert.Equal(t, 2, len(all))
	assert.Equal(t, "from server", all[0].Text)
	assert.Equal(t, "from client", all[1].Text)

	c.DropBuffer("client_0")
	assert.Equal(t, 1, len(c.TailAll(0)))
}
