package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newMonitoredDriver(t *testing.T) (*Driver, *Monitor, *fakeProc, *fakeRules) {
	d, proc, rules := newTestDriver(t)
	assert.Equal(t, nil, d.ApplyConfig(testDoc(), true))
	m := NewMonitor(d)
	m.Backoff = 0
	return d, m, proc, rules
}

func TestMonitorRestartsCrashedInstance(t *testing.T) {
	d, m, proc, _ := newMonitoredDriver(t)

	proc.crash("server_0", 9)
	m.Run()

	running, pid, _ := statusOf(d, "server_0")
	assert.Equal(t, true, running)
	assert.NotEqual(t, 0, pid)
	assert.Equal(t, 2, proc.starts("server_0"))
	for _, ts := range d.Status().Tunnels {
		if ts.ID == "server_0" {
			assert.Equal(t, 1, ts.RestartCount)
		}
	}
}

func TestMonitorCountsEveryRestart(t *testing.T) {
	d, m, proc, _ := newMonitoredDriver(t)

	proc.crash("server_0", 9)
	m.Run()
	proc.crash("server_0", 9)
	m.Run()

	assert.Equal(t, 3, proc.starts("server_0"))
	for _, ts := range d.Status().Tunnels {
		if ts.ID == "server_0" {
			assert.Equal(t, 2, ts.RestartCount)
		}
	}
}

func TestMonitorLeavesHealthyInstancesAlone(t *testing.T) {
	_, m, proc, _ := newMonitoredDriver(t)

	m.Run()
	m.Run()
	assert.Equal(t, 1, proc.starts("server_0"))
	assert.Equal(t, 1, proc.starts("client_0"))
}

func TestMonitorBacksOffCrashLoop(t *testing.T) {
	d, m, proc, _ := newMonitoredDriver(t)
	m.Backoff = time.Hour

	proc.crash("server_0", 9)
	m.Run() // first restart: lastRestart is zero, so outside the backoff
	assert.Equal(t, 2, proc.starts("server_0"))

	proc.crash("server_0", 9)
	m.Run() // inside the backoff window now
	assert.Equal(t, 2, proc.starts("server_0"))
	running, _, lastError := statusOf(d, "server_0")
	assert.Equal(t, false, running)
	assert.Contains(t, lastError, "backed off")

	m.Backoff = 0
	m.Run() // a later tick retries the backed-off crash
	assert.Equal(t, 3, proc.starts("server_0"))
	running, _, _ = statusOf(d, "server_0")
	assert.Equal(t, true, running)
}

func TestMonitorRetryDisabled(t *testing.T) {
	d, proc, rules := newTestDriver(t)
	doc := testDoc()
	doc.Global.RetryOnError = false
	assert.Equal(t, nil, d.ApplyConfig(doc, true))
	m := NewMonitor(d)

	proc.crash("server_0", 1)
	m.Run()

	running, _, lastError := statusOf(d, "server_0")
	assert.Equal(t, false, running)
	assert.Contains(t, lastError, "exit code 1")
	assert.Equal(t, 1, proc.starts("server_0"))
	// orphaned rules are cleaned up when the instance will not return
	assert.Equal(t, false, rules.installed("server_0"))
}

func TestMonitorIgnoresDisabledInstances(t *testing.T) {
	d, m, proc, _ := newMonitoredDriver(t)

	doc := testDoc()
	doc.Servers[0].Enabled = false
	assert.Equal(t, nil, d.ApplyConfig(doc, true))
	m.Run()
	assert.Equal(t, 1, proc.starts("server_0"))
}
