package supervisor

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRestartBackoff is the minimum gap between consecutive restarts of
// the same instance, so a crash loop cannot starve the monitor tick.
const DefaultRestartBackoff = 10 * time.Second

// Monitor is the periodic reconcile job. It satisfies cron.Job; the daemon
// schedules it with an @every expression.
type Monitor struct {
	driver  *Driver
	Backoff time.Duration
}

func NewMonitor(d *Driver) *Monitor {
	return &Monitor{driver: d, Backoff: DefaultRestartBackoff}
}

// Run performs one reconcile tick. Each instance check is bounded: liveness
// is a signal probe and a restart is bounded by the spawn grace window.
func (m *Monitor) Run() {
	m.driver.reconcile(m.Backoff)
}

// reconcile restarts desired-enabled instances whose process died behind
// the supervisor's back, per the retry policy.
func (d *Driver) reconcile(backoff time.Duration) {
	d.mu.Lock()
	retry := d.global.RetryOnError
	keep := d.global.KeepIptables
	type pair struct {
		st *instanceState
		id string
	}
	var candidates []pair
	for _, inst := range d.current {
		if !inst.Enabled {
			continue
		}
		if st, ok := d.states[inst.ID]; ok {
			candidates = append(candidates, pair{st, inst.ID})
		}
	}
	d.mu.Unlock()

	for _, c := range candidates {
		c.st.mu.Lock()
		// the instance may have been removed or disabled by an apply
		// that ran between the snapshot and this lock
		if cur, ok := d.stillCurrent(c.id, c.st); !ok || !cur.Enabled {
			c.st.mu.Unlock()
			continue
		}
		if c.st.manualStop {
			c.st.mu.Unlock()
			continue
		}
		switch {
		case c.st.runningLocked():
			if d.proc.IsAlive(c.id) {
				c.st.mu.Unlock()
				continue
			}
			// unexpected exit
			c.st.phase = PhaseCrashed
			c.st.pid = 0
			if code, exited := d.proc.ExitCode(c.id); exited {
				c.st.lastExitCode = code
			}
		case c.st.phase == PhaseCrashed:
			// crash seen on an earlier tick, restart was backed off
		default:
			c.st.mu.Unlock()
			continue
		}
		logger := logrus.WithFields(logrus.Fields{"id": c.id})

		if retry && time.Since(c.st.lastRestart) >= backoff {
			logger.WithFields(logrus.Fields{"exitCode": c.st.lastExitCode}).Warn("process crashed, restarting")
			c.st.restartCount++
			c.st.lastRestart = time.Now()
			if err := d.startLocked(c.st); err != nil {
				logger.Warnf("restart failed: %v", err)
			}
		} else if retry {
			// inside backoff: stay crashed, retried on a later tick
			c.st.lastError = fmt.Sprintf("process crashed (exit code %d), restart backed off", c.st.lastExitCode)
		} else {
			logger.WithFields(logrus.Fields{"exitCode": c.st.lastExitCode}).Warn("process crashed, retry disabled")
			c.st.lastError = fmt.Sprintf("process exited unexpectedly (exit code %d)", c.st.lastExitCode)
			if len(c.st.appliedRules) > 0 && !keep {
				if err := d.rules.Retract(c.st.appliedRules); err != nil {
					logger.Warnf("rule cleanup: %v", err)
				}
				c.st.appliedRules = nil
			}
			c.st.phase = PhaseStopped
		}
		c.st.mu.Unlock()
	}
}
