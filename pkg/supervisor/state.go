package supervisor

import (
	"sync"
	"time"

	"github.com/ihub-2020/udp2rawd/pkg/config"
)

// Phase is an instance's position in its lifecycle.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	// PhaseDegraded is running without the firewall rule the transport
	// mode wants.
	PhaseDegraded Phase = "degraded"
	PhaseStopping Phase = "stopping"
	PhaseCrashed  Phase = "crashed"
)

// instanceState is the observed state for one instance id. The embedded
// mutex serializes every process/rule mutation for this id; unrelated ids
// never contend on it.
type instanceState struct {
	mu sync.Mutex

	cfg          config.Instance
	phase        Phase
	pid          int
	startedAt    time.Time
	restartCount int
	lastExitCode int
	lastError    string
	appliedRules []string
	// manualStop marks an intentional stop; the monitor must not undo it.
	manualStop  bool
	lastRestart time.Time
}

func (st *instanceState) runningLocked() bool {
	return st.phase == PhaseRunning || st.phase == PhaseDegraded
}
