// Package supervisor reconciles running udp2raw processes and their firewall
// rules against the desired configuration. It is the single entry point for
// the HTTP layer; all registry, process, and rule mutations funnel through
// per-instance locks here.
package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ihub-2020/udp2rawd/pkg/api"
	"github.com/ihub-2020/udp2rawd/pkg/config"
	"github.com/ihub-2020/udp2rawd/pkg/errdefs"
	"github.com/ihub-2020/udp2rawd/pkg/process"
	"github.com/sirupsen/logrus"
)

// ProcessController is the process lifecycle surface the driver needs,
// implemented by pkg/process.
type ProcessController interface {
	Start(inst config.Instance) (int, error)
	Stop(id string) error
	IsAlive(id string) bool
	ExitCode(id string) (int, bool)
	Logs(id string, maxLines int) []string
	TailAll(maxLines int) []process.LogEntry
	DropBuffer(id string)
}

// RuleManager is the firewall surface, implemented by pkg/iptables.
type RuleManager interface {
	Apply(inst config.Instance) ([]string, error)
	Retract(handles []string) error
	Inspect() (bool, []string)
}

// Driver is the supervisor facade.
type Driver struct {
	// ConfigPath is the JSON document location.
	ConfigPath string
	// Binary is the udp2raw executable, used for diagnostics; the
	// process controller resolves it independently on every start.
	Binary string

	proc  ProcessController
	rules RuleManager

	// mu guards the registry maps and snapshots only; it is never held
	// across a process or rule operation.
	mu      sync.Mutex
	states  map[string]*instanceState
	current []config.Instance
	global  config.Global
	// gen increments on every apply. Worklist actions carry the gen that
	// produced them and are skipped once a newer apply has taken over.
	gen uint64
}

func NewDriver(configPath, binary string, proc ProcessController, rules RuleManager) *Driver {
	return &Driver{
		ConfigPath: configPath,
		Binary:     binary,
		proc:       proc,
		rules:      rules,
		states:     map[string]*instanceState{},
		global:     config.Default().Global,
	}
}

// GetConfig returns the persisted document with defaults merged in.
func (d *Driver) GetConfig() (*config.Document, error) {
	return config.Load(d.ConfigPath)
}

// ApplyConfig validates and persists the document, then reconciles processes
// and rules to it unless apply is false. Validation is all-or-nothing;
// process and rule actions after it are per-instance.
func (d *Driver) ApplyConfig(doc *config.Document, apply bool) error {
	if err := config.Validate(doc); err != nil {
		return err
	}
	if err := config.Save(d.ConfigPath, doc); err != nil {
		return err
	}
	if !apply {
		logrus.Info("configuration saved without applying")
		return nil
	}
	return d.applyDesired(doc)
}

func (d *Driver) applyDesired(doc *config.Document) error {
	desired := config.Instances(doc)
	if !doc.Global.Enabled {
		// a globally disabled service keeps its configuration but runs
		// nothing; routing this through the diff stops what was up
		for i := range desired {
			desired[i].Enabled = false
		}
	}

	d.mu.Lock()
	diff := config.Diff(d.current, desired)
	d.current = desired
	d.global = doc.Global
	d.gen++
	gen := d.gen
	keep := doc.Global.KeepIptables
	var work []pendingAction
	for _, inst := range diff.ToStop {
		work = append(work, pendingAction{d.stateLocked(inst.ID), inst, actionDelete})
	}
	for _, inst := range diff.ToRestart {
		work = append(work, pendingAction{d.stateLocked(inst.ID), inst, actionReconcile})
	}
	for _, inst := range diff.ToStart {
		work = append(work, pendingAction{d.stateLocked(inst.ID), inst, actionReconcile})
	}
	for _, inst := range diff.ToUpdate {
		work = append(work, pendingAction{d.stateLocked(inst.ID), inst, actionRelabel})
	}
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"start": len(diff.ToStart), "stop": len(diff.ToStop),
		"restart": len(diff.ToRestart), "update": len(diff.ToUpdate),
	}).Info("applying configuration")

	var errs []string
	for _, w := range work {
		w.st.mu.Lock()
		if !d.latestGen(gen) {
			// a newer apply owns reconciliation for this instance now
			w.st.mu.Unlock()
			continue
		}
		switch w.action {
		case actionDelete:
			w.st.cfg = w.inst
			d.stopLocked(w.st, keep)
			d.mu.Lock()
			if d.gen == gen {
				delete(d.states, w.inst.ID)
			}
			d.mu.Unlock()
			d.proc.DropBuffer(w.inst.ID)
		case actionReconcile:
			w.st.cfg = w.inst
			if w.st.runningLocked() || w.st.pid != 0 {
				d.stopLocked(w.st, keep)
			}
			if w.inst.Enabled {
				if err := d.startLocked(w.st); err != nil {
					errs = append(errs, fmt.Sprintf("%s: %s", w.inst.ID, err))
				}
			}
		case actionRelabel:
			w.st.cfg = w.inst
		}
		w.st.mu.Unlock()
	}
	if len(errs) > 0 {
		// recorded per instance already; surfaced once to the caller
		return fmt.Errorf("apply finished with errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

type applyAction int

const (
	actionReconcile applyAction = iota
	actionDelete
	actionRelabel
)

type pendingAction struct {
	st     *instanceState
	inst   config.Instance
	action applyAction
}

func (d *Driver) latestGen(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen == gen
}

// stillCurrent re-checks, after an instance lock was acquired, that the id
// is still configured and st is still its registry record. Both can change
// while a caller waits on st.mu.
func (d *Driver) stillCurrent(id string, st *instanceState) (config.Instance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.states[id] != st {
		return config.Instance{}, false
	}
	for _, inst := range d.current {
		if inst.ID == id {
			return inst, true
		}
	}
	return config.Instance{}, false
}

// stateLocked returns the observed-state record for id, creating it if this
// is the first sighting. Caller holds d.mu.
func (d *Driver) stateLocked(id string) *instanceState {
	st, ok := d.states[id]
	if !ok {
		st = &instanceState{phase: PhaseStopped}
		d.states[id] = st
	}
	return st
}

// startLocked launches the instance's process and then applies its firewall
// rules. The instance is reported running only after rule application has
// completed or definitively failed; a rule failure leaves it degraded, not
// stopped. Caller holds st.mu and has set st.cfg.
func (d *Driver) startLocked(st *instanceState) error {
	inst := st.cfg
	logger := logrus.WithFields(logrus.Fields{"id": inst.ID})
	st.phase = PhaseStarting
	st.manualStop = false
	st.lastError = ""

	pid, err := d.proc.Start(inst)
	if err != nil {
		st.phase = PhaseStopped
		st.pid = 0
		st.lastError = errClass(err)
		logger.Warnf("start failed: %v", err)
		return err
	}
	st.pid = pid
	st.startedAt = time.Now()

	st.phase = PhaseRunning
	if inst.AutoIptables {
		handles, err := d.rules.Apply(inst)
		if err != nil {
			st.phase = PhaseDegraded
			st.lastError = errClass(err)
			logger.Warnf("running degraded: %v", err)
		} else {
			st.appliedRules = handles
		}
	}
	logger.WithFields(logrus.Fields{"pid": pid, "phase": st.phase}).Info("instance up")
	return nil
}

// stopLocked stops the instance's process and retracts its rules unless
// keepRules. Rule retraction failures never block the stop. Caller holds
// st.mu.
func (d *Driver) stopLocked(st *instanceState, keepRules bool) {
	id := st.cfg.ID
	logger := logrus.WithFields(logrus.Fields{"id": id})
	st.phase = PhaseStopping

	if err := d.proc.Stop(id); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		logger.Warnf("stop: %v", err)
	}
	if code, exited := d.proc.ExitCode(id); exited {
		st.lastExitCode = code
	}
	if len(st.appliedRules) > 0 && !keepRules {
		if err := d.rules.Retract(st.appliedRules); err != nil {
			logger.Warnf("rule cleanup: %v", err)
		}
		st.appliedRules = nil
	}
	st.pid = 0
	st.phase = PhaseStopped
	st.startedAt = time.Time{}
	logger.Info("instance stopped")
}

// StartInstance manually starts one enabled instance.
func (d *Driver) StartInstance(id string) error {
	st, inst, err := d.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	globalEnabled := d.global.Enabled
	d.mu.Unlock()
	if !globalEnabled || !inst.Enabled {
		return fmt.Errorf("instance %s is disabled", id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	inst, ok := d.stillCurrent(id, st)
	if !ok {
		return fmt.Errorf("%w: instance %s", errdefs.ErrNotFound, id)
	}
	if !inst.Enabled {
		return fmt.Errorf("instance %s is disabled", id)
	}
	if st.runningLocked() {
		return fmt.Errorf("instance %s is already running", id)
	}
	st.cfg = inst
	return d.startLocked(st)
}

// StopInstance manually stops one instance. The monitor will not restart it
// until the next apply or manual start.
func (d *Driver) StopInstance(id string) error {
	st, _, err := d.lookup(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	keep := d.global.KeepIptables
	d.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	d.stopLocked(st, keep)
	st.manualStop = true
	return nil
}

func (d *Driver) lookup(id string) (*instanceState, config.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inst := range d.current {
		if inst.ID == id {
			return d.stateLocked(id), inst, nil
		}
	}
	return nil, config.Instance{}, fmt.Errorf("%w: instance %s", errdefs.ErrNotFound, id)
}

// Status returns a consistent snapshot of every configured instance. It is
// read-only and never reports a pid the kernel no longer backs.
func (d *Driver) Status() api.Status {
	d.mu.Lock()
	order := make([]config.Instance, len(d.current))
	copy(order, d.current)
	states := make(map[string]*instanceState, len(d.states))
	for id, st := range d.states {
		states[id] = st
	}
	d.mu.Unlock()

	out := api.Status{Tunnels: []api.TunnelStatus{}}
	for _, inst := range order {
		ts := api.TunnelStatus{ID: inst.ID, Alias: inst.Alias}
		if st, ok := states[inst.ID]; ok {
			st.mu.Lock()
			ts.Running = st.runningLocked()
			ts.Pid = st.pid
			ts.Degraded = st.phase == PhaseDegraded
			ts.RestartCount = st.restartCount
			ts.LastError = st.lastError
			st.mu.Unlock()
			if ts.Running && !d.proc.IsAlive(inst.ID) {
				// exited since the last monitor tick
				ts.Running = false
				ts.Pid = 0
			}
		}
		out.Tunnels = append(out.Tunnels, ts)
	}
	return out
}

// Logs returns the merged per-instance buffers, newline-joined, most recent
// last.
func (d *Driver) Logs(lines int) api.Logs {
	entries := d.proc.TailAll(lines)
	formatted := make([]string, len(entries))
	for i, e := range entries {
		formatted[i] = e.String()
	}
	return api.Logs{Logs: strings.Join(formatted, "\n")}
}

// InstanceLogs returns one instance's buffer.
func (d *Driver) InstanceLogs(id string, lines int) ([]string, error) {
	if _, _, err := d.lookup(id); err != nil {
		return nil, err
	}
	return d.proc.Logs(id, lines), nil
}

// Shutdown stops every running instance, honoring keep_iptables.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	keep := d.global.KeepIptables
	var sts []*instanceState
	for _, st := range d.states {
		sts = append(sts, st)
	}
	d.mu.Unlock()
	logrus.WithFields(logrus.Fields{"instances": len(sts)}).Info("shutting down")

	for _, st := range sts {
		st.mu.Lock()
		if st.runningLocked() || st.pid != 0 {
			d.stopLocked(st, keep)
		}
		st.manualStop = true
		st.mu.Unlock()
	}
}

// errClass prefixes recorded errors with their taxonomy class so status
// output stays greppable.
func errClass(err error) string {
	switch {
	case errors.Is(err, errdefs.ErrBinaryUnavailable):
		return "BinaryUnavailable: " + err.Error()
	case errors.Is(err, errdefs.ErrEarlyExit):
		return "EarlyExit: " + err.Error()
	case errors.Is(err, errdefs.ErrRuleApplyFailed):
		return "RuleApplyFailed: " + err.Error()
	case errors.Is(err, errdefs.ErrRuleRetractFailed):
		return "RuleRetractFailed: " + err.Error()
	default:
		return err.Error()
	}
}
