// Package iptables installs and retracts the host packet-filter rules a raw
// transport mode needs. Every rule is tagged with its instance id through a
// comment match, so retraction removes exactly what was installed and
// nothing else. The host's own rule set is never flushed.
package iptables

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	ipt "github.com/coreos/go-iptables/iptables"
	"github.com/ihub-2020/udp2rawd/pkg/config"
	"github.com/ihub-2020/udp2rawd/pkg/errdefs"
	"github.com/sirupsen/logrus"
)

const (
	table = "filter"
	// Chain holds every rule this daemon installs, jumped to from INPUT.
	Chain = "UDP2RAWD"

	commentPrefix = "udp2rawd:"
)

// Backend is the subset of go-iptables the manager needs. Tests substitute
// a fake.
type Backend interface {
	NewChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
	AppendUnique(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
	ListChains(table string) ([]string, error)
}

// RuleManager applies and retracts per-instance rules idempotently.
type RuleManager struct {
	mu        sync.Mutex
	serialize bool
	backend   Backend
	initErr   error
}

// New builds a manager on the real iptables tool. waitLock enables the
// xtables lock wait (-w) and additionally serializes rule mutations inside
// this process. A missing or unusable iptables binary is not fatal here:
// Apply will fail per-instance and Inspect will report the tool absent.
func New(waitLock bool) *RuleManager {
	var backend *ipt.IPTables
	var err error
	if waitLock {
		backend, err = ipt.New(ipt.Timeout(5))
	} else {
		backend, err = ipt.New()
	}
	m := &RuleManager{serialize: waitLock, initErr: err}
	if err == nil {
		m.backend = backend
	}
	return m
}

// NewWithBackend is for tests and alternative rule tools.
func NewWithBackend(b Backend, serialize bool) *RuleManager {
	return &RuleManager{backend: b, serialize: serialize}
}

// RulesRequired reports whether a transport mode needs protocol-stack
// interference suppressed. The kernel answers unsolicited segments on a
// faketcp port with RST, which would tear the disguised flow down.
func RulesRequired(rawMode string) bool {
	return rawMode == "faketcp"
}

// specs returns the rulespecs for one instance. Server side drops inbound
// RST-provoking traffic to the listen port; client side drops kernel RSTs
// the client host would send back to the server.
func specs(inst config.Instance) [][]string {
	comment := []string{"-m", "comment", "--comment", commentPrefix + inst.ID}
	if inst.Role == config.RoleServer {
		spec := []string{"-p", "tcp", "--dport", strconv.Itoa(inst.ListenPort), "-j", "DROP"}
		return [][]string{append(spec, comment...)}
	}
	spec := []string{"-p", "tcp", "-s", inst.ServerIP, "--sport", strconv.Itoa(inst.ServerPort), "-j", "DROP"}
	return [][]string{append(spec, comment...)}
}

// Apply installs the instance's rules and returns handles for later exact
// retraction. Re-applying for the same instance never duplicates entries.
// Modes without rule requirements return no handles and no error.
func (m *RuleManager) Apply(inst config.Instance) ([]string, error) {
	if !RulesRequired(inst.RawMode) {
		return nil, nil
	}
	if m.serialize {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	if m.backend == nil {
		return nil, fmt.Errorf("%w: iptables unavailable: %s", errdefs.ErrRuleApplyFailed, m.initErr)
	}

	if err := m.ensureChain(); err != nil {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrRuleApplyFailed, err)
	}

	var handles []string
	for _, spec := range specs(inst) {
		if err := m.backend.AppendUnique(table, Chain, spec...); err != nil {
			return handles, fmt.Errorf("%w: %s", errdefs.ErrRuleApplyFailed, err)
		}
		handles = append(handles, strings.Join(spec, " "))
	}
	logrus.WithFields(logrus.Fields{"id": inst.ID, "rules": len(handles)}).Info("firewall rules applied")
	return handles, nil
}

func (m *RuleManager) ensureChain() error {
	exists, err := m.backend.ChainExists(table, Chain)
	if err != nil {
		return err
	}
	if !exists {
		if err := m.backend.NewChain(table, Chain); err != nil {
			return err
		}
	}
	return m.backend.AppendUnique(table, "INPUT", "-j", Chain)
}

// Retract removes exactly the rules previously returned by Apply. Handles
// already gone are skipped; a genuine failure is reported but retraction
// continues with the remaining handles.
func (m *RuleManager) Retract(handles []string) error {
	if len(handles) == 0 {
		return nil
	}
	if m.serialize {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	if m.backend == nil {
		return fmt.Errorf("%w: iptables unavailable: %s", errdefs.ErrRuleRetractFailed, m.initErr)
	}

	var failed []string
	for _, h := range handles {
		spec := strings.Split(h, " ")
		present, err := m.backend.Exists(table, Chain, spec...)
		if err != nil {
			failed = append(failed, h)
			continue
		}
		if !present {
			continue
		}
		if err := m.backend.Delete(table, Chain, spec...); err != nil {
			failed = append(failed, h)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %d of %d rules: %v", errdefs.ErrRuleRetractFailed, len(failed), len(handles), failed)
	}
	logrus.WithFields(logrus.Fields{"rules": len(handles)}).Info("firewall rules retracted")
	return nil
}

// Inspect reports whether the tool and the daemon's chain are usable, plus
// the chain names present in the filter table. Read-only.
func (m *RuleManager) Inspect() (bool, []string) {
	if m.backend == nil {
		return false, nil
	}
	chains, err := m.backend.ListChains(table)
	if err != nil {
		return false, nil
	}
	return true, chains
}

// InstanceRules lists the rules currently installed for the given instance
// id, matched by comment tag. Read-only, used by diagnostics.
func (m *RuleManager) InstanceRules(id string) []string {
	if m.backend == nil {
		return nil
	}
	rules, err := m.backend.List(table, Chain)
	if err != nil {
		return nil
	}
	var out []string
	needle := commentPrefix + id
	for _, r := range rules {
		if strings.Contains(r, needle) {
			out = append(out, r)
		}
	}
	return out
}
