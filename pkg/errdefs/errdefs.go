// Package errdefs defines the error classes shared across the supervisor.
// Callers match them with errors.Is; packages wrap them with %w to attach
// per-instance detail.
package errdefs

import "errors"

var (
	// ErrConfigInvalid is returned when a configuration document fails
	// validation. No process or firewall action is taken in that case.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrBinaryUnavailable is returned when the udp2raw executable is
	// missing or not executable. Fatal for the instance only.
	ErrBinaryUnavailable = errors.New("binary unavailable")

	// ErrEarlyExit is returned when the child process exits within the
	// grace window after spawn.
	ErrEarlyExit = errors.New("early exit")

	// ErrRuleApplyFailed is returned when a firewall rule could not be
	// installed. The instance keeps running in degraded mode.
	ErrRuleApplyFailed = errors.New("rule apply failed")

	// ErrRuleRetractFailed is returned when best-effort rule cleanup
	// failed. It never blocks an instance stop.
	ErrRuleRetractFailed = errors.New("rule retract failed")

	// ErrKillTimeout is returned when a graceful stop exceeded its
	// timeout and the process had to be killed.
	ErrKillTimeout = errors.New("kill timeout")

	// ErrNotFound is returned when an instance id is unknown.
	ErrNotFound = errors.New("not found")
)
