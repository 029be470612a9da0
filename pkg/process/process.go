// Package process owns the OS-level lifecycle of udp2raw child processes:
// spawn with an early-exit grace window, output capture into bounded ring
// buffers, graceful stop with kill escalation, and liveness checks.
package process

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ihub-2020/udp2rawd/pkg/config"
	"github.com/ihub-2020/udp2rawd/pkg/errdefs"
	gops "github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const stderrTailLines = 10

// Controller manages one child process per instance id.
type Controller struct {
	// Binary is the udp2raw executable, a path or a bare name resolved
	// against PATH on every Start.
	Binary string
	// GraceWindow is how long after spawn an exit counts as an early exit.
	GraceWindow time.Duration
	// StopTimeout bounds the graceful-stop wait before SIGKILL.
	StopTimeout time.Duration
	// RingSize is the per-instance log buffer capacity in lines.
	RingSize int

	mu    sync.Mutex
	procs map[string]*child
	rings map[string]*LogRing
}

type child struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
	stopping bool
	tail     []string // last stderr lines, for early-exit reporting
}

func NewController(binary string) *Controller {
	return &Controller{
		Binary:      binary,
		GraceWindow: 2 * time.Second,
		StopTimeout: 5 * time.Second,
		RingSize:    DefaultRingSize,
		procs:       map[string]*child{},
		rings:       map[string]*LogRing{},
	}
}

func (c *Controller) ring(id string) *LogRing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ringLocked(id)
}

func (c *Controller) ringLocked(id string) *LogRing {
	r, ok := c.rings[id]
	if !ok {
		r = NewLogRing(id, c.RingSize)
		c.rings[id] = r
	}
	return r
}

// Start spawns the external binary for the instance and returns its pid.
// It fails with ErrBinaryUnavailable before creating any process, and with
// ErrEarlyExit (carrying the captured stderr tail) when the child dies
// within the grace window.
func (c *Controller) Start(inst config.Instance) (int, error) {
	logger := logrus.WithFields(logrus.Fields{"id": inst.ID})

	path, err := exec.LookPath(c.Binary)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", errdefs.ErrBinaryUnavailable, err)
	}
	args, err := BuildArgs(inst)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if old, ok := c.procs[inst.ID]; ok && !old.isExited() {
		c.mu.Unlock()
		return 0, fmt.Errorf("instance %s is already running", inst.ID)
	}
	ring := c.ringLocked(inst.ID)
	c.mu.Unlock()

	logger.Debugf("udp2raw args: %v", args)
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %s", errdefs.ErrBinaryUnavailable, err)
	}

	ch := &child{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	ring.Append(fmt.Sprintf("[System] started (pid %d)", ch.pid))

	var drains sync.WaitGroup
	drains.Add(2)
	go func() {
		defer drains.Done()
		drain(stdout, ring, nil)
	}()
	go func() {
		defer drains.Done()
		drain(stderr, ring, ch)
	}()

	go func() {
		drains.Wait()
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		ch.mu.Lock()
		ch.exited = true
		ch.exitCode = code
		stopping := ch.stopping
		ch.mu.Unlock()
		if stopping {
			ring.Append("[System] stopped")
		} else {
			ring.Append(fmt.Sprintf("[System] crashed (exit code %d)", code))
			logger.WithFields(logrus.Fields{"pid": ch.pid, "exitCode": code}).Warnf("process exited: %v", err)
		}
		close(ch.done)
	}()

	// Early-exit grace window: a child that cannot bind its port or parse
	// its arguments dies here, and the caller gets the stderr tail.
	select {
	case <-ch.done:
		return 0, fmt.Errorf("%w: exit code %d: %s", errdefs.ErrEarlyExit, ch.code(), ch.stderrTail())
	case <-time.After(c.GraceWindow):
	}

	c.mu.Lock()
	c.procs[inst.ID] = ch
	c.mu.Unlock()
	logger.WithFields(logrus.Fields{"pid": ch.pid}).Info("process started")
	return ch.pid, nil
}

func drain(r io.Reader, ring *LogRing, ch *child) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ring.Append(line)
		if ch != nil {
			ch.mu.Lock()
			ch.tail = append(ch.tail, line)
			if len(ch.tail) > stderrTailLines {
				ch.tail = ch.tail[1:]
			}
			ch.mu.Unlock()
		}
	}
}

// Stop terminates the instance's process: SIGTERM, bounded wait, then
// SIGKILL to the process group. The child is always reaped, and its exit
// code stays queryable through ExitCode until a new Start or DropBuffer.
// A forced kill is logged as a warning, not returned as an error.
func (c *Controller) Stop(id string) error {
	logger := logrus.WithFields(logrus.Fields{"id": id})

	c.mu.Lock()
	ch, ok := c.procs[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: instance %s has no process", errdefs.ErrNotFound, id)
	}

	ch.mu.Lock()
	ch.stopping = true
	exited := ch.exited
	ch.mu.Unlock()
	if exited {
		<-ch.done
		return nil
	}

	logger.WithFields(logrus.Fields{"pid": ch.pid}).Info("terminating process")
	if err := ch.cmd.Process.Signal(unix.SIGTERM); err != nil {
		logger.Debugf("SIGTERM failed: %v", err)
	}

	select {
	case <-ch.done:
		return nil
	case <-time.After(c.StopTimeout):
	}

	logger.WithFields(logrus.Fields{"pid": ch.pid}).Warn("graceful stop timed out, killing process group")
	_ = unix.Kill(-ch.pid, unix.SIGKILL)
	select {
	case <-ch.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("%w: pid %d not reaped after SIGKILL", errdefs.ErrKillTimeout, ch.pid)
	}
}

// IsAlive reports whether the instance's process is running. The internal
// exit flag is cross-checked against the kernel so a reused or stale pid is
// never reported alive.
func (c *Controller) IsAlive(id string) bool {
	c.mu.Lock()
	ch, ok := c.procs[id]
	c.mu.Unlock()
	if !ok || ch.isExited() {
		return false
	}
	exists, err := gops.PidExists(int32(ch.pid))
	return err == nil && exists
}

// Pid returns the running pid for the instance, 0 when not running.
func (c *Controller) Pid(id string) int {
	c.mu.Lock()
	ch, ok := c.procs[id]
	c.mu.Unlock()
	if !ok || ch.isExited() {
		return 0
	}
	return ch.pid
}

// ExitCode returns the last exit code for the instance and whether the
// process has exited at all.
func (c *Controller) ExitCode(id string) (int, bool) {
	c.mu.Lock()
	ch, ok := c.procs[id]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.exitCode, ch.exited
}

// Logs returns up to maxLines formatted lines from the instance's buffer,
// oldest first. The buffer outlives the process.
func (c *Controller) Logs(id string, maxLines int) []string {
	entries := c.ring(id).Tail(maxLines)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.String()
	}
	return out
}

// TailAll merges the buffers of every instance into one time-ordered slice,
// most recent last.
func (c *Controller) TailAll(maxLines int) []LogEntry {
	c.mu.Lock()
	rings := make([]*LogRing, 0, len(c.rings))
	for _, r := range c.rings {
		rings = append(rings, r)
	}
	c.mu.Unlock()

	var all []LogEntry
	for _, r := range rings {
		all = append(all, r.Tail(0)...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].When.Before(all[j].When) })
	if maxLines > 0 && len(all) > maxLines {
		all = all[len(all)-maxLines:]
	}
	return all
}

// DropBuffer discards the log buffer and exit record of a deleted instance.
func (c *Controller) DropBuffer(id string) {
	c.mu.Lock()
	delete(c.rings, id)
	delete(c.procs, id)
	c.mu.Unlock()
}

func (ch *child) isExited() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.exited
}

func (ch *child) code() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.exitCode
}

func (ch *child) stderrTail() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return strings.Join(ch.tail, " | ")
}
