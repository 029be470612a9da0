package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ihub-2020/udp2rawd/pkg/api"
	"github.com/ihub-2020/udp2rawd/pkg/util"
)

const diagProbeTimeout = 2 * time.Second

// Diagnostics reports whether the external binary and the rule tooling are
// usable. It is read-only and always returns a complete snapshot; an
// unhealthy instance never turns this into an error.
func (d *Driver) Diagnostics() api.Diagnostics {
	var diag api.Diagnostics

	if path, err := exec.LookPath(d.Binary); err == nil {
		diag.Binary.Installed = true
		diag.Binary.Hash = fileHash(path)
		diag.Binary.Text = probeFirstLine(path, "-h")
	}

	present, chains := d.rules.Inspect()
	diag.Iptables.Present = present
	diag.Iptables.Chains = chains
	if present {
		diag.Iptables.Text = probeFirstLine("iptables", "--version")
	}
	return diag
}

// probeFirstLine runs a command briefly and returns the first non-empty
// output line, typically a version banner. udp2raw prints its banner on -h
// and exits non-zero, so the exit status is ignored.
func probeFirstLine(name string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), diagProbeTimeout)
	defer cancel()
	out, _ := exec.CommandContext(ctx, name, args...).CombinedOutput()
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return util.ShrinkText(line, 200)
		}
	}
	return ""
}

func fileHash(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
