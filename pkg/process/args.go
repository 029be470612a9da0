package process

import (
	"fmt"

	"github.com/ihub-2020/udp2rawd/pkg/config"
	"github.com/ihub-2020/udp2rawd/pkg/util"
)

// udp2raw's --log-level takes a number, not a name.
var logLevelNumbers = map[string]int{
	"fatal": 1,
	"error": 2,
	"warn":  3,
	"info":  4,
	"debug": 5,
	"trace": 6,
}

// BuildArgs derives the udp2raw argument vector from an instance record.
// The result is deterministic for a given record. User extra_args go last so
// they can override anything the builder emitted. The -a flag is never
// passed: rule lifecycle belongs to the supervisor, which must be able to
// retract exactly what it installed.
func BuildArgs(inst config.Instance) ([]string, error) {
	var args []string
	switch inst.Role {
	case config.RoleServer:
		args = append(args,
			"-s",
			fmt.Sprintf("-l%s:%d", inst.ListenIP, inst.ListenPort),
			fmt.Sprintf("-r%s:%d", inst.ForwardIP, inst.ForwardPort),
		)
	case config.RoleClient:
		args = append(args,
			"-c",
			fmt.Sprintf("-l%s:%d", inst.LocalIP, inst.LocalPort),
			fmt.Sprintf("-r%s:%d", inst.ServerIP, inst.ServerPort),
		)
	default:
		return nil, fmt.Errorf("unsupported role: %q", inst.Role)
	}

	args = append(args,
		fmt.Sprintf("-k%s", inst.Password),
		fmt.Sprintf("--raw-mode=%s", inst.RawMode),
		fmt.Sprintf("--cipher-mode=%s", inst.CipherMode),
		fmt.Sprintf("--auth-mode=%s", inst.AuthMode),
	)

	if inst.Role == config.RoleClient {
		args = append(args, fmt.Sprintf("--seq-mode=%d", inst.SeqMode))
		if inst.SourceIP != "" {
			args = append(args, fmt.Sprintf("--source-ip=%s", inst.SourceIP))
		}
		if inst.SourcePort != 0 {
			args = append(args, fmt.Sprintf("--source-port=%d", inst.SourcePort))
		}
	}

	if inst.LowerLevel != "" {
		args = append(args, fmt.Sprintf("--lower-level=%s", inst.LowerLevel))
	}
	if inst.Dev != "" {
		args = append(args, fmt.Sprintf("--dev=%s", inst.Dev))
	}
	if inst.DisableAntiReplay {
		args = append(args, "--disable-anti-replay")
	}
	if inst.DisableBPF {
		args = append(args, "--disable-bpf")
	}

	level, ok := logLevelNumbers[inst.LogLevel]
	if !ok {
		level = logLevelNumbers["info"]
	}
	args = append(args, fmt.Sprintf("--log-level=%d", level))

	if inst.ExtraArgs != "" {
		extra, err := util.SplitArgs(inst.ExtraArgs)
		if err != nil {
			return nil, fmt.Errorf("extra_args: %w", err)
		}
		args = append(args, extra...)
	}
	return args, nil
}
