package util

import (
	"fmt"

	"github.com/google/shlex"
)

// SplitArgs splits a user-provided extra-arguments string into argv tokens
// with shell quoting rules, so values containing spaces survive
// (`--key 'a b'` becomes ["--key", "a b"]).
func SplitArgs(s string) ([]string, error) {
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments %q: %w", s, err)
	}
	return args, nil
}

// ShrinkText truncates s to max runes for log and diagnostics output.
func ShrinkText(s string, max int) string {
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	return string(rs[:max])
}
