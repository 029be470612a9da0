package config

// DiffResult partitions instances by the action the supervisor must take to
// reconcile current with desired.
type DiffResult struct {
	ToStart   []Instance // in desired, not in current
	ToStop    []Instance // in current, not in desired
	ToRestart []Instance // in both, process-affecting field changed
	ToUpdate  []Instance // in both, only cosmetic fields changed
}

// Diff compares two configuration snapshots by instance id. It is pure and
// order-independent; it never touches OS state. Only an alias change counts
// as cosmetic; everything else restarts the process (stop then start, never
// live-reload).
func Diff(current, desired []Instance) DiffResult {
	cur := make(map[string]Instance, len(current))
	for _, inst := range current {
		cur[inst.ID] = inst
	}
	var res DiffResult
	seen := make(map[string]bool, len(desired))
	for _, want := range desired {
		seen[want.ID] = true
		have, ok := cur[want.ID]
		if !ok {
			res.ToStart = append(res.ToStart, want)
			continue
		}
		switch {
		case have == want:
			// unchanged
		case coreEqual(have, want):
			res.ToUpdate = append(res.ToUpdate, want)
		default:
			res.ToRestart = append(res.ToRestart, want)
		}
	}
	for _, have := range current {
		if !seen[have.ID] {
			res.ToStop = append(res.ToStop, have)
		}
	}
	return res
}

// coreEqual reports whether a and b agree on every process-affecting field.
func coreEqual(a, b Instance) bool {
	a.Alias = ""
	b.Alias = ""
	return a == b
}
