package orchestrator

// Mode selects a context's exit behavior (spec.md §4.G "Context lifecycle").
type Mode int

const (
	// ModeRun commits and syncs to remote on exit, and syncs from remote on
	// entry.
	ModeRun Mode = iota
	// ModeQuery passes through on exit: no commit, no sync.
	ModeQuery
	// ModeBatch runs the batched workflow (draining delayed calls) and
	// commits on exit.
	ModeBatch
)

func (m Mode) String() string {
	switch m {
	case ModeRun:
		return "run"
	case ModeQuery:
		return "query"
	case ModeBatch:
		return "batch"
	default:
		return "unknown"
	}
}
