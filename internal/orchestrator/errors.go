package orchestrator

import "errors"

// Error kinds from spec.md §7. The orchestrator's context exit path catches
// these, restores state, and re-raises; none are silently swallowed except
// where a call explicitly opts into silent-failure semantics.
var (
	ErrSyncConflict        = errors.New("orchestrator: sync conflict")
	ErrNotInMemory         = errors.New("orchestrator: value not in memory")
	ErrProvenanceAmbiguity = errors.New("orchestrator: provenance ambiguity")
	ErrInvalidIndexer      = errors.New("orchestrator: invalid indexer")
	ErrSchemaMissing       = errors.New("orchestrator: schema missing")
	ErrTransactionFailed   = errors.New("orchestrator: transaction failed")

	// ErrNoContext names use of a Scope outside Run/Query/Batch. No
	// operation in this package returns it: a Scope is only created inside
	// those callbacks.
	ErrNoContext = errors.New("orchestrator: no active context")
)
