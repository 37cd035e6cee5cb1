// Package memo provides a minimal public API for embedding memo's
// content-addressed memoization engine in a Go program.
//
// Most callers assemble an Orchestrator over a relational backend and a
// signature registry, then drive calls through Run/Query/Batch scopes.
// For detailed guidance on each component, see DESIGN.md and SPEC_FULL.md.
package memo

import (
	"context"

	"github.com/stratalog/memo/internal/hashutil"
	"github.com/stratalog/memo/internal/model"
	"github.com/stratalog/memo/internal/orchestrator"
	"github.com/stratalog/memo/internal/provenance"
	"github.com/stratalog/memo/internal/relstore"
	"github.com/stratalog/memo/internal/remotesync"
	"github.com/stratalog/memo/internal/schema"
	"github.com/stratalog/memo/internal/signature"
)

// UID is an opaque content-addressed identifier for a value or a call.
type UID = hashutil.UID

// Core types for working with memoized calls.
type (
	ValueRef  = model.ValueRef
	Call      = model.Call
	FuncOp    = model.FuncOp
	Signature = model.Signature
)

// Orchestrator scopes memoized calls within Run/Query/Batch contexts.
type Orchestrator = orchestrator.Orchestrator

// Scope is the handle passed into a Run/Query/Batch callback.
type Scope = orchestrator.Scope

// Config tunes an Orchestrator's autocommit, eviction, and signature-check
// behavior.
type Config = orchestrator.Config

// DefaultConfig returns an autocommitting Orchestrator configuration.
func DefaultConfig() Config { return orchestrator.DefaultConfig() }

// Registry holds known function signatures.
type Registry = signature.Registry

// NewRegistry creates an empty signature registry.
func NewRegistry() *Registry { return signature.New() }

// Store is the transactional relational backend an Orchestrator runs
// calls against.
type Store = relstore.Store

// StoreConfig configures Open.
type StoreConfig = relstore.Config

// Open opens a Dolt-backed relational store (embedded or server mode,
// depending on cfg and build tags).
func Open(ctx context.Context, cfg *StoreConfig) (*relstore.DoltStore, error) {
	return relstore.Open(ctx, cfg)
}

// NewOrchestrator builds an Orchestrator over store and sigs. If syncer is
// nil, remotesync.New(store) is used: it commits, pushes and pulls when
// store also implements remotesync.Remote, and otherwise degrades to
// local-only event-log bookkeeping.
func NewOrchestrator(store Store, sigs *Registry, syncer orchestrator.Syncer, cfg Config) *Orchestrator {
	if syncer == nil {
		syncer = remotesync.New(store)
	}
	return orchestrator.New(store, sigs, syncer, nil, cfg)
}

// EnsureSchema creates memo's core tables (value table, provenance table,
// event log) if they do not already exist. Callers must run this once per
// fresh store before any Orchestrator call.
func EnsureSchema(ctx context.Context, store Store) error {
	return schema.EnsureSchema(ctx, store, nil)
}

// ProvenanceView is a named-column view over a subgraph of recorded calls
// and values (the provenance functor, spec.md §4.I).
type ProvenanceView = provenance.RF

// FromRefs seeds a single-column ProvenanceView from a list of value UIDs.
func FromRefs(refs []UID, backend provenance.Backend) ProvenanceView {
	return provenance.FromRefs(refs, backend)
}

// FromOp materializes a function's whole memoization table as a
// ProvenanceView, one column per input name plus one per output position.
func FromOp(ctx context.Context, sig Signature, op FuncOp, backend provenance.Backend) (ProvenanceView, error) {
	return provenance.FromOp(ctx, sig, op, backend)
}

// NewProvenanceBackend wraps store as a provenance.Backend.
func NewProvenanceBackend(store Store) provenance.Backend {
	return provenance.NewStore(store)
}
