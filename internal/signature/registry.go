// Package signature implements the function-signature registry: internal
// name assignment, additive input evolution, UI renaming, and version
// bumps, grounded on the teacher's spec_registry upsert/list idiom
// (content + version rows kept in sync with a backing store) adapted from
// filesystem specs to function signatures.
package signature

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stratalog/memo/internal/hashutil"
	"github.com/stratalog/memo/internal/model"
)

// ErrSyncConflict is returned when the registry observes a remote-side
// signature incompatible with the local one (type change, removed input).
var ErrSyncConflict = errors.New("signature: sync conflict")

// ErrUnknownSignature is returned when an operation names an internal name
// that has never been registered.
var ErrUnknownSignature = errors.New("signature: unknown internal name")

// Registry holds all known function signatures, keyed by internal name.
// Safe for concurrent use; the orchestrator is expected to serialize writes
// at a higher level but reads may race with registration in practice.
type Registry struct {
	mu   sync.RWMutex
	sigs map[string]model.Signature
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sigs: make(map[string]model.Signature)}
}

// Register adds a new signature. The internal name, once registered, is
// immutable for the lifetime of the registry; re-registering the same
// internal name with an identical shape is a no-op, but a conflicting shape
// is an error (see IsSynced for the remote-sync equivalent).
func (r *Registry) Register(sig model.Signature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sigs[sig.InternalName]; ok {
		if !sameShape(existing, sig) {
			return fmt.Errorf("signature: %s already registered with a different shape: %w", sig.InternalName, ErrSyncConflict)
		}
		return nil
	}
	r.sigs[sig.InternalName] = sig.Clone()
	return nil
}

// Get returns the current signature for internalName.
func (r *Registry) Get(internalName string) (model.Signature, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sig, ok := r.sigs[internalName]
	return sig, ok
}

// AddInput adds a new input to a signature, requiring a default object.
// The default's content UID is recorded so that calls made before the
// input existed keep their identity (spec.md §4.C).
func (r *Registry) AddInput(internalName, name string, defaultObj any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.sigs[internalName]
	if !ok {
		return fmt.Errorf("signature: add input to %s: %w", internalName, ErrUnknownSignature)
	}
	defaultVal, err := model.Wrap(defaultObj)
	if err != nil {
		return fmt.Errorf("signature: hash default for %s.%s: %w", internalName, name, err)
	}

	updated := sig.Clone()
	updated.InputNames = append(updated.InputNames, name)
	if updated.NewInputDefaultsUIDs == nil {
		updated.NewInputDefaultsUIDs = make(map[string]hashutil.UID)
	}
	updated.NewInputDefaultsUIDs[name] = defaultVal.ContentUID
	r.sigs[internalName] = updated
	return nil
}

// RenameInput alters the UI-facing name for an internal input. The
// internal name itself never changes; only the UI<->internal map does.
func (r *Registry) RenameInput(internalName, oldUIName, newUIName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.sigs[internalName]
	if !ok {
		return fmt.Errorf("signature: rename input on %s: %w", internalName, ErrUnknownSignature)
	}
	updated := sig.Clone()
	if updated.UIToInternalInput == nil {
		updated.UIToInternalInput = make(map[string]string)
	}
	internal := updated.InternalInputName(oldUIName)
	delete(updated.UIToInternalInput, oldUIName)
	updated.UIToInternalInput[newUIName] = internal
	r.sigs[internalName] = updated
	return nil
}

// BumpVersion increments a signature's version, yielding a new
// VersionedInternalName (and therefore a fresh memo table) while the
// internal name itself is unchanged.
func (r *Registry) BumpVersion(internalName string) (model.Signature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.sigs[internalName]
	if !ok {
		return model.Signature{}, fmt.Errorf("signature: bump version of %s: %w", internalName, ErrUnknownSignature)
	}
	updated := sig.Clone()
	updated.Version++
	r.sigs[internalName] = updated
	return updated, nil
}

// IsSynced reports whether the local signature for internalName is
// compatible with remote, and if not, a human-readable reason (spec.md
// §4.C). Compatibility means: same input/output types, and the remote
// does not remove an input the local signature still declares.
func (r *Registry) IsSynced(remote model.Signature) (bool, string) {
	r.mu.RLock()
	local, ok := r.sigs[remote.InternalName]
	r.mu.RUnlock()
	if !ok {
		return true, "" // nothing local to conflict with yet
	}
	for name, localType := range local.InputTypes {
		remoteType, present := remote.InputTypes[name]
		if !present {
			return false, fmt.Sprintf("remote removed input %q", name)
		}
		if remoteType != localType {
			return false, fmt.Sprintf("input %q changed type: local=%s remote=%s", name, localType, remoteType)
		}
	}
	if len(local.OutputTypes) != len(remote.OutputTypes) {
		return false, fmt.Sprintf("output count changed: local=%d remote=%d", len(local.OutputTypes), len(remote.OutputTypes))
	}
	for i, t := range local.OutputTypes {
		if remote.OutputTypes[i] != t {
			return false, fmt.Sprintf("output %d changed type: local=%s remote=%s", i, t, remote.OutputTypes[i])
		}
	}
	return true, ""
}

// RenameTables translates table/column names according to dir: `internal`
// renders internal names, `ui` renders the user-facing names. tables maps
// an opaque table identifier to its current name (a versioned UI name for
// ToInternal, a versioned internal name for ToUI); the returned map has
// the same keys translated to the target direction, and names that match
// no registered signature are returned unchanged.
type Direction int

const (
	ToInternal Direction = iota
	ToUI
)

func (r *Registry) RenameTables(tables map[string]string, dir Direction) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(tables))
	for key, name := range tables {
		out[key] = r.translateTableName(name, dir)
	}
	return out
}

func (r *Registry) translateTableName(name string, dir Direction) string {
	for _, sig := range r.sigs {
		switch dir {
		case ToInternal:
			if name == sig.VersionedUIName() {
				return fmt.Sprintf("%s@%d", sig.InternalName, sig.Version)
			}
		case ToUI:
			if name == fmt.Sprintf("%s@%d", sig.InternalName, sig.Version) {
				return sig.VersionedUIName()
			}
		}
	}
	return name
}

func sameShape(a, b model.Signature) bool {
	if len(a.InputNames) != len(b.InputNames) || len(a.OutputTypes) != len(b.OutputTypes) {
		return false
	}
	for name, t := range a.InputTypes {
		if b.InputTypes[name] != t {
			return false
		}
	}
	return true
}
