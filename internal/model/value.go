// Package model defines the immutable value and call records that make up
// memo's content-addressed data model: ValueRef, FuncOp, Signature-linked
// Call, and their UID-driven identity rules.
package model

import (
	"errors"
	"fmt"

	"github.com/stratalog/memo/internal/hashutil"
)

// ErrNotInMemory is returned by Unwrap when a ValueRef has no in-memory
// payload and no loader was supplied to resolve it.
var ErrNotInMemory = errors.New("model: value not in memory")

// Loader resolves a ValueRef's payload by content UID, used by Unwrap when
// obj is absent (e.g. after cache eviction post-commit).
type Loader func(contentUID hashutil.UID) (any, bool, error)

// ValueRef is an immutable reference to a (possibly not-yet-resident) value.
//
// Two UIDs are carried: ContentUID identifies the payload alone; UID
// additionally binds the causal chain (the call that produced it and its
// output position) so structurally identical values from different
// provenance remain distinguishable. For wrapped (non-output) values the
// two UIDs coincide.
type ValueRef struct {
	UID        hashutil.UID
	ContentUID hashutil.UID
	obj        any
	InMemory   bool
	delayed    bool
}

// Delayed returns a placeholder ValueRef carrying no payload, used for
// batched execution before the producing call has actually run.
func Delayed() ValueRef {
	return ValueRef{delayed: true}
}

// IsDelayed reports whether v is a Delayed placeholder.
func (v ValueRef) IsDelayed() bool { return v.delayed }

// Wrap lifts a raw object into a ValueRef. If obj is already a ValueRef it
// is returned unchanged (wrap is idempotent). Otherwise its content UID is
// computed and, since no producing call exists yet, UID == ContentUID.
func Wrap(obj any) (ValueRef, error) {
	if v, ok := obj.(ValueRef); ok {
		return v, nil
	}
	contentUID, err := hashutil.Hash(obj)
	if err != nil {
		return ValueRef{}, fmt.Errorf("model: wrap: %w", err)
	}
	return ValueRef{
		UID:        contentUID,
		ContentUID: contentUID,
		obj:        obj,
		InMemory:   true,
	}, nil
}

// WrapOutputs wraps a call's raw results, binding each to the causal chain:
// UID = H([content_uid, call_uid, output_index]), so structurally identical
// outputs from different calls remain distinguishable.
func WrapOutputs(objs []any, callUID hashutil.UID) ([]ValueRef, error) {
	out := make([]ValueRef, len(objs))
	for i, obj := range objs {
		contentUID, err := hashutil.Hash(obj)
		if err != nil {
			return nil, fmt.Errorf("model: wrap output %d: %w", i, err)
		}
		uid, err := hashutil.Combine("output", contentUID, callUID, i)
		if err != nil {
			return nil, fmt.Errorf("model: wrap output %d: %w", i, err)
		}
		out[i] = ValueRef{
			UID:        uid,
			ContentUID: contentUID,
			obj:        obj,
			InMemory:   true,
		}
	}
	return out, nil
}

// Unwrap returns v's payload, resolving via load if it is not already
// in memory. Returns ErrNotInMemory if neither is available.
func (v ValueRef) Unwrap(load Loader) (any, error) {
	if v.InMemory {
		return v.obj, nil
	}
	if load == nil {
		return nil, ErrNotInMemory
	}
	obj, ok, err := load(v.ContentUID)
	if err != nil {
		return nil, fmt.Errorf("model: unwrap %s: %w", v.UID, err)
	}
	if !ok {
		return nil, ErrNotInMemory
	}
	return obj, nil
}

// Evicted returns a copy of v with its in-memory payload dropped; the UID
// remains resolvable via a Loader. Used after commit when EvictOnCommit is
// configured.
func (v ValueRef) Evicted() ValueRef {
	v.obj = nil
	v.InMemory = false
	return v
}

// WithObj returns a copy of v with obj attached and marked resident, used
// when preloading a lazily-referenced value from the relational store.
func (v ValueRef) WithObj(obj any) ValueRef {
	v.obj = obj
	v.InMemory = true
	return v
}
