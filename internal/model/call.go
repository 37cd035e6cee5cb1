package model

import "github.com/stratalog/memo/internal/hashutil"

// Call is an immutable record of one memoized invocation: the function
// identity, its bound inputs, its ordered outputs, and the causal UID that
// ties them together.
type Call struct {
	UID         hashutil.UID
	FuncOp      FuncOp
	Inputs      map[string]ValueRef
	Outputs     []ValueRef
	CausalUID   hashutil.UID
	lazyOutputs []hashutil.UID // set when this Call was loaded lazily (UIDs only)
	lazyInputs  map[string]hashutil.UID
	lazy        bool
}

// NewLazyCall builds a Call that carries only UIDs for its inputs/outputs,
// as returned by a relational adapter's CallGetLazy before payloads are
// resolved.
func NewLazyCall(uid hashutil.UID, funcOp FuncOp, inputUIDs map[string]hashutil.UID, outputUIDs []hashutil.UID) Call {
	return Call{
		UID:         uid,
		FuncOp:      funcOp,
		CausalUID:   uid,
		lazyInputs:  inputUIDs,
		lazyOutputs: outputUIDs,
		lazy:        true,
	}
}

// IsLazy reports whether c still needs SetInputValues/SetOutputValues
// before its Inputs/Outputs fields are populated.
func (c Call) IsLazy() bool { return c.lazy }

// SetInputValues derives a fully-populated Call from a lazy one plus loaded
// ValueRefs, without mutating the receiver.
func (c Call) SetInputValues(loaded map[hashutil.UID]ValueRef) (Call, bool) {
	out := c
	out.Inputs = make(map[string]ValueRef, len(c.lazyInputs))
	for name, uid := range c.lazyInputs {
		v, ok := loaded[uid]
		if !ok {
			return Call{}, false
		}
		out.Inputs[name] = v
	}
	out.lazy = out.lazyOutputs != nil && len(out.Outputs) == 0
	return out, true
}

// SetOutputValues derives a fully-populated Call from a lazy one plus
// loaded ValueRefs, without mutating the receiver.
func (c Call) SetOutputValues(loaded map[hashutil.UID]ValueRef) (Call, bool) {
	out := c
	out.Outputs = make([]ValueRef, len(c.lazyOutputs))
	for i, uid := range c.lazyOutputs {
		v, ok := loaded[uid]
		if !ok {
			return Call{}, false
		}
		out.Outputs[i] = v
	}
	out.lazy = out.lazyInputs != nil && len(out.Inputs) == 0
	return out, true
}

// LazyInputUIDs returns the input-name -> UID map of a lazily-loaded call.
func (c Call) LazyInputUIDs() map[string]hashutil.UID { return c.lazyInputs }

// LazyOutputUIDs returns the ordered output UIDs of a lazily-loaded call.
func (c Call) LazyOutputUIDs() []hashutil.UID { return c.lazyOutputs }

// HashableInputUIDs builds the internal-name -> content-UID map used for
// call-UID hashing, excluding any input whose content UID matches the
// signature's recorded new-input default (so adding a defaulted input never
// changes the identity of pre-existing calls).
func HashableInputUIDs(sig Signature, inputs map[string]ValueRef) map[string]hashutil.UID {
	out := make(map[string]hashutil.UID, len(inputs))
	for internalName, v := range inputs {
		if defaultUID, ok := sig.NewInputDefaultsUIDs[internalName]; ok && defaultUID == v.ContentUID {
			continue
		}
		out[internalName] = v.ContentUID
	}
	return out
}

// ComputeCallUID implements the normative hash in spec.md §6:
// H(canonical([sorted_map(internal_name -> content_uid), versioned_internal_name])).
func ComputeCallUID(sig Signature, inputs map[string]ValueRef) (hashutil.UID, error) {
	hashable := HashableInputUIDs(sig, inputs)
	return hashutil.Combine("call", hashable, sig.VersionedInternalName())
}
