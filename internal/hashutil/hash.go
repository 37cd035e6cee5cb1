// Package hashutil computes deterministic content hashes over arbitrary Go
// values, used throughout memo to derive stable UIDs for values and calls.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// UID is an opaque fixed-width identifier for a value or a call.
type UID string

// hashOpts fixes the structural-hash format so that equal values always
// produce equal digests regardless of map iteration order or slice
// construction path.
var hashOpts = &hashstructure.HashOptions{
	Hasher: nil, // default fnv
}

// Hash canonicalizes x (ordered-key encoding of maps, stable encoding of
// slices, typed primitives) and returns the hex digest of a 256-bit hash.
// Equal canonical encodings always produce equal UIDs.
func Hash(x any) (UID, error) {
	structural, err := hashstructure.Hash(x, hashstructure.FormatV2, hashOpts)
	if err != nil {
		return "", fmt.Errorf("hashutil: canonicalize: %w", err)
	}
	return foldToUID("v", structural), nil
}

// MustHash panics if Hash fails; used for programmer-controlled inputs
// (e.g. builtin constructor tags) that are known to be hashable.
func MustHash(x any) UID {
	uid, err := Hash(x)
	if err != nil {
		panic(err)
	}
	return uid
}

// Combine derives a single UID from an ordered list of already-computed
// UIDs/parts plus a discriminating label, implementing the H([...]) used
// for call and output-value identity (spec: call_uid, output uid).
func Combine(label string, parts ...any) (UID, error) {
	structural, err := hashstructure.Hash(parts, hashstructure.FormatV2, hashOpts)
	if err != nil {
		return "", fmt.Errorf("hashutil: combine: %w", err)
	}
	return foldToUID(label, structural), nil
}

// foldToUID expands a 64-bit structural hash plus a discriminator label into
// a 256-bit digest via sha256, so that the final identifier has the fixed
// width spec.md recommends while the structural equality work is done by
// hashstructure.
func foldToUID(label string, structural uint64) UID {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%s:%016x", label, structural)
	return UID(hex.EncodeToString(h.Sum(nil)))
}

func (u UID) String() string { return string(u) }

// IsZero reports whether u is the empty UID.
func (u UID) IsZero() bool { return u == "" }
