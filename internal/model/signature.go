package model

import (
	"fmt"

	"github.com/stratalog/memo/internal/hashutil"
)

// Signature is the persisted identity of a memoized function: its
// immutable internal name, version, declared input/output shape, and the
// UI-facing renaming layer on top of that immutable core.
type Signature struct {
	UIName       string
	InternalName string // chosen at first registration, never renamed
	Version      int

	InputNames  []string
	InputTypes  map[string]string
	OutputTypes []string

	UIToInternalInput map[string]string

	// NewInputDefaultsUIDs maps internal input name -> content UID of the
	// default value recorded when that input was added after initial
	// registration. Inputs whose content UID matches this default are excluded from call-UID
	// hashing so pre-existing calls keep their identity.
	NewInputDefaultsUIDs map[string]hashutil.UID
}

// VersionedInternalName is the stable identity used in call-UID hashing.
func (s Signature) VersionedInternalName() string {
	return fmt.Sprintf("%s@%d", s.InternalName, s.Version)
}

// VersionedUIName is the memo-table name: per-function tables are named by
// versioned UI name (spec.md §4.F).
func (s Signature) VersionedUIName() string {
	return fmt.Sprintf("%s@%d", s.UIName, s.Version)
}

// InternalInputName translates a UI-facing input name to its immutable
// internal name, falling back to the UI name itself if no rename is on
// record (the common case).
func (s Signature) InternalInputName(uiName string) string {
	if internal, ok := s.UIToInternalInput[uiName]; ok {
		return internal
	}
	return uiName
}

// Clone returns a deep copy of s so registry mutations (AddInput, rename,
// bump version) never alias a caller's copy.
func (s Signature) Clone() Signature {
	c := s
	c.InputNames = append([]string(nil), s.InputNames...)
	c.OutputTypes = append([]string(nil), s.OutputTypes...)
	c.InputTypes = cloneStringMap(s.InputTypes)
	c.UIToInternalInput = cloneStringMap(s.UIToInternalInput)
	c.NewInputDefaultsUIDs = make(map[string]hashutil.UID, len(s.NewInputDefaultsUIDs))
	for k, v := range s.NewInputDefaultsUIDs {
		c.NewInputDefaultsUIDs[k] = v
	}
	return c
}

func cloneStringMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
