// Package querycompiler defines the narrow boundary between the storage
// orchestrator and the query-compiler / decorator / CLI surface, which
// spec.md marks out of scope: only the interface the orchestrator depends
// on lives here, not an implementation.
package querycompiler

import (
	"context"
)

// Query is a symbolic query tree produced by call_query; its shape is
// owned entirely by the external query-compiler collaborator. The
// orchestrator only ever passes these through opaquely.
type Query struct {
	// FuncOpName is the versioned internal name of the function the query
	// node was built from.
	FuncOpName string
	// Inputs maps input name to the value passed to call_query for that
	// input, copied as is (a raw object, a model.ValueRef, or a nested
	// Query standing for an unresolved ValQuery placeholder).
	Inputs map[string]any
}

// Compiled is a ready-to-run relational query plus the UID column whose
// payloads must be materialized after execution.
type Compiled struct {
	SQL           string
	Args          []any
	PayloadColumn string
}

// Compiler turns a batch of symbolic Query nodes into a single relational
// query. Implemented by the external query-compiler collaborator; the
// orchestrator only calls through this interface.
type Compiler interface {
	Compile(ctx context.Context, queries []Query) (Compiled, error)
}

// UIDColumn is the well-known result column name a Compiler is expected to
// emit for the value whose payload the orchestrator should materialize.
const UIDColumn = "uid"
