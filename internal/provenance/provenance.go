// Package provenance implements memo's provenance functor (spec.md §4.I):
// an arena-allocated subgraph of ValNodes and CallNodes over persisted
// provenance, addressed by index rather than Go pointers so the graph can
// contain cycles (a value both consumed and produced transitively by the
// same function) without leaking or requiring a cycle collector.
//
// Grounded on internal/query/evaluator.go's columnar evaluation style
// (Eval produces a dataframe of resolved values, not raw rows) and the
// storage layer's UID-keyed addressing used throughout internal/schema.
package provenance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stratalog/memo/internal/hashutil"
	"github.com/stratalog/memo/internal/model"
	"github.com/stratalog/memo/internal/relstore"
	"github.com/stratalog/memo/internal/schema"
)

// ErrProvenanceAmbiguity is raised by Back when creators span multiple ops
// or disagree on the output name a value was produced under, unless the
// caller opted into silent failure.
var ErrProvenanceAmbiguity = fmt.Errorf("provenance: ambiguous creators")

// ErrInvalidIndexer is raised by Select/Mask for an unsupported index shape.
var ErrInvalidIndexer = fmt.Errorf("provenance: invalid indexer")

// ValNode is one node of the value side of the subgraph: an ordered list
// of value UIDs (its "refs"), the calls that produced them, and the
// output name each was produced as.
type ValNode struct {
	Type      string
	Refs      []hashutil.UID
	Creators  []int    // indices into Graph.Calls
	CreatedAs []string // output name per creator, aligned with Creators
}

// refsHash is a ValNode's identity: stable as a function of Refs alone,
// used to deduplicate and to detect when two ValNodes should be merged.
func (v ValNode) refsHash() hashutil.UID {
	return hashutil.MustHash(v.Refs)
}

// CallNode is one node of the call side of the subgraph: the function
// identity, its named input/output ValNode indices, and the ordered list
// of call UIDs it represents (a CallNode can stand for many calls to the
// same op, grouped because they share the same input/output shape).
type CallNode struct {
	FuncOpName  string
	Inputs      map[string]int // name -> index into Graph.Values
	Outputs     map[string]int
	CallUIDs    []hashutil.UID
	Orientation model.Orientation
}

// callUIDsHash is a CallNode's identity within the subgraph: two CallNodes
// with the same hash are the same node and must be merged.
func (c CallNode) callUIDsHash() hashutil.UID {
	return hashutil.MustHash(c.CallUIDs)
}

// Graph is the arena backing a subgraph: all ValNodes and CallNodes are
// addressed by index, never by pointer, so the graph can hold cycles
// safely and Copy() is a flat, cheap value-slice clone.
type Graph struct {
	Values []ValNode
	Calls  []CallNode
}

func (g *Graph) addValue(v ValNode) int {
	g.Values = append(g.Values, v)
	return len(g.Values) - 1
}

func (g *Graph) addCall(c CallNode) int {
	g.Calls = append(g.Calls, c)
	return len(g.Calls) - 1
}

// findCallByHash returns the index of an existing CallNode sharing hash h,
// or -1 if none exists yet (CallNode identity merging, spec.md §4.I).
func (g *Graph) findCallByHash(h hashutil.UID) int {
	for i, c := range g.Calls {
		if c.callUIDsHash() == h {
			return i
		}
	}
	return -1
}

// findValueByHash returns the index of an existing ValNode sharing hash h,
// or -1 if none exists (ValNode dedup by refs_hash, spec.md §4.I).
func (g *Graph) findValueByHash(h hashutil.UID) int {
	for i, v := range g.Values {
		if v.refsHash() == h {
			return i
		}
	}
	return -1
}

// RF is a named view over a Graph: a set of column names, each bound to a
// ValNode index. Distinct columns may alias the same ValNode.
type RF struct {
	graph   *Graph
	columns map[string]int // name -> Graph.Values index
	order   []string       // preserves column insertion order for Eval/rename
	backend Backend
}

// Backend is the storage boundary the functor reads through: it never
// touches the orchestrator's in-memory caches directly, only the
// persisted relational store (spec.md §4.I operates "over persisted
// provenance").
type Backend interface {
	LoadPayload(ctx context.Context, uid hashutil.UID) (any, bool, error)
	Provenance(ctx context.Context) ([]schema.ProvenanceRow, error)
	MemoTable(ctx context.Context, sig model.Signature, funcOp model.FuncOp, numOutputs int) ([]model.Call, error)
}

// Store adapts a relstore.Store into a Backend using the plain JSON
// payload encoding the orchestrator itself uses (encoding/json).
type Store struct {
	rel relstore.Store
}

// NewStore wraps rel as a provenance Backend.
func NewStore(rel relstore.Store) *Store {
	return &Store{rel: rel}
}

func (s *Store) LoadPayload(ctx context.Context, uid hashutil.UID) (any, bool, error) {
	encoded, ok, err := schema.ObjGet(ctx, s.rel, nil, uid)
	if err != nil || !ok {
		return nil, ok, err
	}
	var payload any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *Store) Provenance(ctx context.Context) ([]schema.ProvenanceRow, error) {
	return schema.GetProvenance(ctx, s.rel, nil)
}

func (s *Store) MemoTable(ctx context.Context, sig model.Signature, funcOp model.FuncOp, numOutputs int) ([]model.Call, error) {
	return schema.GetMemoTable(ctx, s.rel, nil, sig, funcOp, numOutputs)
}

// FromRefs builds an RF with a single column, "v0", bound to one ValNode
// wrapping refs in order (spec.md §4.I's from_refs).
func FromRefs(refs []hashutil.UID, backend Backend) RF {
	g := &Graph{}
	idx := g.addValue(ValNode{Refs: append([]hashutil.UID(nil), refs...)})
	return RF{graph: g, columns: map[string]int{"v0": idx}, order: []string{"v0"}, backend: backend}
}

// FromOp materializes a function's whole memoization table as one
// CallNode plus one ValNode per named input and per named output
// (spec.md §4.I's from_op). Column names are the signature's input names
// plus "output_0".."output_{n-1}".
func FromOp(ctx context.Context, sig model.Signature, funcOp model.FuncOp, backend Backend) (RF, error) {
	numOutputs := len(sig.OutputTypes)
	calls, err := backend.MemoTable(ctx, sig, funcOp, numOutputs)
	if err != nil {
		return RF{}, fmt.Errorf("provenance: from_op %s: %w", sig.InternalName, err)
	}

	g := &Graph{}
	inputRefs := make(map[string][]hashutil.UID, len(sig.InputNames))
	outputRefs := make([][]hashutil.UID, numOutputs)
	var callUIDs []hashutil.UID

	for _, c := range calls {
		callUIDs = append(callUIDs, c.UID)
		for _, name := range sig.InputNames {
			if v, ok := c.Inputs[name]; ok {
				inputRefs[name] = append(inputRefs[name], v.UID)
			} else {
				inputRefs[name] = append(inputRefs[name], "")
			}
		}
		for i := 0; i < numOutputs; i++ {
			if i < len(c.Outputs) {
				outputRefs[i] = append(outputRefs[i], c.Outputs[i].UID)
			} else {
				outputRefs[i] = append(outputRefs[i], "")
			}
		}
	}

	call := CallNode{FuncOpName: sig.VersionedInternalName(), Inputs: map[string]int{}, Outputs: map[string]int{}, CallUIDs: callUIDs}

	columns := make(map[string]int, len(sig.InputNames)+numOutputs)
	var order []string
	for _, name := range sig.InputNames {
		idx := g.addValue(ValNode{Refs: inputRefs[name]})
		call.Inputs[name] = idx
		columns[name] = idx
		order = append(order, name)
	}
	callIdx := g.addCall(call)
	for i := 0; i < numOutputs; i++ {
		outName := fmt.Sprintf("output_%d", i)
		idx := g.addValue(ValNode{Refs: outputRefs[i], Creators: []int{callIdx}, CreatedAs: []string{outName}})
		g.Calls[callIdx].Outputs[outName] = idx
		columns[outName] = idx
		order = append(order, outName)
	}

	return RF{graph: g, columns: columns, order: order, backend: backend}, nil
}

// Columns returns the RF's column names in insertion order.
func (r RF) Columns() []string {
	return append([]string(nil), r.order...)
}

// Column returns the ordered value UIDs bound to the named column.
func (r RF) Column(name string) ([]hashutil.UID, error) {
	idx, ok := r.columns[name]
	if !ok {
		return nil, fmt.Errorf("provenance: no such column %q: %w", name, ErrInvalidIndexer)
	}
	return r.graph.Values[idx].Refs, nil
}

// Len returns the row count, taken from the first column (all columns of
// an RF are positionally aligned, spec.md §4.I's invariant).
func (r RF) Len() int {
	for _, idx := range r.columns {
		return len(r.graph.Values[idx].Refs)
	}
	return 0
}

// Select returns a new RF restricted to the named columns (spec.md §4.I's
// __getitem__ with a list of column names). The underlying graph is
// shared; Select does not copy rows.
func (r RF) Select(cols []string) (RF, error) {
	out := RF{graph: r.graph, columns: make(map[string]int, len(cols)), order: append([]string(nil), cols...), backend: r.backend}
	for _, c := range cols {
		idx, ok := r.columns[c]
		if !ok {
			return RF{}, fmt.Errorf("provenance: no such column %q: %w", c, ErrInvalidIndexer)
		}
		out.columns[c] = idx
	}
	return out, nil
}

// Mask returns a new RF with every ValNode's and CallNode's positional
// data filtered by mask, which must have length r.Len() (spec.md §4.I's
// boolean-mask indexing; alignment across nodes is preserved).
func (r RF) Mask(mask []bool) (RF, error) {
	if len(mask) != r.Len() {
		return RF{}, fmt.Errorf("provenance: mask length %d does not match row count %d: %w", len(mask), r.Len(), ErrInvalidIndexer)
	}
	g := &Graph{Values: make([]ValNode, len(r.graph.Values)), Calls: make([]CallNode, len(r.graph.Calls))}
	for i, v := range r.graph.Values {
		g.Values[i] = filterValNode(v, mask)
	}
	for i, c := range r.graph.Calls {
		g.Calls[i] = filterCallNode(c, mask)
	}
	columns := make(map[string]int, len(r.columns))
	for k, v := range r.columns {
		columns[k] = v
	}
	return RF{graph: g, columns: columns, order: append([]string(nil), r.order...), backend: r.backend}, nil
}

func filterValNode(v ValNode, mask []bool) ValNode {
	out := ValNode{Type: v.Type}
	for i, keep := range mask {
		if keep && i < len(v.Refs) {
			out.Refs = append(out.Refs, v.Refs[i])
		}
	}
	out.Creators = append([]int(nil), v.Creators...)
	out.CreatedAs = append([]string(nil), v.CreatedAs...)
	return out
}

func filterCallNode(c CallNode, mask []bool) CallNode {
	out := CallNode{FuncOpName: c.FuncOpName, Inputs: c.Inputs, Outputs: c.Outputs, Orientation: c.Orientation}
	for i, keep := range mask {
		if keep && i < len(c.CallUIDs) {
			out.CallUIDs = append(out.CallUIDs, c.CallUIDs[i])
		}
	}
	return out
}

// Copy returns a deep copy of the subgraph, preserving cross-edges and
// node identity (spec.md §4.I's copy()).
func (r RF) Copy() RF {
	g := &Graph{Values: make([]ValNode, len(r.graph.Values)), Calls: make([]CallNode, len(r.graph.Calls))}
	for i, v := range r.graph.Values {
		g.Values[i] = ValNode{
			Type:      v.Type,
			Refs:      append([]hashutil.UID(nil), v.Refs...),
			Creators:  append([]int(nil), v.Creators...),
			CreatedAs: append([]string(nil), v.CreatedAs...),
		}
	}
	for i, c := range r.graph.Calls {
		inputs := make(map[string]int, len(c.Inputs))
		for k, v := range c.Inputs {
			inputs[k] = v
		}
		outputs := make(map[string]int, len(c.Outputs))
		for k, v := range c.Outputs {
			outputs[k] = v
		}
		g.Calls[i] = CallNode{
			FuncOpName:  c.FuncOpName,
			Inputs:      inputs,
			Outputs:     outputs,
			CallUIDs:    append([]hashutil.UID(nil), c.CallUIDs...),
			Orientation: c.Orientation,
		}
	}
	columns := make(map[string]int, len(r.columns))
	for k, v := range r.columns {
		columns[k] = v
	}
	return RF{graph: g, columns: columns, order: append([]string(nil), r.order...), backend: r.backend}
}

// Rename alters the column -> node mapping; fails if a target name
// collides with an existing column that isn't being renamed away.
func (r RF) Rename(names map[string]string) (RF, error) {
	newColumns := make(map[string]int, len(r.columns))
	newOrder := make([]string, len(r.order))
	taken := make(map[string]bool, len(r.columns))

	for old, idx := range r.columns {
		name := old
		if renamed, ok := names[old]; ok {
			name = renamed
		}
		if taken[name] {
			return RF{}, fmt.Errorf("provenance: rename target %q collides with an existing column", name)
		}
		taken[name] = true
		newColumns[name] = idx
	}
	for i, old := range r.order {
		if renamed, ok := names[old]; ok {
			newOrder[i] = renamed
		} else {
			newOrder[i] = old
		}
	}
	return RF{graph: r.graph, columns: newColumns, order: newOrder, backend: r.backend}, nil
}

// Eval loads and unwraps payloads for cols (or every column if cols is
// empty) into a DataFrame, row-aligned (spec.md §4.I's eval()).
func (r RF) Eval(ctx context.Context, cols []string) (relstore.DataFrame, error) {
	if len(cols) == 0 {
		cols = r.order
	}
	df := relstore.DataFrame{Columns: append([]string(nil), cols...)}
	n := r.Len()
	df.Rows = make([]relstore.Row, n)
	for i := range df.Rows {
		df.Rows[i] = make(relstore.Row, len(cols))
	}
	for _, col := range cols {
		refs, err := r.Column(col)
		if err != nil {
			return relstore.DataFrame{}, err
		}
		for i, uid := range refs {
			if uid == "" || i >= n {
				continue
			}
			payload, ok, err := r.backend.LoadPayload(ctx, uid)
			if err != nil {
				return relstore.DataFrame{}, fmt.Errorf("provenance: eval %s: %w", col, err)
			}
			if ok {
				df.Rows[i][col] = payload
			}
		}
	}
	return df, nil
}

// Creators returns, per row, the name of the op that produced the value in
// col, or "" if the value has no recorded creator (spec.md §4.I's
// creators()).
func (r RF) Creators(col string) ([]string, error) {
	idx, ok := r.columns[col]
	if !ok {
		return nil, fmt.Errorf("provenance: no such column %q: %w", col, ErrInvalidIndexer)
	}
	v := r.graph.Values[idx]
	out := make([]string, len(v.Refs))
	for i := range v.Refs {
		for _, callIdx := range v.Creators {
			if callIdx < len(r.graph.Calls) {
				out[i] = r.graph.Calls[callIdx].FuncOpName
			}
		}
	}
	return out, nil
}

// Consumers returns, per row, the names of every op that takes the value
// in col as an input (spec.md §4.I's consumers()).
func (r RF) Consumers(col string) ([][]string, error) {
	idx, ok := r.columns[col]
	if !ok {
		return nil, fmt.Errorf("provenance: no such column %q: %w", col, ErrInvalidIndexer)
	}
	n := len(r.graph.Values[idx].Refs)
	out := make([][]string, n)
	for _, c := range r.graph.Calls {
		for _, inputIdx := range c.Inputs {
			if inputIdx != idx {
				continue
			}
			for i := 0; i < n && i < len(out); i++ {
				out[i] = append(out[i], c.FuncOpName)
			}
		}
	}
	return out, nil
}

// Back performs backward expansion (spec.md §4.I's back()): for each
// requested column (or every current column if cols is nil), it looks up
// the creator calls of its values from the persisted provenance table,
// groups them by call_uids_hash into CallNodes, and attaches the ops'
// other inputs as new columns. If silentFailure is false, any value with
// no creator, multiple creator ops, or an inconsistent output name raises
// ErrProvenanceAmbiguity.
func (r RF) Back(ctx context.Context, cols []string, silentFailure bool) (RF, error) {
	if cols == nil {
		cols = r.order
	}
	prov, err := r.backend.Provenance(ctx)
	if err != nil {
		return RF{}, fmt.Errorf("provenance: back: %w", err)
	}

	byOutput := make(map[hashutil.UID][]schema.ProvenanceRow)
	for _, row := range prov {
		if row.Direction == "output" {
			byOutput[row.VRefUID] = append(byOutput[row.VRefUID], row)
		}
	}
	byCallInputs := make(map[hashutil.UID][]schema.ProvenanceRow)
	for _, row := range prov {
		if row.Direction == "input" {
			byCallInputs[row.CallUID] = append(byCallInputs[row.CallUID], row)
		}
	}

	out := r.Copy()

	for _, col := range cols {
		idx, ok := out.columns[col]
		if !ok {
			continue
		}
		v := out.graph.Values[idx]

		// callUIDs is row-aligned with v.Refs, not a deduplicated set: row i's
		// entry is the call that produced v.Refs[i]. Building it this way
		// (rather than ranging over a map) keeps call_uids_hash deterministic
		// and keeps every input column built below in the same row order as
		// the output column it was expanded from.
		callUIDs := make([]hashutil.UID, len(v.Refs))
		var op string
		var outName string
		ambiguous := false

		for i, uid := range v.Refs {
			creators := byOutput[uid]
			if len(creators) == 0 {
				ambiguous = true
				continue
			}
			for _, c := range creators {
				if op == "" {
					op = c.OpInternalName
					outName = c.Name
				} else if op != c.OpInternalName || outName != c.Name {
					ambiguous = true
				}
			}
			callUIDs[i] = creators[0].CallUID
		}

		if ambiguous {
			if !silentFailure {
				return RF{}, fmt.Errorf("provenance: back(%s): %w", col, ErrProvenanceAmbiguity)
			}
			continue
		}
		if op == "" {
			continue
		}

		hash := hashutil.MustHash(callUIDs)

		callIdx := out.graph.findCallByHash(hash)
		if callIdx == -1 {
			callIdx = out.graph.addCall(CallNode{FuncOpName: op, Inputs: map[string]int{}, Outputs: map[string]int{}, CallUIDs: callUIDs})
		}
		out.graph.Calls[callIdx].Outputs[outName] = idx
		v.Creators = []int{callIdx}
		v.CreatedAs = []string{outName}
		out.graph.Values[idx] = v

		var inputNames []string
		seenName := make(map[string]bool)
		for _, cuid := range callUIDs {
			for _, row := range byCallInputs[cuid] {
				if !seenName[row.Name] {
					seenName[row.Name] = true
					inputNames = append(inputNames, row.Name)
				}
			}
		}
		for _, name := range inputNames {
			refs := make([]hashutil.UID, len(callUIDs))
			for i, cuid := range callUIDs {
				for _, row := range byCallInputs[cuid] {
					if row.Name == name {
						refs[i] = row.VRefUID
						break
					}
				}
			}
			refsHash := hashutil.MustHash(refs)
			valIdx := out.graph.findValueByHash(refsHash)
			if valIdx == -1 {
				valIdx = out.graph.addValue(ValNode{Refs: refs})
			}
			out.graph.Calls[callIdx].Inputs[name] = valIdx
			out.columns[name] = valIdx
			if !containsString(out.order, name) {
				out.order = append(out.order, name)
			}
		}
	}

	return out, nil
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
