package provenance

import (
	"context"
	"testing"

	"github.com/stratalog/memo/internal/hashutil"
	"github.com/stratalog/memo/internal/model"
	"github.com/stratalog/memo/internal/schema"
)

// fakeBackend is an in-memory Backend stand-in: a UID-keyed payload table
// plus a canned provenance row set and memo table, enough to exercise
// FromRefs/FromOp/Eval/Back without a live relational store.
type fakeBackend struct {
	payloads map[hashutil.UID]any
	prov     []schema.ProvenanceRow
	memo     []model.Call
}

func (f *fakeBackend) LoadPayload(ctx context.Context, uid hashutil.UID) (any, bool, error) {
	v, ok := f.payloads[uid]
	return v, ok, nil
}

func (f *fakeBackend) Provenance(ctx context.Context) ([]schema.ProvenanceRow, error) {
	return f.prov, nil
}

func (f *fakeBackend) MemoTable(ctx context.Context, sig model.Signature, funcOp model.FuncOp, numOutputs int) ([]model.Call, error) {
	return f.memo, nil
}

func addOneSig() model.Signature {
	return model.Signature{
		UIName:       "add_one",
		InternalName: "add_one",
		Version:      1,
		InputNames:   []string{"x"},
		OutputTypes:  []string{"int"},
	}
}

func TestFromRefsEvalReturnsUnwrappedPayloads(t *testing.T) {
	backend := &fakeBackend{payloads: map[hashutil.UID]any{"u1": 1, "u2": 2}}
	rf := FromRefs([]hashutil.UID{"u1", "u2"}, backend)

	df, err := rf.Eval(context.Background(), nil)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if len(df.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(df.Rows))
	}
	if df.Rows[0]["v0"] != 1 || df.Rows[1]["v0"] != 2 {
		t.Fatalf("unexpected eval payloads: %+v", df.Rows)
	}
}

func TestFromOpBuildsInputAndOutputColumns(t *testing.T) {
	sig := addOneSig()
	call := model.Call{
		UID:       "call1",
		CausalUID: "call1",
		Inputs:    map[string]model.ValueRef{"x": {UID: "in1", ContentUID: "in1"}},
		Outputs:   []model.ValueRef{{UID: "out1", ContentUID: "out1"}},
	}
	backend := &fakeBackend{
		payloads: map[hashutil.UID]any{"in1": 1, "out1": 2},
		memo:     []model.Call{call},
	}

	rf, err := FromOp(context.Background(), sig, model.FuncOp{Sig: sig}, backend)
	if err != nil {
		t.Fatalf("from_op: %v", err)
	}
	cols := rf.Columns()
	if len(cols) != 2 || cols[0] != "x" || cols[1] != "output_0" {
		t.Fatalf("unexpected columns: %v", cols)
	}
	if rf.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", rf.Len())
	}

	creators, err := rf.Creators("output_0")
	if err != nil {
		t.Fatalf("creators: %v", err)
	}
	if len(creators) != 1 || creators[0] != sig.VersionedInternalName() {
		t.Fatalf("unexpected creators: %v", creators)
	}

	consumers, err := rf.Consumers("x")
	if err != nil {
		t.Fatalf("consumers: %v", err)
	}
	if len(consumers) != 1 || len(consumers[0]) != 1 || consumers[0][0] != sig.VersionedInternalName() {
		t.Fatalf("unexpected consumers: %v", consumers)
	}
}

func TestSelectRejectsUnknownColumn(t *testing.T) {
	backend := &fakeBackend{payloads: map[hashutil.UID]any{"u1": 1}}
	rf := FromRefs([]hashutil.UID{"u1"}, backend)
	if _, err := rf.Select([]string{"missing"}); err == nil {
		t.Fatalf("expected error selecting unknown column")
	}
}

func TestMaskFiltersRowsAndPreservesAlignment(t *testing.T) {
	backend := &fakeBackend{payloads: map[hashutil.UID]any{"u1": 1, "u2": 2, "u3": 3}}
	rf := FromRefs([]hashutil.UID{"u1", "u2", "u3"}, backend)

	masked, err := rf.Mask([]bool{true, false, true})
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	refs, err := masked.Column("v0")
	if err != nil {
		t.Fatalf("column: %v", err)
	}
	if len(refs) != 2 || refs[0] != "u1" || refs[1] != "u3" {
		t.Fatalf("unexpected masked refs: %v", refs)
	}
	if rf.Len() != 3 {
		t.Fatalf("expected original rf to be unaffected by mask, got len %d", rf.Len())
	}
}

func TestMaskRejectsLengthMismatch(t *testing.T) {
	backend := &fakeBackend{payloads: map[hashutil.UID]any{"u1": 1}}
	rf := FromRefs([]hashutil.UID{"u1"}, backend)
	if _, err := rf.Mask([]bool{true, false}); err == nil {
		t.Fatalf("expected error for mismatched mask length")
	}
}

func TestRenameAndCopyAreIndependentOfOriginal(t *testing.T) {
	backend := &fakeBackend{payloads: map[hashutil.UID]any{"u1": 1}}
	rf := FromRefs([]hashutil.UID{"u1"}, backend)

	renamed, err := rf.Rename(map[string]string{"v0": "value"})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := renamed.Column("value"); err != nil {
		t.Fatalf("expected renamed column to resolve: %v", err)
	}
	if _, err := rf.Column("v0"); err != nil {
		t.Fatalf("expected original column untouched by rename: %v", err)
	}

	cp := rf.Copy()
	cp.graph.Values[cp.columns["v0"]].Refs[0] = "mutated"
	orig, _ := rf.Column("v0")
	if orig[0] != "u1" {
		t.Fatalf("expected copy to be independent of original, original mutated to %v", orig[0])
	}
}

func TestBackGroupsCreatorsAndAttachesInputs(t *testing.T) {
	prov := []schema.ProvenanceRow{
		{CallUID: "c1", VRefUID: "in1", Direction: "input", Name: "x", OpInternalName: "add_one@1"},
		{CallUID: "c1", VRefUID: "out1", Direction: "output", Name: "output_0", OpInternalName: "add_one@1"},
	}
	backend := &fakeBackend{payloads: map[hashutil.UID]any{"in1": 1, "out1": 2}, prov: prov}
	rf := FromRefs([]hashutil.UID{"out1"}, backend)

	back, err := rf.Back(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("back: %v", err)
	}
	cols := back.Columns()
	var sawX bool
	for _, c := range cols {
		if c == "x" {
			sawX = true
		}
	}
	if !sawX {
		t.Fatalf("expected back() to attach input column x, got %v", cols)
	}
	refs, err := back.Column("x")
	if err != nil {
		t.Fatalf("column x: %v", err)
	}
	if len(refs) != 1 || refs[0] != "in1" {
		t.Fatalf("unexpected x refs: %v", refs)
	}

	creators, err := back.Creators("v0")
	if err != nil {
		t.Fatalf("creators: %v", err)
	}
	if len(creators) != 1 || creators[0] != "add_one@1" {
		t.Fatalf("unexpected creators after back: %v", creators)
	}
}

func TestBackAlignsInputsAcrossMultipleRowsAndCalls(t *testing.T) {
	prov := []schema.ProvenanceRow{
		{CallUID: "c1", VRefUID: "in1", Direction: "input", Name: "x", OpInternalName: "add_one@1"},
		{CallUID: "c1", VRefUID: "out1", Direction: "output", Name: "output_0", OpInternalName: "add_one@1"},
		{CallUID: "c2", VRefUID: "in2", Direction: "input", Name: "x", OpInternalName: "add_one@1"},
		{CallUID: "c2", VRefUID: "out2", Direction: "output", Name: "output_0", OpInternalName: "add_one@1"},
	}
	backend := &fakeBackend{
		payloads: map[hashutil.UID]any{"in1": 1, "out1": 2, "in2": 2, "out2": 3},
		prov:     prov,
	}
	rf := FromRefs([]hashutil.UID{"out1", "out2"}, backend)

	back, err := rf.Back(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("back: %v", err)
	}

	outs, err := back.Column("v0")
	if err != nil {
		t.Fatalf("column v0: %v", err)
	}
	if len(outs) != 2 || outs[0] != "out1" || outs[1] != "out2" {
		t.Fatalf("unexpected output refs: %v", outs)
	}

	xs, err := back.Column("x")
	if err != nil {
		t.Fatalf("column x: %v", err)
	}
	if len(xs) != 2 || xs[0] != "in1" || xs[1] != "in2" {
		t.Fatalf("expected x row-aligned with v0 (in1 under out1, in2 under out2), got %v", xs)
	}
}

func TestBackRaisesAmbiguityForConflictingCreators(t *testing.T) {
	prov := []schema.ProvenanceRow{
		{CallUID: "c1", VRefUID: "out1", Direction: "output", Name: "output_0", OpInternalName: "add_one@1"},
		{CallUID: "c2", VRefUID: "out1", Direction: "output", Name: "output_0", OpInternalName: "add_two@1"},
	}
	backend := &fakeBackend{payloads: map[hashutil.UID]any{"out1": 2}, prov: prov}
	rf := FromRefs([]hashutil.UID{"out1"}, backend)

	if _, err := rf.Back(context.Background(), nil, false); err == nil {
		t.Fatalf("expected ambiguity error for conflicting creator ops")
	}

	if _, err := rf.Back(context.Background(), nil, true); err != nil {
		t.Fatalf("expected silent_failure to suppress the error, got %v", err)
	}
}

func TestNewStoreWraps(t *testing.T) {
	if NewStore(nil) == nil {
		t.Fatalf("expected NewStore to return a non-nil Backend adapter")
	}
}
