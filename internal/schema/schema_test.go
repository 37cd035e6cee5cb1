package schema

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stratalog/memo/internal/hashutil"
	"github.com/stratalog/memo/internal/model"
	"github.com/stratalog/memo/internal/relstore"
)

// fakeStore is an in-memory relstore.Store stand-in so schema's SQL-shaping
// logic can be exercised without a live Dolt/MySQL connection.
type fakeStore struct {
	tables map[string][]relstore.Row
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: make(map[string][]relstore.Row)}
}

func (f *fakeStore) Begin(ctx context.Context) (*relstore.Conn, error) { return nil, nil }

func (f *fakeStore) Execute(ctx context.Context, conn *relstore.Conn, query string, args ...any) (relstore.DataFrame, error) {
	q := strings.TrimSpace(query)
	switch {
	case strings.HasPrefix(q, "CREATE TABLE"):
		table := tableNameFromCreate(q)
		if _, ok := f.tables[table]; !ok {
			f.tables[table] = nil
		}
		return relstore.DataFrame{}, nil
	case strings.HasPrefix(q, "INSERT INTO"):
		table := tableNameFromInsert(q)
		row := insertArgsToRow(q, args)
		f.tables[table] = append(f.tables[table], row)
		return relstore.DataFrame{}, nil
	case strings.HasPrefix(q, "SELECT"):
		table := tableNameFromSelect(q)
		rows := f.tables[table]
		if len(args) > 0 {
			var filtered []relstore.Row
			for _, r := range rows {
				if r["uid"] == args[0] {
					filtered = append(filtered, r)
				}
			}
			rows = filtered
		}
		return relstore.DataFrame{Rows: rows}, nil
	case strings.HasPrefix(q, "DELETE FROM"):
		table := strings.Fields(q)[2]
		f.tables[table] = nil
		return relstore.DataFrame{}, nil
	}
	return relstore.DataFrame{}, fmt.Errorf("fakeStore: unsupported query: %s", q)
}

func (f *fakeStore) ExecuteDF(ctx context.Context, conn *relstore.Conn, query string, args ...any) (relstore.DataFrame, error) {
	return f.Execute(ctx, conn, query, args...)
}

func (f *fakeStore) ExecuteArrow(ctx context.Context, conn *relstore.Conn, query string, args ...any) (relstore.ArrowTable, error) {
	return relstore.ArrowTable{}, nil
}

func (f *fakeStore) Upsert(ctx context.Context, conn *relstore.Conn, table string, rows []relstore.Row) error {
	existing := make(map[any]int)
	for i, r := range f.tables[table] {
		existing[r["uid"]] = i
	}
	for _, row := range rows {
		if idx, ok := existing[row["uid"]]; ok {
			f.tables[table][idx] = row
		} else {
			f.tables[table] = append(f.tables[table], row)
		}
	}
	return nil
}

func (f *fakeStore) GetData(ctx context.Context, conn *relstore.Conn, table string) (relstore.DataFrame, error) {
	return relstore.DataFrame{Rows: f.tables[table]}, nil
}

func (f *fakeStore) RunInTransaction(ctx context.Context, fn func(conn *relstore.Conn) error) error {
	return fn(nil)
}

func (f *fakeStore) Close() error { return nil }

func normalizeTable(name string) string {
	return strings.Trim(name, "`")
}

func tableNameFromCreate(q string) string {
	fields := strings.Fields(q)
	for i, w := range fields {
		if w == "EXISTS" && i+1 < len(fields) {
			return normalizeTable(strings.TrimSuffix(fields[i+1], "("))
		}
	}
	return ""
}

func tableNameFromInsert(q string) string {
	fields := strings.Fields(q)
	return normalizeTable(fields[2])
}

func tableNameFromSelect(q string) string {
	fields := strings.Fields(q)
	for i, w := range fields {
		if w == "FROM" && i+1 < len(fields) {
			return normalizeTable(fields[i+1])
		}
	}
	return ""
}

func insertArgsToRow(q string, args []any) relstore.Row {
	start := strings.Index(q, "(")
	end := strings.Index(q, ")")
	cols := strings.Split(q[start+1:end], ",")
	row := make(relstore.Row, len(cols))
	for i, c := range cols {
		if i < len(args) {
			row[strings.TrimSpace(c)] = args[i]
		}
	}
	return row
}

func testSig() model.Signature {
	return model.Signature{
		UIName:       "add_one",
		InternalName: "add_one",
		Version:      1,
		InputNames:   []string{"x"},
		OutputTypes:  []string{"int"},
	}
}

func TestSplitStatementsRespectsQuotedSemicolons(t *testing.T) {
	script := "CREATE TABLE t (a TEXT DEFAULT ';');\nCREATE TABLE u (b TEXT);"
	stmts := splitStatements(script)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "';'") {
		t.Fatalf("quoted semicolon was split incorrectly: %q", stmts[0])
	}
}

func TestEnsureSchemaCreatesCoreTables(t *testing.T) {
	store := newFakeStore()
	if err := EnsureSchema(context.Background(), store, nil); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	for _, table := range []string{ValueTable, ProvenanceTable, EventLogTable} {
		if _, ok := store.tables[table]; !ok {
			t.Fatalf("expected table %s to be created", table)
		}
	}
}

func TestEnsureMemoTableUsesVersionedUIName(t *testing.T) {
	store := newFakeStore()
	sig := testSig()
	if err := EnsureMemoTable(context.Background(), store, nil, sig, 1); err != nil {
		t.Fatalf("ensure memo table: %v", err)
	}
	if _, ok := store.tables[sig.VersionedUIName()]; !ok {
		t.Fatalf("expected memo table %s to be created", sig.VersionedUIName())
	}
}

func TestObjSetsAndObjGetRoundTrip(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	if err := EnsureSchema(ctx, store, nil); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	uid := hashutil.UID("deadbeef")
	if err := ObjSets(ctx, store, nil, map[hashutil.UID][]byte{uid: []byte("payload")}); err != nil {
		t.Fatalf("obj_sets: %v", err)
	}
	got, ok, err := ObjGet(ctx, store, nil, uid)
	if err != nil || !ok {
		t.Fatalf("obj_get: ok=%v err=%v", ok, err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestUpsertCallsAndCallExistsAndLazyRoundTrip(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	sig := testSig()
	if err := EnsureSchema(ctx, store, nil); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := EnsureMemoTable(ctx, store, nil, sig, 1); err != nil {
		t.Fatalf("ensure memo table: %v", err)
	}

	xRef, err := model.Wrap(1)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	callUID := hashutil.MustHash("call-fixture")
	outRefs, err := model.WrapOutputs([]any{2}, callUID)
	if err != nil {
		t.Fatalf("wrap outputs: %v", err)
	}
	call := model.Call{
		UID:       callUID,
		CausalUID: callUID,
		Inputs:    map[string]model.ValueRef{"x": xRef},
		Outputs:   outRefs,
	}

	if err := UpsertCalls(ctx, store, nil, sig, []model.Call{call}, time.Unix(0, 0)); err != nil {
		t.Fatalf("upsert_calls: %v", err)
	}

	exists, err := CallExists(ctx, store, nil, sig, callUID)
	if err != nil || !exists {
		t.Fatalf("call_exists: exists=%v err=%v", exists, err)
	}

	lazy, found, err := CallGetLazy(ctx, store, nil, sig, model.FuncOp{}, 1, callUID)
	if err != nil || !found {
		t.Fatalf("call_get_lazy: found=%v err=%v", found, err)
	}
	if !lazy.IsLazy() {
		t.Fatalf("expected a lazy call")
	}
	if lazy.LazyInputUIDs()["x"] != xRef.UID {
		t.Fatalf("expected lazy input uid %s, got %s", xRef.UID, lazy.LazyInputUIDs()["x"])
	}
	if lazy.LazyOutputUIDs()[0] != outRefs[0].UID {
		t.Fatalf("expected lazy output uid %s, got %s", outRefs[0].UID, lazy.LazyOutputUIDs()[0])
	}
}

func TestGetEventLogAndClearEventLog(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	sig := testSig()
	if err := EnsureSchema(ctx, store, nil); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := EnsureMemoTable(ctx, store, nil, sig, 1); err != nil {
		t.Fatalf("ensure memo table: %v", err)
	}
	xRef, _ := model.Wrap(1)
	callUID := hashutil.MustHash("log-fixture")
	outRefs, _ := model.WrapOutputs([]any{2}, callUID)
	call := model.Call{UID: callUID, CausalUID: callUID, Inputs: map[string]model.ValueRef{"x": xRef}, Outputs: outRefs}

	if err := UpsertCalls(ctx, store, nil, sig, []model.Call{call}, time.Unix(100, 0)); err != nil {
		t.Fatalf("upsert_calls: %v", err)
	}
	entries, err := GetEventLog(ctx, store, nil)
	if err != nil {
		t.Fatalf("get_event_log: %v", err)
	}
	if len(entries) != 1 || entries[0].UID != callUID {
		t.Fatalf("unexpected event log entries: %+v", entries)
	}

	if err := ClearEventLog(ctx, store, nil); err != nil {
		t.Fatalf("clear_event_log: %v", err)
	}
	entries, err = GetEventLog(ctx, store, nil)
	if err != nil {
		t.Fatalf("get_event_log after clear: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty event log after clear, got %d entries", len(entries))
	}
}

func TestPropagateStructProvenanceDerivesContainerMemberEdges(t *testing.T) {
	builtinOps := map[string]model.BuiltinKind{"make_list": model.BuiltinList}
	prov := []ProvenanceRow{
		{CallUID: "c1", VRefUID: "item1", Direction: "input", Name: "x0", OpInternalName: "make_list"},
		{CallUID: "c1", VRefUID: "item2", Direction: "input", Name: "x1", OpInternalName: "make_list"},
		{CallUID: "c1", VRefUID: "listout", Direction: "output", Name: "output_0", OpInternalName: "make_list"},
	}
	implicit := PropagateStructProvenance(prov, builtinOps)
	if len(implicit) != 4 {
		t.Fatalf("expected 4 implicit edges (2 members x 2 directions), got %d: %+v", len(implicit), implicit)
	}
	var sawMemberOf, sawContains bool
	for _, row := range implicit {
		if row.Direction == "member_of" && row.VRefUID == "item1" {
			sawMemberOf = true
		}
		if row.Direction == "contains" && row.VRefUID == "listout" {
			sawContains = true
		}
	}
	if !sawMemberOf || !sawContains {
		t.Fatalf("missing expected edge kinds: %+v", implicit)
	}
}
