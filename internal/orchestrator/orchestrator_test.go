package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stratalog/memo/internal/model"
	"github.com/stratalog/memo/internal/relstore"
	"github.com/stratalog/memo/internal/signature"
)

// fakeStore is a minimal in-memory relstore.Store, enough to exercise the
// orchestrator's commit/lookup paths without a live Dolt/MySQL connection.
type fakeStore struct {
	tables map[string][]relstore.Row
}

func newFakeStore() *fakeStore { return &fakeStore{tables: make(map[string][]relstore.Row)} }

func normalizeTable(name string) string {
	return strings.Trim(name, "`")
}

func (f *fakeStore) Begin(ctx context.Context) (*relstore.Conn, error) { return nil, nil }

func (f *fakeStore) Execute(ctx context.Context, conn *relstore.Conn, query string, args ...any) (relstore.DataFrame, error) {
	q := strings.TrimSpace(query)
	switch {
	case strings.HasPrefix(q, "CREATE TABLE"):
		fields := strings.Fields(q)
		for i, w := range fields {
			if w == "EXISTS" && i+1 < len(fields) {
				table := normalizeTable(strings.TrimSuffix(fields[i+1], "("))
				if _, ok := f.tables[table]; !ok {
					f.tables[table] = nil
				}
			}
		}
		return relstore.DataFrame{}, nil
	case strings.HasPrefix(q, "INSERT INTO"):
		fields := strings.Fields(q)
		table := normalizeTable(fields[2])
		start := strings.Index(q, "(")
		end := strings.Index(q, ")")
		cols := strings.Split(q[start+1:end], ",")
		row := make(relstore.Row, len(cols))
		for i, c := range cols {
			if i < len(args) {
				row[strings.TrimSpace(c)] = args[i]
			}
		}
		f.tables[table] = append(f.tables[table], row)
		return relstore.DataFrame{}, nil
	case strings.HasPrefix(q, "SELECT"):
		fields := strings.Fields(q)
		var table string
		for i, w := range fields {
			if w == "FROM" && i+1 < len(fields) {
				table = normalizeTable(fields[i+1])
			}
		}
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

func addOneSig() model.Signature {
	return model.Signature{
		UIName:       "add_one",
		InternalName: "add_one",
		Version:      1,
		InputNames:   []string{"x"},
		OutputTypes:  []string{"int"},
	}
}

func addOneOp(calls *int) model.FuncOp {
	sig := addOneSig()
	return model.FuncOp{
		Sig: sig,
		Func: func(inputs map[string]any) ([]any, error) {
			*calls++
			x, _ := inputs["x"].(int)
			return []any{x + 1}, nil
		},
	}
}

func TestCallRunIsMemoizedAndExecutesOnce(t *testing.T) {
	store := newFakeStore()
	o := New(store, signature.New(), NoopSyncer{}, nil, DefaultConfig())
	ctx := context.Background()

	executions := 0
	op := addOneOp(&executions)

	var firstUID, secondUID string
	err := o.Run(ctx, func(s *Scope) error {
		outs, call, err := s.CallRun(op, map[string]any{"x": 1})
		if err != nil {
			return err
		}
		if len(outs) != 1 {
			t.Fatalf("expected 1 output, got %d", len(outs))
		}
		firstUID = string(call.UID)
		return nil
	})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	err = o.Run(ctx, func(s *Scope) error {
		_, call, err := s.CallRun(op, map[string]any{"x": 1})
		if err != nil {
			return err
		}
		secondUID = string(call.UID)
		return nil
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if firstUID != secondUID {
		t.Fatalf("expected identical call uids, got %s vs %s", firstUID, secondUID)
	}
	if executions != 1 {
		t.Fatalf("expected user function to execute exactly once, executed %d times", executions)
	}
}

func TestCallRunDistinctInputsProduceDistinctUIDs(t *testing.T) {
	store := newFakeStore()
	o := New(store, signature.New(), NoopSyncer{}, nil, DefaultConfig())
	ctx := context.Background()
	executions := 0
	op := addOneOp(&executions)

	var uidA, uidB string
	err := o.Run(ctx, func(s *Scope) error {
		_, callA, err := s.CallRun(op, map[string]any{"x": 1})
		if err != nil {
			return err
		}
		_, callB, err := s.CallRun(op, map[string]any{"x": 2})
		if err != nil {
			return err
		}
		uidA, uidB = string(callA.UID), string(callB.UID)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if uidA == uidB {
		t.Fatalf("expected distinct call uids for distinct inputs")
	}
	if executions != 2 {
		t.Fatalf("expected 2 executions, got %d", executions)
	}
}

func TestCommitPersistsCallsAcrossOrchestratorInstances(t *testing.T) {
	store := newFakeStore()
	sigs := signature.New()
	ctx := context.Background()
	executions := 0

	o1 := New(store, sigs, NoopSyncer{}, nil, DefaultConfig())
	op := addOneOp(&executions)
	var uid string
	if err := o1.Run(ctx, func(s *Scope) error {
		_, call, err := s.CallRun(op, map[string]any{"x": 5})
		if err != nil {
			return err
		}
		uid = string(call.UID)
		return nil
	}); err != nil {
		t.Fatalf("run: %v", err)
	}

	// A fresh orchestrator sharing the same relational store should find the
	// call already persisted and not re-execute the user function.
	o2 := New(store, sigs, NoopSyncer{}, nil, DefaultConfig())
	if err := o2.Run(ctx, func(s *Scope) error {
		_, call, err := s.CallRun(op, map[string]any{"x": 5})
		if err != nil {
			return err
		}
		if string(call.UID) != uid {
			t.Fatalf("expected same call uid across orchestrator instances")
		}
		return nil
	}); err != nil {
		t.Fatalf("second orchestrator run: %v", err)
	}
	if executions != 1 {
		t.Fatalf("expected user function executed exactly once across both orchestrators, got %d", executions)
	}
}

func TestCallBatchDrainsAndBackfillsOnExit(t *testing.T) {
	store := newFakeStore()
	o := New(store, signature.New(), NoopSyncer{}, nil, DefaultConfig())
	ctx := context.Background()
	executions := 0
	op := addOneOp(&executions)

	var placeholder model.ValueRef
	err := o.Batch(ctx, func(s *Scope) error {
		outs := s.CallBatch(op, map[string]any{"x": 9})
		placeholder = outs[0]
		if !placeholder.IsDelayed() {
			t.Fatalf("expected a delayed placeholder before drain")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if executions != 1 {
		t.Fatalf("expected the delayed call to run exactly once on batch exit, got %d", executions)
	}
}

func TestCallBatchOutsideBatchContextPanics(t *testing.T) {
	store := newFakeStore()
	o := New(store, signature.New(), NoopSyncer{}, nil, DefaultConfig())
	ctx := context.Background()
	executions := 0
	op := addOneOp(&executions)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected call_batch outside a batch context to panic")
		}
	}()
	_ = o.Run(ctx, func(s *Scope) error {
		s.CallBatch(op, map[string]any{"x": 1})
		return nil
	})
}

func TestQueryModeDoesNotCommit(t *testing.T) {
	store := newFakeStore()
	o := New(store, signature.New(), NoopSyncer{}, nil, DefaultConfig())
	ctx := context.Background()
	executions := 0
	op := addOneOp(&executions)

	err := o.Query(ctx, func(s *Scope) error {
		_, _, err := s.CallRun(op, map[string]any{"x": 42})
		return err
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(store.tables[addOneSig().VersionedUIName()]) != 0 {
		t.Fatalf("expected query mode not to commit any rows")
	}
}
