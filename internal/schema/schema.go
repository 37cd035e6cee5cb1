// Package schema is memo's relational adapter: it owns the value table,
// per-function memo tables, provenance table, and event log, and
// (de)serializes Call rows to and from them. Grounded on
// internal/storage/dolt/bootstrap.go's split-statement DDL application
// (Dolt/MySQL reject multi-statement Exec) and
// internal/storage/dolt/spec_registry.go's upsert idiom.
package schema

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stratalog/memo/internal/hashutil"
	"github.com/stratalog/memo/internal/model"
	"github.com/stratalog/memo/internal/relstore"
)

// Table name constants, matching spec.md §6's stable column names.
const (
	ValueTable      = "__vrefs__"
	ProvenanceTable = "__provenance__"
	EventLogTable   = "__event_log__"
)

const ddl = `
CREATE TABLE IF NOT EXISTS __vrefs__ (
	uid TEXT PRIMARY KEY,
	value BLOB
);

CREATE TABLE IF NOT EXISTS __provenance__ (
	call_uid TEXT NOT NULL,
	vref_uid TEXT NOT NULL,
	direction TEXT NOT NULL,
	name TEXT NOT NULL,
	op_internal_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS __event_log__ (
	uid TEXT NOT NULL,
	table_name TEXT NOT NULL,
	ts TIMESTAMP NOT NULL
);
`

// EnsureSchema creates the value table, provenance table, and event log if
// they do not already exist. Per-function memo tables are created lazily by
// EnsureMemoTable, since their shape depends on the function's signature.
func EnsureSchema(ctx context.Context, store relstore.Store, conn *relstore.Conn) error {
	for _, stmt := range splitStatements(ddl) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := store.Execute(ctx, conn, stmt); err != nil {
			return fmt.Errorf("schema: create core tables: %w", err)
		}
	}
	return nil
}

// EnsureMemoTable creates the per-function memo table for sig if it does
// not already exist: uid PK, causal_uid, one column per input name, one
// column per output index, named by sig.VersionedUIName() (spec.md §4.F,
// §6).
func EnsureMemoTable(ctx context.Context, store relstore.Store, conn *relstore.Conn, sig model.Signature, numOutputs int) error {
	cols := []string{"uid TEXT PRIMARY KEY", "causal_uid TEXT"}
	for _, name := range sig.InputNames {
		cols = append(cols, fmt.Sprintf("%s TEXT", relstore.QuoteIdent(name)))
	}
	for i := 0; i < numOutputs; i++ {
		cols = append(cols, fmt.Sprintf("output_%d TEXT", i))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", relstore.QuoteIdent(sig.VersionedUIName()), strings.Join(cols, ", "))
	if _, err := store.Execute(ctx, conn, stmt); err != nil {
		return fmt.Errorf("schema: create memo table %s: %w", sig.VersionedUIName(), err)
	}
	return nil
}

// splitStatements divides a multi-statement SQL script on top-level
// semicolons, respecting quoted strings, since Dolt/MySQL reject
// multi-statement Exec calls (teacher: internal/storage/dolt/store.go).
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	var stringChar byte

	for i := 0; i < len(script); i++ {
		c := script[i]
		if inString {
			current.WriteByte(c)
			if c == stringChar && (i == 0 || script[i-1] != '\\') {
				inString = false
			}
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			inString = true
			stringChar = c
			current.WriteByte(c)
			continue
		}
		if c == ';' {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

// ObjGet loads a single value payload by UID from the value table.
func ObjGet(ctx context.Context, store relstore.Store, conn *relstore.Conn, uid hashutil.UID) ([]byte, bool, error) {
	df, err := store.Execute(ctx, conn, fmt.Sprintf("SELECT value FROM %s WHERE uid = ?", ValueTable), string(uid))
	if err != nil {
		return nil, false, fmt.Errorf("schema: obj_get %s: %w", uid, err)
	}
	if len(df.Rows) == 0 {
		return nil, false, nil
	}
	v, _ := df.Rows[0]["value"].([]byte)
	return v, true, nil
}

// ObjSets upserts multiple value payloads in one batch.
func ObjSets(ctx context.Context, store relstore.Store, conn *relstore.Conn, values map[hashutil.UID][]byte) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]relstore.Row, 0, len(values))
	for uid, payload := range values {
		rows = append(rows, relstore.Row{"uid": string(uid), "value": payload})
	}
	if err := store.Upsert(ctx, conn, ValueTable, rows); err != nil {
		return fmt.Errorf("schema: obj_sets: %w", err)
	}
	return nil
}

// CallExists reports whether callUID already has a row in the given
// function's memo table.
func CallExists(ctx context.Context, store relstore.Store, conn *relstore.Conn, sig model.Signature, callUID hashutil.UID) (bool, error) {
	df, err := store.Execute(ctx, conn,
		fmt.Sprintf("SELECT uid FROM %s WHERE uid = ?", relstore.QuoteIdent(sig.VersionedUIName())), string(callUID))
	if err != nil {
		return false, fmt.Errorf("schema: call_exists %s: %w", callUID, err)
	}
	return len(df.Rows) > 0, nil
}

// CallGetLazy loads a call's row as UIDs only (no payload resolution),
// matching spec.md §4.F's call_get_lazy.
func CallGetLazy(ctx context.Context, store relstore.Store, conn *relstore.Conn, sig model.Signature, funcOp model.FuncOp, numOutputs int, callUID hashutil.UID) (model.Call, bool, error) {
	df, err := store.Execute(ctx, conn,
		fmt.Sprintf("SELECT * FROM %s WHERE uid = ?", relstore.QuoteIdent(sig.VersionedUIName())), string(callUID))
	if err != nil {
		return model.Call{}, false, fmt.Errorf("schema: call_get_lazy %s: %w", callUID, err)
	}
	if len(df.Rows) == 0 {
		return model.Call{}, false, nil
	}
	row := df.Rows[0]

	inputUIDs := make(map[string]hashutil.UID, len(sig.InputNames))
	for _, name := range sig.InputNames {
		if v, ok := row[name].(string); ok && v != "" {
			inputUIDs[name] = hashutil.UID(v)
		}
	}
	outputUIDs := make([]hashutil.UID, numOutputs)
	for i := 0; i < numOutputs; i++ {
		if v, ok := row[fmt.Sprintf("output_%d", i)].(string); ok {
			outputUIDs[i] = hashutil.UID(v)
		}
	}
	return model.NewLazyCall(callUID, funcOp, inputUIDs, outputUIDs), true, nil
}

// UpsertCalls writes calls into their memo tables, plus provenance rows and
// event-log rows, all in the same transaction (spec.md §4.F): objs must
// already be persisted by the caller (commit writes objs before calls).
func UpsertCalls(ctx context.Context, store relstore.Store, conn *relstore.Conn, sig model.Signature, calls []model.Call, now time.Time) error {
	if len(calls) == 0 {
		return nil
	}

	memoRows := make([]relstore.Row, 0, len(calls))
	provRows := make([]relstore.Row, 0)
	logRows := make([]relstore.Row, 0)

	for _, c := range calls {
		row := relstore.Row{"uid": string(c.UID), "causal_uid": string(c.CausalUID)}
		for name, v := range c.Inputs {
			row[name] = string(v.UID)
			provRows = append(provRows, relstore.Row{
				"call_uid": string(c.UID), "vref_uid": string(v.UID),
				"direction": "input", "name": name, "op_internal_name": sig.VersionedInternalName(),
			})
		}
		for i, v := range c.Outputs {
			row[fmt.Sprintf("output_%d", i)] = string(v.UID)
			provRows = append(provRows, relstore.Row{
				"call_uid": string(c.UID), "vref_uid": string(v.UID),
				"direction": "output", "name": fmt.Sprintf("output_%d", i), "op_internal_name": sig.VersionedInternalName(),
			})
		}
		memoRows = append(memoRows, row)
		logRows = append(logRows, relstore.Row{"uid": string(c.UID), "table_name": sig.VersionedUIName(), "ts": now})
	}

	if err := store.Upsert(ctx, conn, sig.VersionedUIName(), memoRows); err != nil {
		return fmt.Errorf("schema: upsert_calls memo rows: %w", err)
	}
	if err := insertProvenance(ctx, store, conn, provRows); err != nil {
		return err
	}
	if err := appendEventLog(ctx, store, conn, logRows); err != nil {
		return err
	}
	return nil
}

func insertProvenance(ctx context.Context, store relstore.Store, conn *relstore.Conn, rows []relstore.Row) error {
	for _, row := range rows {
		_, err := store.Execute(ctx, conn,
			fmt.Sprintf("INSERT INTO %s (call_uid, vref_uid, direction, name, op_internal_name) VALUES (?, ?, ?, ?, ?)", ProvenanceTable),
			row["call_uid"], row["vref_uid"], row["direction"], row["name"], row["op_internal_name"])
		if err != nil {
			return fmt.Errorf("schema: insert provenance: %w", err)
		}
	}
	return nil
}

func appendEventLog(ctx context.Context, store relstore.Store, conn *relstore.Conn, rows []relstore.Row) error {
	for _, row := range rows {
		_, err := store.Execute(ctx, conn,
			fmt.Sprintf("INSERT INTO %s (uid, table_name, ts) VALUES (?, ?, ?)", EventLogTable),
			row["uid"], row["table_name"], row["ts"])
		if err != nil {
			return fmt.Errorf("schema: append event log: %w", err)
		}
	}
	return nil
}

// GetProvenance returns every provenance row, used by the provenance
// functor (component I) to reconstruct creator/consumer edges without
// going through the orchestrator's in-memory caches.
func GetProvenance(ctx context.Context, store relstore.Store, conn *relstore.Conn) ([]ProvenanceRow, error) {
	df, err := store.Execute(ctx, conn,
		fmt.Sprintf("SELECT call_uid, vref_uid, direction, name, op_internal_name FROM %s", ProvenanceTable))
	if err != nil {
		return nil, fmt.Errorf("schema: get_provenance: %w", err)
	}
	out := make([]ProvenanceRow, 0, len(df.Rows))
	for _, row := range df.Rows {
		callUID, _ := row["call_uid"].(string)
		vrefUID, _ := row["vref_uid"].(string)
		direction, _ := row["direction"].(string)
		name, _ := row["name"].(string)
		op, _ := row["op_internal_name"].(string)
		out = append(out, ProvenanceRow{
			CallUID: hashutil.UID(callUID), VRefUID: hashutil.UID(vrefUID),
			Direction: direction, Name: name, OpInternalName: op,
		})
	}
	return out, nil
}

// GetMemoTable loads every call row recorded for sig, fully resolved
// (inputs and outputs materialized from the value table). Used by the
// provenance functor's from_op to materialize a function's whole
// memoization table as one CallNode.
func GetMemoTable(ctx context.Context, store relstore.Store, conn *relstore.Conn, sig model.Signature, funcOp model.FuncOp, numOutputs int) ([]model.Call, error) {
	df, err := store.Execute(ctx, conn, fmt.Sprintf("SELECT * FROM %s", relstore.QuoteIdent(sig.VersionedUIName())))
	if err != nil {
		return nil, fmt.Errorf("schema: get_memo_table %s: %w", sig.VersionedUIName(), err)
	}
	calls := make([]model.Call, 0, len(df.Rows))
	for _, row := range df.Rows {
		uidStr, _ := row["uid"].(string)
		if uidStr == "" {
			continue
		}
		callUID := hashutil.UID(uidStr)

		inputUIDs := make(map[string]hashutil.UID, len(sig.InputNames))
		for _, name := range sig.InputNames {
			if v, ok := row[name].(string); ok && v != "" {
				inputUIDs[name] = hashutil.UID(v)
			}
		}
		outputUIDs := make([]hashutil.UID, numOutputs)
		for i := 0; i < numOutputs; i++ {
			if v, ok := row[fmt.Sprintf("output_%d", i)].(string); ok {
				outputUIDs[i] = hashutil.UID(v)
			}
		}

		lazy := model.NewLazyCall(callUID, funcOp, inputUIDs, outputUIDs)

		inputVals := make(map[hashutil.UID]model.ValueRef, len(inputUIDs))
		for _, uid := range inputUIDs {
			payload, ok, err := ObjGet(ctx, store, conn, uid)
			if err != nil {
				return nil, fmt.Errorf("schema: get_memo_table: load input %s: %w", uid, err)
			}
			inputVals[uid] = model.ValueRef{UID: uid, ContentUID: uid, InMemory: ok}.WithObj(payload)
		}
		withInputs, ok := lazy.SetInputValues(inputVals)
		if !ok {
			continue
		}

		outputVals := make(map[hashutil.UID]model.ValueRef, len(outputUIDs))
		for _, uid := range outputUIDs {
			payload, ok, err := ObjGet(ctx, store, conn, uid)
			if err != nil {
				return nil, fmt.Errorf("schema: get_memo_table: load output %s: %w", uid, err)
			}
			outputVals[uid] = model.ValueRef{UID: uid, ContentUID: uid, InMemory: ok}.WithObj(payload)
		}
		withOutputs, ok := withInputs.SetOutputValues(outputVals)
		if !ok {
			continue
		}
		calls = append(calls, withOutputs)
	}
	return calls, nil
}

// EventLogEntry is a single append-only change record.
type EventLogEntry struct {
	UID   hashutil.UID
	Table string
	TS    time.Time
}

// GetEventLog returns every event-log row, ordered by timestamp (ts
// ascending); the order of rows with equal timestamps is not defined.
func GetEventLog(ctx context.Context, store relstore.Store, conn *relstore.Conn) ([]EventLogEntry, error) {
	df, err := store.Execute(ctx, conn, fmt.Sprintf("SELECT uid, table_name, ts FROM %s ORDER BY ts ASC", EventLogTable))
	if err != nil {
		return nil, fmt.Errorf("schema: get_event_log: %w", err)
	}
	out := make([]EventLogEntry, 0, len(df.Rows))
	for _, row := range df.Rows {
		uid, _ := row["uid"].(string)
		table, _ := row["table_name"].(string)
		ts, _ := row["ts"].(time.Time)
		out = append(out, EventLogEntry{UID: hashutil.UID(uid), Table: table, TS: ts})
	}
	return out, nil
}

// ClearEventLog deletes every row from the event log (used after a
// successful sync_to_remote, or locally when no remote is configured).
func ClearEventLog(ctx context.Context, store relstore.Store, conn *relstore.Conn) error {
	if _, err := store.Execute(ctx, conn, fmt.Sprintf("DELETE FROM %s", EventLogTable)); err != nil {
		return fmt.Errorf("schema: clear_event_log: %w", err)
	}
	return nil
}

// ProvenanceRow mirrors spec.md §3's P row.
type ProvenanceRow struct {
	CallUID        hashutil.UID
	VRefUID        hashutil.UID
	Direction      string
	Name           string
	OpInternalName string
}

// PropagateStructProvenance derives implicit container <-> member edges for
// every builtin-constructor call recorded in prov: a list/dict/set
// constructor's inputs (the members) become reachable from its single
// output (the container) and vice versa, so back-expansion through a
// container value can reach the values that were packed into it.
func PropagateStructProvenance(prov []ProvenanceRow, builtinOps map[string]model.BuiltinKind) []ProvenanceRow {
	byCall := make(map[hashutil.UID][]ProvenanceRow)
	for _, row := range prov {
		byCall[row.CallUID] = append(byCall[row.CallUID], row)
	}

	var implicit []ProvenanceRow
	for callUID, rows := range byCall {
		opName := rows[0].OpInternalName
		if builtinOps[opName] == model.BuiltinNone {
			continue
		}
		var container ProvenanceRow
		var members []ProvenanceRow
		for _, row := range rows {
			if row.Direction == "output" {
				container = row
			} else {
				members = append(members, row)
			}
		}
		if container.VRefUID == "" {
			continue
		}
		for _, m := range members {
			implicit = append(implicit,
				ProvenanceRow{CallUID: callUID, VRefUID: m.VRefUID, Direction: "member_of", Name: container.Name, OpInternalName: opName},
				ProvenanceRow{CallUID: callUID, VRefUID: container.VRefUID, Direction: "contains", Name: m.Name, OpInternalName: opName},
			)
		}
	}
	return implicit
}
