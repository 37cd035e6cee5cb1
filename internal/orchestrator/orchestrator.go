// Package orchestrator is memo's storage orchestrator (spec.md §4.G): it
// combines the hasher, value/call model, signature registry, KV cache, and
// relational adapter into the public call_run / call_query / call_batch /
// commit / execute_query surface, with a LIFO-stacked scoped context that
// governs commit and remote-sync timing.
//
// Grounded on the teacher's internal/storage/dolt/transaction.go
// (RunInTransaction's retry-then-commit-or-rollback shape, reused here at
// the orchestrator layer for the broader run/query/batch context exit
// logic) and internal/storage/provider.go's adapter-over-interface style.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stratalog/memo/internal/hashutil"
	"github.com/stratalog/memo/internal/kvcache"
	"github.com/stratalog/memo/internal/model"
	"github.com/stratalog/memo/internal/querycompiler"
	"github.com/stratalog/memo/internal/relstore"
	"github.com/stratalog/memo/internal/schema"
	"github.com/stratalog/memo/internal/signature"
)

// contextFrame is the snapshot pushed on context entry and restored on
// exit, implementing the LIFO nested-context stack of spec.md §4.G/§5.
type contextFrame struct {
	conn *relstore.Conn
	mode Mode
	lazy bool
}

// Orchestrator is the single owner of the in-memory caches and the current
// context stack for one relational backend. Only one context is globally
// current at a time (spec.md §5).
type Orchestrator struct {
	store    relstore.Store
	sigs     *signature.Registry
	syncer   Syncer
	compiler querycompiler.Compiler
	cfg      Config

	mu         sync.Mutex // serializes context push/pop and cache access
	stack      []contextFrame
	valueCache *kvcache.Cache[hashutil.UID, model.ValueRef]
	callCache  *kvcache.Cache[hashutil.UID, model.Call]
	callSig    map[hashutil.UID]model.Signature // which signature produced each cached call
}

// New builds an Orchestrator over store, using sigs for signature lookups
// and syncer for remote reconciliation. Pass orchestrator.NoopSyncer{} when
// no remote is configured.
func New(store relstore.Store, sigs *signature.Registry, syncer Syncer, compiler querycompiler.Compiler, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:      store,
		sigs:       sigs,
		syncer:     syncer,
		compiler:   compiler,
		cfg:        cfg,
		valueCache: kvcache.New[hashutil.UID, model.ValueRef](),
		callCache:  kvcache.New[hashutil.UID, model.Call](),
		callSig:    make(map[hashutil.UID]model.Signature),
	}
}

// Scope is the handle exposed to a Run/Query/Batch callback: every
// call_run/call_query/call_batch/commit/execute_query operation happens
// through it, bound to the context that is current while the callback
// runs.
type Scope struct {
	o     *Orchestrator
	ctx   context.Context
	mode  Mode
	batch *batchState // non-nil only for a ModeBatch scope
}

func (o *Orchestrator) pushFrame(f contextFrame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stack = append(o.stack, f)
}

func (o *Orchestrator) popFrame() (contextFrame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.stack) == 0 {
		return contextFrame{}, false
	}
	top := o.stack[len(o.stack)-1]
	o.stack = o.stack[:len(o.stack)-1]
	return top, true
}

// Run enters a run-mode context: on entry it syncs from remote; on exit,
// whether fn returned an error or not, it restores state, and on success
// it commits and syncs to remote before returning (spec.md §4.G).
func (o *Orchestrator) Run(ctx context.Context, fn func(*Scope) error) error {
	return o.withContext(ctx, ModeRun, fn)
}

// Query enters a query-mode context: no commit, no sync, pure pass-through
// on exit.
func (o *Orchestrator) Query(ctx context.Context, fn func(*Scope) error) error {
	return o.withContext(ctx, ModeQuery, fn)
}

// Batch enters a batch-mode context: delayed calls recorded during fn are
// drained and actually executed on exit, then committed.
func (o *Orchestrator) Batch(ctx context.Context, fn func(*Scope) error) error {
	return o.withContext(ctx, ModeBatch, fn)
}

func (o *Orchestrator) withContext(ctx context.Context, mode Mode, fn func(*Scope) error) (retErr error) {
	frame := contextFrame{mode: mode}
	o.pushFrame(frame)

	if mode == ModeRun {
		if err := o.syncer.SyncFromRemote(ctx); err != nil {
			o.popFrame()
			return fmt.Errorf("orchestrator: sync_from_remote: %w", err)
		}
	}

	scope := &Scope{o: o, ctx: ctx, mode: mode}
	if mode == ModeBatch {
		scope.batch = &batchState{}
	}

	defer func() {
		if _, ok := o.popFrame(); !ok {
			return // state already restored by a nested failure path
		}
		if retErr != nil {
			return // exceptions are deferred until state is restored, then re-raised
		}
		switch mode {
		case ModeRun:
			if o.cfg.Autocommit {
				if err := scope.Commit(ctx, nil); err != nil {
					retErr = fmt.Errorf("orchestrator: commit on run exit: %w", err)
					return
				}
			}
			if err := o.syncer.SyncToRemote(ctx); err != nil {
				retErr = fmt.Errorf("orchestrator: sync_to_remote: %w", err)
			}
		case ModeBatch:
			if err := scope.drainBatch(ctx); err != nil {
				retErr = fmt.Errorf("orchestrator: drain batch: %w", err)
				return
			}
			if err := scope.Commit(ctx, nil); err != nil {
				retErr = fmt.Errorf("orchestrator: commit on batch exit: %w", err)
			}
		case ModeQuery:
			// pass through: no commit, no sync
		}
	}()

	if err := fn(scope); err != nil {
		return err
	}
	return nil
}

// CallRun implements spec.md §4.G's call_run: memoized invocation of op
// over inputs. Returns the (possibly pre-existing) outputs and Call.
func (s *Scope) CallRun(op model.FuncOp, inputs map[string]any) ([]model.ValueRef, model.Call, error) {
	o := s.o
	sig := op.Sig

	if o.cfg.CheckSignatureOnEachCall {
		if registered, ok := o.sigs.Get(sig.InternalName); ok {
			if ok, _ := o.sigs.IsSynced(sig); !ok {
				return nil, model.Call{}, fmt.Errorf("orchestrator: %s: %w", sig.InternalName, ErrSyncConflict)
			}
			sig = registered
		}
	}

	wrapped := make(map[string]model.ValueRef, len(inputs))
	for name, raw := range inputs {
		v, err := model.Wrap(raw)
		if err != nil {
			return nil, model.Call{}, fmt.Errorf("orchestrator: wrap input %s: %w", name, err)
		}
		wrapped[o.internalInputName(sig, name)] = v
	}

	callUID, err := model.ComputeCallUID(sig, wrapped)
	if err != nil {
		return nil, model.Call{}, fmt.Errorf("orchestrator: compute call uid: %w", err)
	}

	if existing, ok := o.lookupCall(s.ctx, sig, op, callUID); ok {
		return existing.Outputs, existing, nil
	}

	funcInputs := inputs
	if o.cfg.AutounwrapInputs {
		funcInputs = unwrapInputs(wrapped)
	}
	rawOutputs, err := op.Func(funcInputs)
	if err != nil {
		return nil, model.Call{}, fmt.Errorf("orchestrator: %s: %w", sig.InternalName, err)
	}

	outputs, err := model.WrapOutputs(rawOutputs, callUID)
	if err != nil {
		return nil, model.Call{}, fmt.Errorf("orchestrator: wrap outputs: %w", err)
	}

	call := model.Call{UID: callUID, FuncOp: op, Inputs: wrapped, Outputs: outputs, CausalUID: callUID}

	o.mu.Lock()
	for _, v := range wrapped {
		o.valueCache.Set(v.UID, v)
	}
	for _, v := range outputs {
		o.valueCache.Set(v.UID, v)
	}
	o.callCache.Set(call.UID, call)
	o.callSig[call.UID] = sig
	o.mu.Unlock()

	return outputs, call, nil
}

func unwrapInputs(wrapped map[string]model.ValueRef) map[string]any {
	out := make(map[string]any, len(wrapped))
	for name, v := range wrapped {
		raw, err := v.Unwrap(nil)
		if err != nil {
			continue
		}
		out[name] = raw
	}
	return out
}

func (o *Orchestrator) internalInputName(sig model.Signature, uiName string) string {
	return sig.InternalInputName(uiName)
}

func (o *Orchestrator) lookupCall(ctx context.Context, sig model.Signature, op model.FuncOp, callUID hashutil.UID) (model.Call, bool) {
	o.mu.Lock()
	if cached, ok := o.callCache.Get(callUID); ok {
		o.mu.Unlock()
		return cached, true
	}
	o.mu.Unlock()

	exists, err := schema.CallExists(ctx, o.store, nil, sig, callUID)
	if err != nil || !exists {
		return model.Call{}, false
	}
	lazy, found, err := schema.CallGetLazy(ctx, o.store, nil, sig, op, len(sig.OutputTypes), callUID)
	if err != nil || !found {
		return model.Call{}, false
	}
	full, ok := o.resolveLazyCall(ctx, lazy)
	if !ok {
		return model.Call{}, false
	}
	o.mu.Lock()
	o.callCache.SetClean(callUID, full)
	o.callSig[callUID] = sig
	o.mu.Unlock()
	return full, true
}

func (o *Orchestrator) resolveLazyCall(ctx context.Context, lazy model.Call) (model.Call, bool) {
	loaded := make(map[hashutil.UID]model.ValueRef)
	for _, uid := range lazy.LazyInputUIDs() {
		v, ok := o.loadValue(ctx, uid)
		if !ok {
			return model.Call{}, false
		}
		loaded[uid] = v
	}
	withInputs, ok := lazy.SetInputValues(loaded)
	if !ok {
		return model.Call{}, false
	}
	loaded = make(map[hashutil.UID]model.ValueRef)
	for _, uid := range lazy.LazyOutputUIDs() {
		v, ok := o.loadValue(ctx, uid)
		if !ok {
			return model.Call{}, false
		}
		loaded[uid] = v
	}
	return withInputs.SetOutputValues(loaded)
}

func (o *Orchestrator) loadValue(ctx context.Context, uid hashutil.UID) (model.ValueRef, bool) {
	o.mu.Lock()
	if v, ok := o.valueCache.Get(uid); ok {
		o.mu.Unlock()
		return v, true
	}
	o.mu.Unlock()

	encoded, ok, err := schema.ObjGet(ctx, o.store, nil, uid)
	if err != nil || !ok {
		return model.ValueRef{}, false
	}
	var payload any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return model.ValueRef{}, false
	}
	v := model.ValueRef{UID: uid, ContentUID: uid, InMemory: true}
	v = v.WithObj(payload)
	o.mu.Lock()
	o.valueCache.SetClean(uid, v)
	o.mu.Unlock()
	return v, true
}

// CallQuery implements spec.md §4.G's call_query: builds a symbolic query
// node instead of running anything. The returned Query is consumed by the
// external query compiler via ExecuteQuery.
func (s *Scope) CallQuery(op model.FuncOp, inputs map[string]any) querycompiler.Query {
	q := querycompiler.Query{FuncOpName: op.VersionedInternalName(), Inputs: make(map[string]any, len(inputs))}
	for name, v := range inputs {
		q.Inputs[name] = v
	}
	return q
}

// delayedCall is one pending batch entry, captured by CallBatch and run by
// drainBatch on context exit.
type delayedCall struct {
	op     model.FuncOp
	inputs map[string]any
	outs   []*model.ValueRef // back-filled by drainBatch
}

// batchState accumulates delayed calls for one batch-mode context.
type batchState struct {
	mu      sync.Mutex
	pending []*delayedCall
}

// CallBatch implements spec.md §4.G's call_batch: returns delayed
// placeholders immediately; the real call_run happens when the batch
// context exits, and the placeholders are back-filled with real UIDs.
// Calling CallBatch outside a Batch scope is a programming error and
// panics, mirroring how the other Scope operations assume their mode.
func (s *Scope) CallBatch(op model.FuncOp, inputs map[string]any) []model.ValueRef {
	if s.batch == nil {
		panic("orchestrator: call_batch used outside a Batch context")
	}
	numOutputs := len(op.Sig.OutputTypes)
	placeholders := make([]model.ValueRef, numOutputs)
	ptrs := make([]*model.ValueRef, numOutputs)
	for i := range placeholders {
		placeholders[i] = model.Delayed()
		ptrs[i] = &placeholders[i]
	}

	dc := &delayedCall{op: op, inputs: inputs, outs: ptrs}
	s.batch.mu.Lock()
	s.batch.pending = append(s.batch.pending, dc)
	s.batch.mu.Unlock()

	return placeholders
}

// drainBatch runs every delayed call recorded on s through CallRun and
// back-propagates resulting UIDs into the delayed placeholders.
func (s *Scope) drainBatch(ctx context.Context) error {
	if s.batch == nil {
		return nil
	}
	s.batch.mu.Lock()
	pending := s.batch.pending
	s.batch.pending = nil
	s.batch.mu.Unlock()

	for _, dc := range pending {
		outs, _, err := s.CallRun(dc.op, dc.inputs)
		if err != nil {
			return err
		}
		for i, out := range outs {
			if i < len(dc.outs) {
				*dc.outs[i] = out
			}
		}
	}
	return nil
}

// Commit implements spec.md §4.G's commit: gathers dirty objs+calls (or
// the explicit list), writes them atomically in the fixed order
// objs -> calls -> provenance -> event-log, optionally evicts caches, and
// clears dirty sets.
func (s *Scope) Commit(ctx context.Context, calls []model.Call) error {
	o := s.o
	o.mu.Lock()

	dirtyValues := o.valueCache.DirtyKeys()
	objs := make(map[hashutil.UID][]byte, len(dirtyValues))
	for _, uid := range dirtyValues {
		v, ok := o.valueCache.Get(uid)
		if !ok {
			continue
		}
		payload, err := v.Unwrap(nil)
		if err != nil {
			continue
		}
		encoded, err := json.Marshal(payload)
		if err == nil {
			objs[uid] = encoded
		}
	}

	toCommit := calls
	if toCommit == nil {
		for _, uid := range o.callCache.DirtyKeys() {
			c, ok := o.callCache.Get(uid)
			if ok {
				toCommit = append(toCommit, c)
			}
		}
	}

	bySig := make(map[string][]model.Call)
	sigByKey := make(map[string]model.Signature)
	for _, c := range toCommit {
		sig, ok := o.callSig[c.UID]
		if !ok {
			sig = c.FuncOp.Sig
		}
		key := sig.VersionedInternalName()
		bySig[key] = append(bySig[key], c)
		sigByKey[key] = sig
	}
	o.mu.Unlock()

	if err := o.store.RunInTransaction(ctx, func(conn *relstore.Conn) error {
		if len(objs) > 0 {
			if err := schema.ObjSets(ctx, o.store, conn, objs); err != nil {
				return err
			}
		}
		now := time.Now().UTC()
		for key, cs := range bySig {
			sig := sigByKey[key]
			if err := schema.EnsureMemoTable(ctx, o.store, conn, sig, len(sig.OutputTypes)); err != nil {
				return err
			}
			if err := schema.UpsertCalls(ctx, o.store, conn, sig, cs, now); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("orchestrator: commit: %w", err)
	}

	o.mu.Lock()
	for _, uid := range dirtyValues {
		o.valueCache.MarkClean(uid)
	}
	for _, c := range toCommit {
		o.callCache.MarkClean(c.UID)
	}
	if o.cfg.EvictOnCommit {
		for _, uid := range dirtyValues {
			o.valueCache.Evict(uid)
		}
		for _, c := range toCommit {
			o.callCache.Evict(c.UID)
		}
	}
	o.mu.Unlock()

	return nil
}

// ExecuteQuery implements spec.md §4.G's execute_query: commits pending
// writes, delegates compilation to the external query compiler, runs the
// resulting relational query, and materializes payloads by UID.
func (s *Scope) ExecuteQuery(ctx context.Context, queries []querycompiler.Query) (relstore.DataFrame, error) {
	if err := s.Commit(ctx, nil); err != nil {
		return relstore.DataFrame{}, err
	}
	if s.o.compiler == nil {
		return relstore.DataFrame{}, fmt.Errorf("orchestrator: execute_query: %w", ErrSchemaMissing)
	}
	compiled, err := s.o.compiler.Compile(ctx, queries)
	if err != nil {
		return relstore.DataFrame{}, fmt.Errorf("orchestrator: compile query: %w", err)
	}
	rows, err := s.o.store.Execute(ctx, nil, compiled.SQL, compiled.Args...)
	if err != nil {
		return relstore.DataFrame{}, fmt.Errorf("orchestrator: execute query: %w", err)
	}

	if compiled.PayloadColumn == "" {
		return rows, nil
	}
	materialized := relstore.DataFrame{Columns: rows.Columns, Rows: make([]relstore.Row, 0, len(rows.Rows))}
	for _, row := range rows.Rows {
		uidVal, _ := row[compiled.PayloadColumn].(string)
		encoded, ok, err := schema.ObjGet(ctx, s.o.store, nil, hashutil.UID(uidVal))
		if err != nil {
			return relstore.DataFrame{}, fmt.Errorf("orchestrator: materialize %s: %w", uidVal, err)
		}
		out := make(relstore.Row, len(row))
		for k, v := range row {
			out[k] = v
		}
		if ok {
			var payload any
			if err := json.Unmarshal(encoded, &payload); err == nil {
				out[compiled.PayloadColumn] = payload
			}
		}
		materialized.Rows = append(materialized.Rows, out)
	}
	return materialized, nil
}
