// Package remotesync implements memo's remote-sync boundary (spec.md
// §4.H): bundling the local event log to a remote and applying a remote's
// event log locally, atop Dolt's native Push/Pull/Commit primitives.
//
// Grounded on the teacher's internal/syncbranch package (worktree-scoped
// sync orchestration around a shared branch) and internal/storage/dolt's
// Push/Pull/Commit wrappers (dolt.go), which this package drives rather
// than reimplements.
package remotesync

import (
	"context"
	"fmt"

	"github.com/stratalog/memo/internal/hashutil"
	"github.com/stratalog/memo/internal/relstore"
	"github.com/stratalog/memo/internal/schema"
)

// Remote is the subset of relstore.DoltStore's surface remote sync needs:
// a Dolt version-control commit point plus push/pull against the
// configured remote branch. Asserted from relstore.Store rather than
// named in its interface, since most Store operations (embedded, no
// remote configured, the non-CGO stub) have no remote to sync against.
type Remote interface {
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context) error
	Pull(ctx context.Context) error
}

// Bundle is the unit of exchange between SyncToRemote and ApplyFromRemote:
// the event log entries accumulated locally since the last sync, ordered
// by timestamp as schema.GetEventLog returns them.
type Bundle struct {
	Entries []schema.EventLogEntry
}

// Syncer drives event-log bundling against a relational store, and
// against that store's Dolt remote when one is configured. It satisfies
// orchestrator.Syncer.
type Syncer struct {
	store  relstore.Store
	remote Remote
}

// New builds a Syncer over store. If store also implements Remote (a live
// relstore.DoltStore configured with a remote), sync_to_remote pushes and
// sync_from_remote pulls; otherwise sync degrades to local-only event-log
// bookkeeping (spec.md §4.H: "if no remote is configured, clears the
// local event log").
func New(store relstore.Store) *Syncer {
	s := &Syncer{store: store}
	if r, ok := store.(Remote); ok {
		s.remote = r
	}
	return s
}

// BundleToRemote reads the local event log and returns it as a Bundle,
// without clearing it or touching the remote. Used by SyncToRemote, and
// exposed standalone for callers that want to inspect pending changes
// before committing to a push.
func (s *Syncer) BundleToRemote(ctx context.Context) (Bundle, error) {
	entries, err := schema.GetEventLog(ctx, s.store, nil)
	if err != nil {
		return Bundle{}, fmt.Errorf("remotesync: bundle_to_remote: %w", err)
	}
	return Bundle{Entries: entries}, nil
}

// SyncToRemote bundles the local event log, pushes it to the remote if
// one is configured, and clears the log on success (spec.md §4.H). The
// underlying relational rows (memo tables, value table, provenance table)
// are already durable from Commit; what SyncToRemote moves is the Dolt
// version-control commit plus the push, and what it retires is the
// event-log bookkeeping that tracked what still needs to move.
func (s *Syncer) SyncToRemote(ctx context.Context) error {
	bundle, err := s.BundleToRemote(ctx)
	if err != nil {
		return err
	}
	if len(bundle.Entries) == 0 {
		return nil
	}
	if s.remote != nil {
		msg := fmt.Sprintf("memo: sync %d change(s)", len(bundle.Entries))
		if err := s.remote.Commit(ctx, msg); err != nil {
			return fmt.Errorf("remotesync: sync_to_remote commit: %w", err)
		}
		if err := s.remote.Push(ctx); err != nil {
			return fmt.Errorf("remotesync: sync_to_remote push: %w", err)
		}
	}
	if err := schema.ClearEventLog(ctx, s.store, nil); err != nil {
		return fmt.Errorf("remotesync: sync_to_remote clear event log: %w", err)
	}
	return nil
}

// ApplyFromRemote is a no-op beyond the pull itself: Dolt's working set
// already reflects the remote's rows once pulled, so there is nothing
// further to replay at the relational layer. It exists as a named step so
// SyncFromRemote's two phases (pull, then surface what changed) stay
// distinguishable, and so tests can assert on the returned bundle without
// also driving a real pull.
func (s *Syncer) ApplyFromRemote(ctx context.Context) (Bundle, error) {
	return s.BundleToRemote(ctx)
}

// SyncFromRemote pulls the remote's current branch state, if a remote is
// configured, then reads back the local event log via ApplyFromRemote
// (spec.md §4.H, driven by the orchestrator on every ModeRun context
// entry). The bundle read back is discarded; only an error is returned.
func (s *Syncer) SyncFromRemote(ctx context.Context) error {
	if s.remote != nil {
		if err := s.remote.Pull(ctx); err != nil {
			return fmt.Errorf("remotesync: sync_from_remote pull: %w", err)
		}
	}
	_, err := s.ApplyFromRemote(ctx)
	return err
}

// changedTables reports the distinct memo-table names touched by bundle,
// used by callers (e.g. a CLI status command, out of this library's
// scope) that want a human-readable summary instead of raw event rows.
func changedTables(bundle Bundle) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range bundle.Entries {
		if !seen[e.Table] {
			seen[e.Table] = true
			out = append(out, e.Table)
		}
	}
	return out
}

// uidsOf returns the UIDs recorded in bundle, in order.
func uidsOf(bundle Bundle) []hashutil.UID {
	out := make([]hashutil.UID, len(bundle.Entries))
	for i, e := range bundle.Entries {
		out[i] = e.UID
	}
	return out
}
