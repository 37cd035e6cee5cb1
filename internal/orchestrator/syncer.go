package orchestrator

import "context"

// Syncer is the remote-sync boundary the orchestrator drives on context
// entry/exit in run mode (spec.md §4.G, §4.H). internal/remotesync
// implements this against a relstore.Store-backed remote; NoopSyncer is
// used when no remote is configured.
type Syncer interface {
	SyncFromRemote(ctx context.Context) error
	SyncToRemote(ctx context.Context) error
}

// NoopSyncer is the default Syncer for an orchestrator with no remote
// configured: sync_to_remote still must clear the local event log per
// spec.md §4.H ("if no remote is configured, clears the local event log"),
// so callers should prefer remotesync.New(store) to this type unless
// they intend sync to be a true no-op (e.g. in tests).
type NoopSyncer struct{}

func (NoopSyncer) SyncFromRemote(ctx context.Context) error { return nil }
func (NoopSyncer) SyncToRemote(ctx context.Context) error   { return nil }
