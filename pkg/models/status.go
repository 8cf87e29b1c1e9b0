package models

// FileSyncStatus is the lifecycle state of a tracked file. Values are
// mutually exclusive and stored as-is in the sync_state table.
type FileSyncStatus string

const (
	StatusSynced          FileSyncStatus = "synced"
	StatusPendingUpload   FileSyncStatus = "pending_upload"
	StatusPendingDownload FileSyncStatus = "pending_download"
	// Delete-pending states: the file disappeared on one side and the
	// deletion still has to be propagated to the other.
	StatusPendingDeleteRemote FileSyncStatus = "pending_delete_remote"
	StatusPendingDeleteLocal  FileSyncStatus = "pending_delete_local"
	StatusSyncing             FileSyncStatus = "syncing"
	StatusConflict            FileSyncStatus = "conflict"
	StatusError               FileSyncStatus = "error"
	StatusIgnored             FileSyncStatus = "ignored"
)

// Pending reports whether the status queues the record for work in the
// next reconciliation cycle.
func (s FileSyncStatus) Pending() bool {
	switch s {
	case StatusPendingUpload, StatusPendingDownload,
		StatusPendingDeleteRemote, StatusPendingDeleteLocal:
		return true
	}
	return false
}

// ConflictStrategy selects how the resolver decides between two
// diverged copies of a file.
type ConflictStrategy string

const (
	StrategyKeepBoth   ConflictStrategy = "keep_both"
	StrategyLocalWins  ConflictStrategy = "local_wins"
	StrategyRemoteWins ConflictStrategy = "remote_wins"
	StrategyAskUser    ConflictStrategy = "ask_user"
)

// ConflictResolution is the resolver's verdict.
type ConflictResolution string

const (
	ResolutionKeepLocal  ConflictResolution = "keep_local"
	ResolutionKeepRemote ConflictResolution = "keep_remote"
	ResolutionKeepBoth   ConflictResolution = "keep_both"
	ResolutionAskUser    ConflictResolution = "ask_user"
)

// DeltaAction describes what happened to a remote file since the last
// cursor position.
type DeltaAction string

const (
	DeltaCreated  DeltaAction = "created"
	DeltaModified DeltaAction = "modified"
	DeltaDeleted  DeltaAction = "deleted"
	DeltaMoved    DeltaAction = "moved"
)

// SyncEventKind classifies entries of the activity log.
type SyncEventKind string

const (
	EventUpload           SyncEventKind = "upload"
	EventDownload         SyncEventKind = "download"
	EventDelete           SyncEventKind = "delete"
	EventMove             SyncEventKind = "move"
	EventConflictResolved SyncEventKind = "conflict_resolved"
	EventError            SyncEventKind = "error"
)
