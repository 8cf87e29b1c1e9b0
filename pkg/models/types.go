package models

import "time"

// SyncRecord is the persisted sync state of one tracked local path.
type SyncRecord struct {
	LocalPath      string
	RemoteID       string
	Provider       string
	LocalModified  time.Time
	RemoteModified time.Time
	LocalHash      string // empty until first hash is computed
	RemoteHash     string
	Size           int64
	Status         FileSyncStatus
	// RetryStatus is the pending status a record held when its transfer
	// failed. The next cycle requeues the record in that direction.
	RetryStatus FileSyncStatus
	LastSync    *time.Time
	Version     int64
	Deleted     bool // tombstone: removed on both sides
	LastError   string
}

// CloudFile is the provider-side view of a file, as returned by listing
// and transfer operations.
type CloudFile struct {
	ID         string
	Name       string
	Path       string
	ParentID   string
	IsFolder   bool
	Size       int64
	ModifiedAt time.Time
	Hash       string
}

// DeltaEntry is one normalized remote change.
type DeltaEntry struct {
	Provider   string
	RemoteID   string
	Action     DeltaAction
	Path       string
	Name       string
	Size       int64
	ModifiedAt time.Time
	Hash       string
	MovedFrom  string // set only for DeltaMoved
}

// Conflict records a detected divergence between the local and remote
// copies of a file. Resolution stays empty until resolved.
type Conflict struct {
	ID             int64
	LocalPath      string
	RemoteID       string
	Provider       string
	LocalModified  time.Time
	RemoteModified time.Time
	LocalSize      int64
	RemoteSize     int64
	LocalHash      string
	RemoteHash     string
	Resolution     ConflictResolution
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// SyncEvent is one row of the append-only activity log.
type SyncEvent struct {
	ID        string
	Timestamp time.Time
	Kind      SyncEventKind
	Path      string
	Name      string
	Provider  string
	Bytes     int64 // 0 when not applicable
	Error     string
}

// Profile holds the sync configuration for one local folder paired with
// one provider endpoint.
type Profile struct {
	Name        string
	LocalPath   string
	Provider    string
	Strategy    ConflictStrategy
	Destination struct {
		Endpoint  string
		Bucket    string
		Prefix    string
		AccessKey string
		SecretKey string
	}
}

// Stats aggregates sync_state rows by status.
type Stats struct {
	TotalFiles    int64
	TotalSize     int64
	SyncedFiles   int64
	SyncedSize    int64
	PendingFiles  int64
	PendingSize   int64
	ConflictFiles int64
	ErrorFiles    int64
	IgnoredFiles  int64
}
