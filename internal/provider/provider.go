// Package provider defines the narrow interface the sync engine uses
// to talk to a cloud storage backend, plus the S3-compatible
// implementation. OAuth flows and provider-specific HTTP plumbing live
// outside this repository.
package provider

import (
	"context"

	"github.com/leonardo-matheus/winux-cloudsync/pkg/models"
)

// Provider is one cloud storage backend. Implementations must be safe
// for concurrent use: the engine runs transfers in parallel.
type Provider interface {
	// Name identifies the provider instance; it keys cursors and
	// sync records in the state store.
	Name() string

	// ListRemoteRoot lists every file under the synced remote root.
	ListRemoteRoot(ctx context.Context) ([]models.CloudFile, error)

	// FetchDelta returns the remote changes since the given cursor
	// and the cursor for the next call. An empty cursor performs a
	// full listing returned as Created entries (bootstrap).
	// Re-fetching with the same cursor must yield the same batch, so
	// a crash between apply and cursor commit is safe.
	FetchDelta(ctx context.Context, cursor string) ([]models.DeltaEntry, string, error)

	// Upload stores the local file under the remote parent and
	// returns the resulting remote metadata.
	Upload(ctx context.Context, localPath, remoteParent string) (*models.CloudFile, error)

	// Download writes the remote file's bytes to localPath.
	Download(ctx context.Context, remoteID, localPath string) error

	// Delete removes the remote file.
	Delete(ctx context.Context, remoteID string) error
}
