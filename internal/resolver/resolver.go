// Package resolver decides which side of a diverged file survives. It
// performs no I/O and holds no mutable state, so every decision is a
// pure function of its inputs.
package resolver

import (
	"fmt"
	"strings"
	"time"

	"github.com/leonardo-matheus/winux-cloudsync/pkg/models"
)

// Resolve decides the fate of a file whose local and remote copies both
// changed since the last common synced state.
//
// Equal content digests short-circuit every strategy: byte-identical
// copies are not a real conflict even when both timestamps moved
// (touch without edit).
func Resolve(local *models.SyncRecord, remote *models.CloudFile, strategy models.ConflictStrategy) models.ConflictResolution {
	if local.LocalHash != "" && remote.Hash != "" && local.LocalHash == remote.Hash {
		return models.ResolutionKeepLocal
	}

	switch strategy {
	case models.StrategyKeepBoth:
		return models.ResolutionKeepBoth
	case models.StrategyLocalWins:
		return models.ResolutionKeepLocal
	case models.StrategyRemoteWins:
		return models.ResolutionKeepRemote
	case models.StrategyAskUser:
		return models.ResolutionAskUser
	default:
		return models.ResolutionAskUser
	}
}

// ResolveByTimestamp is a deterministic tie-breaker for automation
// paths: the newer copy wins, local on an exact tie going to remote.
func ResolveByTimestamp(local *models.SyncRecord, remote *models.CloudFile) models.ConflictResolution {
	if local.LocalModified.After(remote.ModifiedAt) {
		return models.ResolutionKeepLocal
	}
	return models.ResolutionKeepRemote
}

// ResolveBySize is a deterministic tie-breaker preferring the larger
// copy; the local one wins ties.
func ResolveBySize(localSize, remoteSize int64) models.ConflictResolution {
	if localSize >= remoteSize {
		return models.ResolutionKeepLocal
	}
	return models.ResolutionKeepRemote
}

// Suffixes returns the pair of rename suffixes used by the keep-both
// resolution, derived from the current UTC time at second resolution so
// both renamed copies share one timestamp.
func Suffixes(now time.Time) (local, remote string) {
	ts := now.UTC().Format("20060102-150405")
	return fmt.Sprintf("_conflito_local_%s", ts), fmt.Sprintf("_conflito_remoto_%s", ts)
}

// ConflictFilename inserts a suffix before the file extension. Only the
// last extension segment is split off, so "archive.tar.gz" becomes
// "archive.tar<suffix>.gz". This narrow rule is intentional; it is not
// a MIME-aware multi-extension split.
func ConflictFilename(name, suffix string) string {
	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		// No extension, or a dotfile like ".bashrc".
		return name + suffix
	}
	return name[:dot] + suffix + name[dot:]
}
