package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/leonardo-matheus/winux-cloudsync/internal/db"
	"github.com/leonardo-matheus/winux-cloudsync/internal/provider"
	"github.com/leonardo-matheus/winux-cloudsync/internal/resolver"
	"github.com/leonardo-matheus/winux-cloudsync/internal/watcher"
	"github.com/leonardo-matheus/winux-cloudsync/pkg/models"
	"github.com/leonardo-matheus/winux-cloudsync/pkg/utils"
)

// PromptFunc asks the user to pick a resolution for a conflict. It is
// only consulted for the ask_user strategy.
type PromptFunc func(c models.Conflict) (models.ConflictResolution, error)

// Config tunes engine behavior.
type Config struct {
	// NumWorkers is the transfer pool size. Defaults to 4.
	NumWorkers int
	// ComputeHash enables content hashing during scans. Hashing is
	// best-effort everywhere else: transfers always record digests,
	// scans only hash when asked.
	ComputeHash bool
	// Progress enables the per-transfer progress bar.
	Progress bool
	// Prompt handles ask_user conflicts. When nil those conflicts
	// stay suspended until resolved through the CLI.
	Prompt PromptFunc
	// Clock is swappable for tests.
	Clock clockwork.Clock
	// Fs is swappable for tests.
	Fs afero.Fs
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{NumWorkers: 4, Progress: true}
}

// Engine reconciles one local folder with one provider. All state
// commits flow through a single goroutine, so every observable
// transition is serialized.
type Engine struct {
	db       *db.DB
	provider provider.Provider
	profile  *models.Profile
	cfg      Config
	log      *log.Entry
}

// New assembles an engine for a profile.
func New(database *db.DB, prov provider.Provider, profile *models.Profile, cfg Config) *Engine {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	return &Engine{
		db:       database,
		provider: prov,
		profile:  profile,
		cfg:      cfg,
		log: log.WithFields(log.Fields{
			"profile":  profile.Name,
			"provider": prov.Name(),
		}),
	}
}

// relPath maps an absolute local path onto the slash-separated path
// used on the remote side.
func (e *Engine) relPath(abs string) (string, error) {
	rel, err := filepath.Rel(e.profile.LocalPath, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the sync root", abs)
	}
	return filepath.ToSlash(rel), nil
}

func (e *Engine) absPath(rel string) string {
	return filepath.Join(e.profile.LocalPath, filepath.FromSlash(rel))
}

// Scan walks the local tree and queues uploads for files that are new
// or changed since the last committed state. It never touches the
// remote; unknown remote files surface through the next delta fetch.
func (e *Engine) Scan(ctx context.Context) (int, error) {
	known, err := e.db.ListAll(e.provider.Name())
	if err != nil {
		return 0, err
	}
	byPath := make(map[string]*models.SyncRecord, len(known))
	for i := range known {
		byPath[known[i].LocalPath] = &known[i]
	}

	queued := 0
	seen := map[string]bool{}
	err = afero.Walk(e.cfg.Fs, e.profile.LocalPath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if fi.IsDir() {
			if strings.HasPrefix(fi.Name(), ".") && path != e.profile.LocalPath {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(fi.Name(), ".") {
			return nil
		}

		rel, err := e.relPath(path)
		if err != nil {
			return err
		}
		seen[rel] = true

		rec := byPath[rel]
		if rec != nil {
			switch rec.Status {
			case models.StatusIgnored, models.StatusConflict, models.StatusSyncing,
				models.StatusPendingDownload, models.StatusPendingDeleteLocal:
				// Remote-direction work is queued; a rescan must not
				// hijack it into an upload of the stale local copy.
				return nil
			case models.StatusError:
				if rec.RetryStatus == models.StatusPendingDownload ||
					rec.RetryStatus == models.StatusPendingDeleteLocal {
					return nil
				}
			}
		}
		changed, err := e.localChanged(rec, path, fi)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		if rec == nil {
			rec = &models.SyncRecord{
				LocalPath: rel,
				Provider:  e.provider.Name(),
			}
		}
		rec.LocalModified = fi.ModTime().UTC()
		rec.Size = fi.Size()
		if e.cfg.ComputeHash {
			if hash, err := utils.HashFile(e.cfg.Fs, path); err == nil {
				rec.LocalHash = hash
			}
		}
		queued++
		return e.markPending(rec, models.StatusPendingUpload)
	})
	if err != nil {
		return queued, err
	}

	// Tracked files missing from disk have been deleted locally.
	for i := range known {
		rec := &known[i]
		if seen[rec.LocalPath] || !missingMeansDeleted(rec) {
			continue
		}
		if err := e.markPending(rec, models.StatusPendingDeleteRemote); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// missingMeansDeleted reports whether a tracked path absent from disk
// should queue a remote delete. Only records that held a committed
// local copy qualify; a queued or failed download still has its only
// copy on the remote side, and absence must not destroy it.
func missingMeansDeleted(rec *models.SyncRecord) bool {
	switch rec.Status {
	case models.StatusSynced, models.StatusPendingUpload:
		return true
	case models.StatusError:
		return rec.RetryStatus == models.StatusPendingUpload
	}
	return false
}

// localChanged reports whether the on-disk file differs from the
// committed record. Modification time plus hash when available; a
// record with no local state is always a change.
func (e *Engine) localChanged(rec *models.SyncRecord, path string, fi os.FileInfo) (bool, error) {
	if rec == nil {
		return true, nil
	}
	if rec.Status.Pending() || rec.Status == models.StatusError {
		return true, nil
	}
	if fi.ModTime().UTC().Equal(rec.LocalModified) {
		return false, nil
	}
	if rec.LocalHash != "" && e.cfg.ComputeHash {
		hash, err := utils.HashFile(e.cfg.Fs, path)
		if err != nil {
			return true, nil
		}
		if hash == rec.LocalHash {
			return false, nil
		}
	}
	return true, nil
}

// markPending moves a record into a pending status and bumps its
// version. The transition, version row, and activity entry commit
// atomically.
func (e *Engine) markPending(rec *models.SyncRecord, status models.FileSyncStatus) error {
	rec.Status = status
	rec.RetryStatus = ""
	rec.Version++
	rec.LastError = ""
	return e.db.CommitTransition(rec, nil)
}

// ApplyLocalEvent folds one debounced watcher event into the state
// store. Transfers happen later, during Reconcile.
func (e *Engine) ApplyLocalEvent(ev watcher.FileEvent) error {
	rel, err := e.relPath(ev.Path)
	if err != nil {
		return err
	}

	rec, err := e.db.GetRecord(e.provider.Name(), rel)
	if err != nil {
		return err
	}
	if rec != nil && rec.Status == models.StatusIgnored {
		return nil
	}

	switch ev.Kind {
	case watcher.Created, watcher.Modified:
		return e.applyLocalChange(rel, ev)

	case watcher.Deleted:
		if rec == nil || rec.Deleted {
			return nil
		}
		if rec.Status == models.StatusPendingUpload && rec.RemoteID == "" {
			// Never synced and already gone again: just tombstone.
			return e.db.MarkDeleted(e.provider.Name(), rel)
		}
		if rec.Status == models.StatusPendingDownload {
			// Local copy vanished while a remote change is queued:
			// the download simply proceeds.
			return nil
		}
		return e.markPending(rec, models.StatusPendingDeleteRemote)

	case watcher.Renamed:
		oldRel, err := e.relPath(ev.RenamedFrom)
		if err != nil {
			return err
		}
		return e.applyLocalRename(oldRel, rel, ev)
	}
	return nil
}

func (e *Engine) applyLocalChange(rel string, ev watcher.FileEvent) error {
	rec, err := e.db.GetRecord(e.provider.Name(), rel)
	if err != nil {
		return err
	}

	fi, err := e.cfg.Fs.Stat(ev.Path)
	if err != nil {
		// Gone again before we looked; the delete event follows.
		return nil
	}

	if rec == nil {
		rec = &models.SyncRecord{
			LocalPath: rel,
			Provider:  e.provider.Name(),
		}
	}
	rec.Deleted = false
	rec.LocalModified = fi.ModTime().UTC()
	rec.Size = fi.Size()

	// Local edit landing on top of a queued remote change means both
	// sides moved: that is a conflict, not a lost update.
	if rec.Status == models.StatusPendingDownload || rec.Status == models.StatusPendingDeleteLocal {
		return e.flagConflict(rec, fi.Size(), rec.RemoteHash)
	}
	return e.markPending(rec, models.StatusPendingUpload)
}

func (e *Engine) applyLocalRename(oldRel, newRel string, ev watcher.FileEvent) error {
	rec, err := e.db.GetRecord(e.provider.Name(), oldRel)
	if err != nil {
		return err
	}
	if rec == nil {
		// Unknown source: treat the destination as a fresh create.
		return e.applyLocalChange(newRel, ev)
	}

	if err := e.db.UpdatePath(e.provider.Name(), oldRel, newRel); err != nil {
		return err
	}
	rec.LocalPath = newRel
	if fi, err := e.cfg.Fs.Stat(ev.Path); err == nil {
		rec.LocalModified = fi.ModTime().UTC()
	}
	// The upload to the new key removes the old remote object once it
	// completes; RemoteID still points at the old key until then.
	if err := e.markPending(rec, models.StatusPendingUpload); err != nil {
		return err
	}
	return e.db.AppendEvent(&models.SyncEvent{
		ID:        uuid.NewString(),
		Timestamp: e.cfg.Clock.Now().UTC(),
		Kind:      models.EventMove,
		Path:      newRel,
		Name:      filepath.Base(newRel),
		Provider:  e.provider.Name(),
	})
}

// FetchAndApplyDelta pulls one batch of remote changes and folds it
// into the state store. The cursor advances only after the entire
// batch is applied, so a crash mid-batch replays it; application is
// idempotent, so the replay converges.
func (e *Engine) FetchAndApplyDelta(ctx context.Context) (int, error) {
	cursor, err := e.db.GetCursor(e.provider.Name())
	if err != nil {
		return 0, err
	}

	entries, newCursor, err := e.provider.FetchDelta(ctx, cursor)
	if err != nil {
		if provider.IsAuthExpired(err) {
			e.log.Warn("Provider credentials expired, sync suspended until re-authentication")
		}
		return 0, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := e.applyDeltaEntry(entry); err != nil {
			return 0, err
		}
	}
	if err := e.db.SetCursor(e.provider.Name(), newCursor); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (e *Engine) applyDeltaEntry(entry models.DeltaEntry) error {
	switch entry.Action {
	case models.DeltaCreated, models.DeltaModified:
		return e.applyRemoteChange(entry)
	case models.DeltaDeleted:
		return e.applyRemoteDelete(entry)
	case models.DeltaMoved:
		return e.applyRemoteMove(entry)
	}
	return nil
}

func (e *Engine) applyRemoteChange(entry models.DeltaEntry) error {
	rec, err := e.db.GetRecordByRemoteID(e.provider.Name(), entry.RemoteID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec, err = e.db.GetRecord(e.provider.Name(), entry.Path)
		if err != nil {
			return err
		}
	}
	if rec != nil && rec.Status == models.StatusIgnored {
		return nil
	}

	if rec == nil {
		rec = &models.SyncRecord{
			LocalPath: entry.Path,
			Provider:  e.provider.Name(),
		}
	}
	// Same remote content we already saw: replayed batch, or an echo
	// of our own upload. Re-applying must not move the state machine.
	if entry.Hash != "" && entry.Hash == rec.RemoteHash && entry.RemoteID == rec.RemoteID {
		switch rec.Status {
		case models.StatusSynced, models.StatusPendingDownload, models.StatusConflict:
			return nil
		}
	}

	rec.Deleted = false
	rec.RemoteID = entry.RemoteID
	rec.RemoteModified = entry.ModifiedAt.UTC()
	rec.RemoteHash = entry.Hash
	rec.Size = entry.Size

	// Remote change landing on a queued local change: both sides
	// moved since the last committed state.
	if rec.Status == models.StatusPendingUpload || rec.Status == models.StatusPendingDeleteRemote {
		return e.flagConflict(rec, entry.Size, entry.Hash)
	}
	return e.markPending(rec, models.StatusPendingDownload)
}

func (e *Engine) applyRemoteDelete(entry models.DeltaEntry) error {
	rec, err := e.db.GetRecordByRemoteID(e.provider.Name(), entry.RemoteID)
	if err != nil || rec == nil {
		return err
	}
	switch rec.Status {
	case models.StatusIgnored:
		return nil
	case models.StatusPendingUpload:
		// Local edit outlives the remote delete: the upload
		// re-creates the file.
		return nil
	case models.StatusPendingDeleteRemote:
		// Deleted on both sides independently: nothing left to
		// propagate.
		rec.Status = models.StatusSynced
		rec.Version++
		rec.Deleted = true
		return e.db.CommitTransition(rec, nil)
	}
	return e.markPending(rec, models.StatusPendingDeleteLocal)
}

func (e *Engine) applyRemoteMove(entry models.DeltaEntry) error {
	rec, err := e.db.GetRecordByRemoteID(e.provider.Name(), entry.MovedFrom)
	if err != nil {
		return err
	}
	if rec == nil {
		// Never saw the source: same as a create at the destination.
		created := entry
		created.Action = models.DeltaCreated
		return e.applyRemoteChange(created)
	}
	if rec.Status == models.StatusIgnored {
		return nil
	}

	oldAbs := e.absPath(rec.LocalPath)
	newAbs := e.absPath(entry.Path)
	if err := e.cfg.Fs.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return err
	}
	if err := e.cfg.Fs.Rename(oldAbs, newAbs); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := e.db.UpdatePath(e.provider.Name(), rec.LocalPath, entry.Path); err != nil {
		return err
	}
	rec.LocalPath = entry.Path
	rec.RemoteID = entry.RemoteID
	rec.RemoteModified = entry.ModifiedAt.UTC()
	rec.Version++
	if err := e.db.CommitTransition(rec, &models.SyncEvent{
		ID:        uuid.NewString(),
		Timestamp: e.cfg.Clock.Now().UTC(),
		Kind:      models.EventMove,
		Path:      entry.Path,
		Name:      entry.Name,
		Provider:  e.provider.Name(),
		Bytes:     entry.Size,
	}); err != nil {
		return err
	}
	return nil
}

// flagConflict moves a record into conflict and stores the conflict
// row for later resolution.
func (e *Engine) flagConflict(rec *models.SyncRecord, remoteSize int64, remoteHash string) error {
	var localSize int64
	abs := e.absPath(rec.LocalPath)
	if fi, err := e.cfg.Fs.Stat(abs); err == nil {
		localSize = fi.Size()
	}
	if rec.LocalHash == "" && e.cfg.ComputeHash {
		if hash, err := utils.HashFile(e.cfg.Fs, abs); err == nil {
			rec.LocalHash = hash
		}
	}

	rec.Status = models.StatusConflict
	rec.Version++
	if err := e.db.CommitTransition(rec, nil); err != nil {
		return err
	}
	_, err := e.db.RecordConflict(&models.Conflict{
		LocalPath:      rec.LocalPath,
		RemoteID:       rec.RemoteID,
		Provider:       e.provider.Name(),
		LocalModified:  rec.LocalModified,
		RemoteModified: rec.RemoteModified,
		LocalSize:      localSize,
		RemoteSize:     remoteSize,
		LocalHash:      rec.LocalHash,
		RemoteHash:     remoteHash,
	})
	return err
}

// ResolveConflicts runs the profile strategy over every open conflict.
// ask_user conflicts stay suspended unless a prompt is configured; one
// unresolved conflict never blocks the rest of the queue.
func (e *Engine) ResolveConflicts(ctx context.Context) error {
	conflicts, err := e.db.ListOpenConflicts(e.provider.Name())
	if err != nil {
		return err
	}
	for _, c := range conflicts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.resolveOne(c, e.profile.Strategy); err != nil {
			e.log.WithError(err).WithField("path", c.LocalPath).Warn("Conflict resolution failed")
		}
	}
	return nil
}

// ResolveOne applies an explicit resolution to a single open conflict.
func (e *Engine) ResolveOne(c models.Conflict, resolution models.ConflictResolution) error {
	return e.applyResolution(c, resolution)
}

func (e *Engine) resolveOne(c models.Conflict, strategy models.ConflictStrategy) error {
	remote := &models.CloudFile{
		ID:         c.RemoteID,
		ModifiedAt: c.RemoteModified,
		Size:       c.RemoteSize,
		Hash:       c.RemoteHash,
	}
	local := &models.SyncRecord{
		LocalPath:     c.LocalPath,
		LocalModified: c.LocalModified,
		LocalHash:     c.LocalHash,
	}

	resolution := resolver.Resolve(local, remote, strategy)
	if resolution == models.ResolutionAskUser {
		if e.cfg.Prompt == nil {
			return nil // stays suspended
		}
		picked, err := e.cfg.Prompt(c)
		if err != nil {
			return err
		}
		resolution = picked
	}
	return e.applyResolution(c, resolution)
}

func (e *Engine) applyResolution(c models.Conflict, resolution models.ConflictResolution) error {
	rec, err := e.db.GetRecord(e.provider.Name(), c.LocalPath)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no record for conflicted path %s", c.LocalPath)
	}

	switch resolution {
	case models.ResolutionKeepLocal:
		if err := e.markPending(rec, models.StatusPendingUpload); err != nil {
			return err
		}

	case models.ResolutionKeepRemote:
		if err := e.markPending(rec, models.StatusPendingDownload); err != nil {
			return err
		}

	case models.ResolutionKeepBoth:
		if err := e.keepBoth(rec); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported resolution %q", resolution)
	}

	if err := e.db.ResolveConflict(e.provider.Name(), c.LocalPath, resolution); err != nil {
		return err
	}
	return e.db.AppendEvent(&models.SyncEvent{
		ID:        uuid.NewString(),
		Timestamp: e.cfg.Clock.Now().UTC(),
		Kind:      models.EventConflictResolved,
		Path:      c.LocalPath,
		Name:      filepath.Base(c.LocalPath),
		Provider:  e.provider.Name(),
	})
}

// keepBoth preserves both diverged copies under distinct names: the
// local file is renamed with the local conflict suffix and uploaded as
// a new file, while the remote copy is downloaded under the remote
// conflict suffix. Nothing remains under the original name.
func (e *Engine) keepBoth(rec *models.SyncRecord) error {
	localSuffix, remoteSuffix := resolver.Suffixes(e.cfg.Clock.Now())
	localRel := renameWithSuffix(rec.LocalPath, localSuffix)
	remoteRel := renameWithSuffix(rec.LocalPath, remoteSuffix)

	oldAbs := e.absPath(rec.LocalPath)
	newAbs := e.absPath(localRel)
	if err := e.cfg.Fs.Rename(oldAbs, newAbs); err != nil {
		return err
	}

	// The renamed local copy becomes a brand-new upload.
	renamed := &models.SyncRecord{
		LocalPath:     localRel,
		Provider:      e.provider.Name(),
		LocalModified: rec.LocalModified,
		LocalHash:     rec.LocalHash,
	}
	if fi, err := e.cfg.Fs.Stat(newAbs); err == nil {
		renamed.LocalModified = fi.ModTime().UTC()
		renamed.Size = fi.Size()
	}
	if err := e.markPending(renamed, models.StatusPendingUpload); err != nil {
		return err
	}

	// The existing record is re-keyed to the remote-suffixed name and
	// receives the remote copy.
	if err := e.db.UpdatePath(e.provider.Name(), rec.LocalPath, remoteRel); err != nil {
		return err
	}
	rec.LocalPath = remoteRel
	rec.LocalHash = ""
	rec.LocalModified = time.Time{}
	return e.markPending(rec, models.StatusPendingDownload)
}

func renameWithSuffix(rel, suffix string) string {
	dir := ""
	name := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		dir, name = rel[:i+1], rel[i+1:]
	}
	return dir + resolver.ConflictFilename(name, suffix)
}

// Ignore excludes a path from synchronization. The record survives so
// the exclusion outlives restarts; no further events move it until the
// path is re-included.
func (e *Engine) Ignore(rel string) error {
	rec, err := e.db.GetRecord(e.provider.Name(), rel)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &models.SyncRecord{
			LocalPath: rel,
			Provider:  e.provider.Name(),
		}
	}
	rec.Status = models.StatusIgnored
	rec.Version++
	return e.db.CommitTransition(rec, nil)
}

// Include re-admits an ignored path: queued for upload when a local
// copy exists, for download when only the remote side is known.
func (e *Engine) Include(rel string) error {
	rec, err := e.db.GetRecord(e.provider.Name(), rel)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != models.StatusIgnored {
		return fmt.Errorf("%s is not ignored", rel)
	}
	if fi, err := e.cfg.Fs.Stat(e.absPath(rel)); err == nil && !fi.IsDir() {
		rec.LocalModified = fi.ModTime().UTC()
		return e.markPending(rec, models.StatusPendingUpload)
	}
	if rec.RemoteID != "" {
		return e.markPending(rec, models.StatusPendingDownload)
	}
	return e.db.MarkDeleted(e.provider.Name(), rel)
}

// requeueErrored returns every errored record to its pending queue.
// A failed transfer is retried on the next cycle in the direction it
// was travelling; records missing one fall back to local presence.
func (e *Engine) requeueErrored(ctx context.Context) error {
	records, err := e.db.ListByStatus(e.provider.Name(), models.StatusError)
	if err != nil {
		return err
	}
	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &records[i]
		status := rec.RetryStatus
		if status == "" {
			switch {
			case e.localFileExists(rec.LocalPath):
				status = models.StatusPendingUpload
			case rec.RemoteID != "":
				status = models.StatusPendingDownload
			default:
				// Nothing left on either side.
				if err := e.db.MarkDeleted(e.provider.Name(), rec.LocalPath); err != nil {
					return err
				}
				continue
			}
		}
		if err := e.markPending(rec, status); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) localFileExists(rel string) bool {
	fi, err := e.cfg.Fs.Stat(e.absPath(rel))
	return err == nil && !fi.IsDir()
}

// Reconcile runs one full cycle: requeue failed transfers, pull remote
// changes, resolve conflicts, run the transfer queue. Watcher events
// are folded in by the caller (RunLoop) between cycles.
func (e *Engine) Reconcile(ctx context.Context) error {
	if err := e.requeueErrored(ctx); err != nil {
		return err
	}
	if _, err := e.FetchAndApplyDelta(ctx); err != nil {
		if provider.IsAuthExpired(err) {
			return err
		}
		e.log.WithError(err).Warn("Delta fetch failed, continuing with local queue")
	}
	if err := e.ResolveConflicts(ctx); err != nil {
		return err
	}
	return e.RunTransfers(ctx)
}

// RunLoop watches for local changes and reconciles continuously until
// ctx is cancelled. interval bounds how long a remote change can go
// unnoticed.
func (e *Engine) RunLoop(ctx context.Context, w *watcher.Watcher, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	watchDone := make(chan error, 1)
	go func() { watchDone <- w.Start(ctx) }()

	ticker := e.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-watchDone
			return ctx.Err()

		case ev, ok := <-w.Events():
			if !ok {
				<-watchDone
				return ctx.Err()
			}
			if err := e.ApplyLocalEvent(ev); err != nil {
				e.log.WithError(err).WithField("path", ev.Path).Warn("Failed to apply local change")
			}

		case <-ticker.Chan():
			if err := e.Reconcile(ctx); err != nil {
				if ctx.Err() != nil {
					<-watchDone
					return ctx.Err()
				}
				e.log.WithError(err).Warn("Reconcile cycle failed")
			}
		}
	}
}
