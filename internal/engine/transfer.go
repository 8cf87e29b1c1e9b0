package engine

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"

	"github.com/leonardo-matheus/winux-cloudsync/internal/provider"
	"github.com/leonardo-matheus/winux-cloudsync/pkg/models"
)

// transferJob is one pending record handed to the worker pool,
// remembering the status it held before being marked syncing.
type transferJob struct {
	rec models.SyncRecord
	was models.FileSyncStatus
}

// transferResult carries a finished transfer back to the commit loop.
// Workers touch only the provider and the filesystem; every database
// write happens in the single goroutine draining these.
type transferResult struct {
	job   transferJob
	kind  models.SyncEventKind
	file  *models.CloudFile // set for uploads
	bytes int64
	err   error
}

// RunTransfers drains the pending queue through the worker pool. One
// failing record is committed as errored and the rest proceed.
func (e *Engine) RunTransfers(ctx context.Context) error {
	jobs, err := e.collectPending()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	// Mark everything syncing up front so status queries observe
	// in-flight work. The hop is a committed transition like any other
	// and shows up in the version history.
	for i := range jobs {
		jobs[i].rec.Status = models.StatusSyncing
		jobs[i].rec.Version++
		if err := e.db.CommitTransition(&jobs[i].rec, nil); err != nil {
			return err
		}
	}

	var bar *pb.ProgressBar
	if e.cfg.Progress {
		bar = pb.New(len(jobs))
		bar.SetTemplate(`{{counters . }} {{bar . }} {{percent . }}`)
		bar.Start()
		defer bar.Finish()
	}

	queue := make(chan transferJob, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	results := make(chan transferResult, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				results <- e.perform(ctx, job)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for res := range results {
		if bar != nil {
			bar.Increment()
		}
		if err := e.commitResult(res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (e *Engine) collectPending() ([]transferJob, error) {
	var jobs []transferJob
	for _, status := range []models.FileSyncStatus{
		models.StatusPendingUpload,
		models.StatusPendingDownload,
		models.StatusPendingDeleteRemote,
		models.StatusPendingDeleteLocal,
	} {
		records, err := e.db.ListByStatus(e.provider.Name(), status)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			jobs = append(jobs, transferJob{rec: rec, was: status})
		}
	}
	return jobs, nil
}

// perform executes the provider and filesystem side of one job. No
// database access here.
func (e *Engine) perform(ctx context.Context, job transferJob) transferResult {
	res := transferResult{job: job}
	if err := ctx.Err(); err != nil {
		res.err = err
		return res
	}

	rec := job.rec
	abs := e.absPath(rec.LocalPath)

	switch job.was {
	case models.StatusPendingUpload:
		res.kind = models.EventUpload
		file, err := e.provider.Upload(ctx, abs, path.Dir(rec.LocalPath))
		if err != nil {
			res.err = err
			return res
		}
		// A rename leaves RemoteID pointing at the old key; the old
		// object goes away once the new one is in place.
		if rec.RemoteID != "" && rec.RemoteID != file.ID {
			if err := e.provider.Delete(ctx, rec.RemoteID); err != nil && !provider.IsNotFound(err) {
				res.err = err
				return res
			}
		}
		res.file = file
		res.bytes = file.Size

	case models.StatusPendingDownload:
		res.kind = models.EventDownload
		if err := e.cfg.Fs.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			res.err = err
			return res
		}
		if err := e.provider.Download(ctx, rec.RemoteID, abs); err != nil {
			res.err = err
			return res
		}
		if fi, err := e.cfg.Fs.Stat(abs); err == nil {
			res.bytes = fi.Size()
		}

	case models.StatusPendingDeleteRemote:
		res.kind = models.EventDelete
		if rec.RemoteID != "" {
			if err := e.provider.Delete(ctx, rec.RemoteID); err != nil && !provider.IsNotFound(err) {
				res.err = err
				return res
			}
		}

	case models.StatusPendingDeleteLocal:
		res.kind = models.EventDelete
		if err := e.cfg.Fs.Remove(abs); err != nil && !os.IsNotExist(err) {
			res.err = err
			return res
		}
	}
	return res
}

// commitResult folds one transfer outcome into the state store.
func (e *Engine) commitResult(res transferResult) error {
	rec := res.job.rec

	if res.err != nil {
		// Cancellation is not a failure: the record returns to its
		// pre-transfer pending status and is retried next cycle.
		if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
			rec.Status = res.job.was
			rec.Version++
			return e.db.CommitTransition(&rec, nil)
		}
		if provider.IsAuthExpired(res.err) {
			e.log.WithField("path", rec.LocalPath).
				Warn("Provider credentials expired, transfer requeued")
			rec.Status = res.job.was
			rec.Version++
			return e.db.CommitTransition(&rec, nil)
		}

		e.log.WithError(res.err).WithField("path", rec.LocalPath).Error("Transfer failed")
		rec.Status = models.StatusError
		rec.RetryStatus = res.job.was
		rec.LastError = res.err.Error()
		rec.Version++
		return e.db.CommitTransition(&rec, &models.SyncEvent{
			ID:        uuid.NewString(),
			Timestamp: e.cfg.Clock.Now().UTC(),
			Kind:      models.EventError,
			Path:      rec.LocalPath,
			Name:      filepath.Base(rec.LocalPath),
			Provider:  e.provider.Name(),
			Error:     res.err.Error(),
		})
	}

	now := e.cfg.Clock.Now().UTC()

	switch res.kind {
	case models.EventUpload:
		rec.RemoteID = res.file.ID
		rec.RemoteHash = res.file.Hash
		rec.RemoteModified = res.file.ModifiedAt
		rec.LocalHash = res.file.Hash
		rec.Size = res.file.Size

	case models.EventDownload:
		if fi, err := e.cfg.Fs.Stat(e.absPath(rec.LocalPath)); err == nil {
			rec.LocalModified = fi.ModTime().UTC()
			rec.Size = fi.Size()
		}
		// The digest travelled with the object; local and remote
		// content are identical after the download.
		rec.LocalHash = rec.RemoteHash

	case models.EventDelete:
		rec.Deleted = true
	}

	rec.Status = models.StatusSynced
	rec.RetryStatus = ""
	rec.LastError = ""
	rec.LastSync = &now
	rec.Version++
	return e.db.CommitTransition(&rec, &models.SyncEvent{
		ID:        uuid.NewString(),
		Timestamp: now,
		Kind:      res.kind,
		Path:      rec.LocalPath,
		Name:      filepath.Base(rec.LocalPath),
		Provider:  e.provider.Name(),
		Bytes:     res.bytes,
	})
}
