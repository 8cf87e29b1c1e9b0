package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardo-matheus/winux-cloudsync/internal/db"
	"github.com/leonardo-matheus/winux-cloudsync/internal/watcher"
	"github.com/leonardo-matheus/winux-cloudsync/pkg/models"
	"github.com/leonardo-matheus/winux-cloudsync/pkg/utils"
)

const testRoot = "/sync"

// fakeProvider is an in-memory provider sharing the engine's afero
// filesystem for transfers.
type fakeProvider struct {
	fs afero.Fs

	delta       []models.DeltaEntry
	deltaCursor string
	fetchedWith []string

	objects map[string][]byte // remoteID -> content served by Download
	deleted []string

	uploadErr map[string]error // local path base -> forced failure
}

func newFakeProvider(fs afero.Fs) *fakeProvider {
	return &fakeProvider{
		fs:        fs,
		objects:   map[string][]byte{},
		uploadErr: map[string]error{},
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ListRemoteRoot(ctx context.Context) ([]models.CloudFile, error) {
	return nil, nil
}

func (f *fakeProvider) FetchDelta(ctx context.Context, cursor string) ([]models.DeltaEntry, string, error) {
	f.fetchedWith = append(f.fetchedWith, cursor)
	return f.delta, f.deltaCursor, nil
}

func (f *fakeProvider) Upload(ctx context.Context, localPath, remoteParent string) (*models.CloudFile, error) {
	name := filepath.Base(localPath)
	if err := f.uploadErr[name]; err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(f.fs, localPath)
	if err != nil {
		return nil, err
	}
	id := "remote/" + name
	if remoteParent != "" && remoteParent != "." {
		id = "remote/" + remoteParent + "/" + name
	}
	f.objects[id] = data
	return &models.CloudFile{
		ID:         id,
		Name:       name,
		Size:       int64(len(data)),
		ModifiedAt: time.Now().UTC(),
		Hash:       utils.HashBytes(data),
	}, nil
}

func (f *fakeProvider) Download(ctx context.Context, remoteID, localPath string) error {
	data, ok := f.objects[remoteID]
	if !ok {
		return errors.New("object not found")
	}
	return afero.WriteFile(f.fs, localPath, data, 0o644)
}

func (f *fakeProvider) Delete(ctx context.Context, remoteID string) error {
	delete(f.objects, remoteID)
	f.deleted = append(f.deleted, remoteID)
	return nil
}

func newTestEngine(t *testing.T, strategy models.ConflictStrategy) (*Engine, *db.DB, *fakeProvider, afero.Fs) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))

	prov := newFakeProvider(fs)
	profile := &models.Profile{
		Name:      "test",
		LocalPath: testRoot,
		Provider:  "fake",
		Strategy:  strategy,
	}
	cfg := Config{
		NumWorkers:  2,
		ComputeHash: true,
		Fs:          fs,
	}
	return New(database, prov, profile, cfg), database, prov, fs
}

func writeLocal(t *testing.T, fs afero.Fs, rel, content string) {
	t.Helper()
	abs := filepath.Join(testRoot, rel)
	require.NoError(t, fs.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, afero.WriteFile(fs, abs, []byte(content), 0o644))
}

func TestScanQueuesNewFiles(t *testing.T) {
	eng, database, _, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "notes.txt", "hello")
	writeLocal(t, fs, "sub/report.docx", "body")

	queued, err := eng.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	pending, err := database.ListByStatus("fake", models.StatusPendingUpload)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "notes.txt", pending[0].LocalPath)
	assert.Equal(t, "sub/report.docx", pending[1].LocalPath)
	assert.NotEmpty(t, pending[0].LocalHash)
	assert.Equal(t, int64(1), pending[0].Version)
}

func TestScanQueuesDeleteForMissingFiles(t *testing.T) {
	eng, database, _, _ := newTestEngine(t, models.StrategyKeepBoth)

	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "gone.txt",
		RemoteID:  "remote/gone.txt",
		Provider:  "fake",
		Status:    models.StatusSynced,
	}))

	queued, err := eng.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	rec, err := database.GetRecord("fake", "gone.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingDeleteRemote, rec.Status)
}

func TestScanSparesUndownloadedRemotes(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)

	// The only copy lives on the remote side: a download was queued but
	// never ran, and another one failed. Neither absence is a local
	// delete.
	content := []byte("only copy")
	prov.objects["remote/fresh.txt"] = content
	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath:  "fresh.txt",
		RemoteID:   "remote/fresh.txt",
		Provider:   "fake",
		Status:     models.StatusPendingDownload,
		RemoteHash: utils.HashBytes(content),
	}))
	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath:   "failed.txt",
		RemoteID:    "remote/failed.txt",
		Provider:    "fake",
		Status:      models.StatusError,
		RetryStatus: models.StatusPendingDownload,
	}))

	// A stale local copy under a queued download must not be hijacked
	// into an upload.
	writeLocal(t, fs, "stale.txt", "old version")
	prov.objects["remote/stale.txt"] = []byte("new version")
	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "stale.txt",
		RemoteID:  "remote/stale.txt",
		Provider:  "fake",
		Status:    models.StatusPendingDownload,
	}))

	queued, err := eng.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queued)

	rec, err := database.GetRecord("fake", "stale.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingDownload, rec.Status)

	rec, err = database.GetRecord("fake", "fresh.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingDownload, rec.Status)

	rec, err = database.GetRecord("fake", "failed.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, rec.Status)

	// The queued download completes instead of deleting the object.
	require.NoError(t, eng.RunTransfers(context.Background()))

	got, err := afero.ReadFile(fs, filepath.Join(testRoot, "fresh.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Empty(t, prov.deleted)
}

func TestUploadTransfer(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "notes.txt", "hello world")

	_, err := eng.Scan(context.Background())
	require.NoError(t, err)
	require.NoError(t, eng.RunTransfers(context.Background()))

	rec, err := database.GetRecord("fake", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, rec.Status)
	assert.Equal(t, "remote/notes.txt", rec.RemoteID)
	assert.NotEmpty(t, rec.RemoteHash)
	assert.Equal(t, rec.RemoteHash, rec.LocalHash)
	assert.NotNil(t, rec.LastSync)
	assert.Equal(t, int64(len("hello world")), rec.Size)
	assert.Equal(t, int64(3), rec.Version)

	assert.Contains(t, prov.objects, "remote/notes.txt")

	// Every hop is a committed transition, including syncing.
	versions, err := database.ListVersions("fake", "notes.txt")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, models.StatusPendingUpload, versions[0].Status)
	assert.Equal(t, models.StatusSyncing, versions[1].Status)
	assert.Equal(t, models.StatusSynced, versions[2].Status)

	events, err := database.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventUpload, events[0].Kind)
	assert.Equal(t, int64(len("hello world")), events[0].Bytes)
}

func TestDownloadTransfer(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)

	content := []byte("remote content")
	prov.objects["remote/fetched.txt"] = content
	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath:  "fetched.txt",
		RemoteID:   "remote/fetched.txt",
		Provider:   "fake",
		Status:     models.StatusPendingDownload,
		RemoteHash: utils.HashBytes(content),
	}))

	require.NoError(t, eng.RunTransfers(context.Background()))

	got, err := afero.ReadFile(fs, filepath.Join(testRoot, "fetched.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	rec, err := database.GetRecord("fake", "fetched.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, rec.Status)
	assert.Equal(t, rec.RemoteHash, rec.LocalHash)
}

func TestTransferFailureIsIsolated(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "good.txt", "fine")
	writeLocal(t, fs, "bad.txt", "doomed")
	prov.uploadErr["bad.txt"] = errors.New("backend exploded")

	_, err := eng.Scan(context.Background())
	require.NoError(t, err)
	require.NoError(t, eng.RunTransfers(context.Background()))

	good, err := database.GetRecord("fake", "good.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, good.Status)

	bad, err := database.GetRecord("fake", "bad.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, bad.Status)
	assert.Equal(t, models.StatusPendingUpload, bad.RetryStatus)
	assert.Contains(t, bad.LastError, "backend exploded")
}

func TestErroredRecordsRetryNextCycle(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "flaky.txt", "eventually fine")
	prov.uploadErr["flaky.txt"] = errors.New("backend exploded")

	_, err := eng.Scan(context.Background())
	require.NoError(t, err)
	require.NoError(t, eng.RunTransfers(context.Background()))

	rec, err := database.GetRecord("fake", "flaky.txt")
	require.NoError(t, err)
	require.Equal(t, models.StatusError, rec.Status)

	// The fault clears; the next cycle retries without being asked.
	delete(prov.uploadErr, "flaky.txt")
	require.NoError(t, eng.Reconcile(context.Background()))

	rec, err = database.GetRecord("fake", "flaky.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, rec.Status)
	assert.Empty(t, rec.LastError)
	assert.Empty(t, rec.RetryStatus)
	assert.Contains(t, prov.objects, "remote/flaky.txt")
}

func TestFailedDownloadRetriesTowardRemote(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)

	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "late.txt",
		RemoteID:  "remote/late.txt",
		Provider:  "fake",
		Status:    models.StatusPendingDownload,
	}))

	// The object is not there yet, so the first transfer fails.
	require.NoError(t, eng.RunTransfers(context.Background()))
	rec, err := database.GetRecord("fake", "late.txt")
	require.NoError(t, err)
	require.Equal(t, models.StatusError, rec.Status)
	assert.Equal(t, models.StatusPendingDownload, rec.RetryStatus)

	prov.objects["remote/late.txt"] = []byte("arrived")
	require.NoError(t, eng.Reconcile(context.Background()))

	rec, err = database.GetRecord("fake", "late.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, rec.Status)

	got, err := afero.ReadFile(fs, filepath.Join(testRoot, "late.txt"))
	require.NoError(t, err)
	assert.Equal(t, "arrived", string(got))
}

func TestCancelledTransfersReturnToPending(t *testing.T) {
	eng, database, _, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "notes.txt", "hello")

	_, err := eng.Scan(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = eng.RunTransfers(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	rec, err := database.GetRecord("fake", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingUpload, rec.Status)
	assert.Empty(t, rec.LastError)
}

func TestDeltaCreatesPendingDownload(t *testing.T) {
	eng, database, prov, _ := newTestEngine(t, models.StrategyKeepBoth)

	prov.delta = []models.DeltaEntry{{
		Provider:   "fake",
		RemoteID:   "remote/new.txt",
		Action:     models.DeltaCreated,
		Path:       "new.txt",
		Name:       "new.txt",
		Size:       10,
		ModifiedAt: time.Now().UTC(),
		Hash:       "abc",
	}}
	prov.deltaCursor = "c1"

	applied, err := eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	rec, err := database.GetRecord("fake", "new.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusPendingDownload, rec.Status)
	assert.Equal(t, "remote/new.txt", rec.RemoteID)
	assert.Equal(t, int64(1), rec.Version)

	cursor, err := database.GetCursor("fake")
	require.NoError(t, err)
	assert.Equal(t, "c1", cursor)
	assert.Equal(t, []string{""}, prov.fetchedWith)
}

func TestDeltaReplayIsIdempotent(t *testing.T) {
	eng, database, prov, _ := newTestEngine(t, models.StrategyKeepBoth)

	prov.delta = []models.DeltaEntry{{
		Provider:   "fake",
		RemoteID:   "remote/new.txt",
		Action:     models.DeltaCreated,
		Path:       "new.txt",
		Name:       "new.txt",
		ModifiedAt: time.Now().UTC(),
		Hash:       "abc",
	}}
	prov.deltaCursor = "c1"

	_, err := eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)
	_, err = eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)

	all, err := database.ListAll("fake")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.StatusPendingDownload, all[0].Status)
	assert.Equal(t, int64(1), all[0].Version)
}

func TestDeltaDeleteQueuesLocalDelete(t *testing.T) {
	eng, database, prov, _ := newTestEngine(t, models.StrategyKeepBoth)

	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "doomed.txt",
		RemoteID:  "remote/doomed.txt",
		Provider:  "fake",
		Status:    models.StatusSynced,
	}))
	prov.delta = []models.DeltaEntry{{
		Provider: "fake",
		RemoteID: "remote/doomed.txt",
		Action:   models.DeltaDeleted,
		Path:     "doomed.txt",
	}}
	prov.deltaCursor = "c1"

	_, err := eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)

	rec, err := database.GetRecord("fake", "doomed.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingDeleteLocal, rec.Status)
}

func TestDeltaDeleteKeepsLocalEdit(t *testing.T) {
	eng, database, prov, _ := newTestEngine(t, models.StrategyKeepBoth)

	// Remote deleted a file the user just edited: the edit survives
	// and the upload re-creates the remote copy.
	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "edited.txt",
		RemoteID:  "remote/edited.txt",
		Provider:  "fake",
		Status:    models.StatusPendingUpload,
	}))
	prov.delta = []models.DeltaEntry{{
		Provider: "fake",
		RemoteID: "remote/edited.txt",
		Action:   models.DeltaDeleted,
		Path:     "edited.txt",
	}}

	_, err := eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)

	rec, err := database.GetRecord("fake", "edited.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingUpload, rec.Status)
}

func TestBothSidesChangedIsConflict(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "report.docx", "local edit")

	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "report.docx",
		RemoteID:  "remote/report.docx",
		Provider:  "fake",
		Status:    models.StatusPendingUpload,
		LocalHash: "local-hash",
	}))
	prov.delta = []models.DeltaEntry{{
		Provider:   "fake",
		RemoteID:   "remote/report.docx",
		Action:     models.DeltaModified,
		Path:       "report.docx",
		Name:       "report.docx",
		Size:       99,
		ModifiedAt: time.Now().UTC(),
		Hash:       "remote-hash",
	}}

	_, err := eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)

	rec, err := database.GetRecord("fake", "report.docx")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConflict, rec.Status)

	open, err := database.ListOpenConflicts("fake")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "report.docx", open[0].LocalPath)
	assert.Equal(t, int64(99), open[0].RemoteSize)
	assert.Equal(t, "remote-hash", open[0].RemoteHash)
}

func TestKeepBothResolution(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "report.docx", "local edit")

	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "report.docx",
		RemoteID:  "remote/report.docx",
		Provider:  "fake",
		Status:    models.StatusPendingUpload,
		LocalHash: "local-hash",
	}))
	prov.delta = []models.DeltaEntry{{
		Provider:   "fake",
		RemoteID:   "remote/report.docx",
		Action:     models.DeltaModified,
		Path:       "report.docx",
		Name:       "report.docx",
		ModifiedAt: time.Now().UTC(),
		Hash:       "remote-hash",
	}}

	_, err := eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)
	require.NoError(t, eng.ResolveConflicts(context.Background()))

	// Both survivors live under conflict names: the local copy queued
	// for upload, the remote copy queued for download. Nothing keeps
	// the original name.
	uploads, err := database.ListByStatus("fake", models.StatusPendingUpload)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Contains(t, uploads[0].LocalPath, "_conflito_local_")
	assert.Contains(t, uploads[0].LocalPath, ".docx")

	renamedAbs := filepath.Join(testRoot, uploads[0].LocalPath)
	data, err := afero.ReadFile(fs, renamedAbs)
	require.NoError(t, err)
	assert.Equal(t, "local edit", string(data))

	downloads, err := database.ListByStatus("fake", models.StatusPendingDownload)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Contains(t, downloads[0].LocalPath, "_conflito_remoto_")
	assert.Equal(t, "remote/report.docx", downloads[0].RemoteID)

	original, err := database.GetRecord("fake", "report.docx")
	require.NoError(t, err)
	assert.Nil(t, original)

	open, err := database.ListOpenConflicts("fake")
	require.NoError(t, err)
	assert.Empty(t, open)

	events, err := database.RecentEvents(10)
	require.NoError(t, err)
	var kinds []models.SyncEventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, models.EventConflictResolved)
}

func TestEqualHashConflictResolvesSilently(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyAskUser)
	writeLocal(t, fs, "same.txt", "identical")

	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "same.txt",
		RemoteID:  "remote/same.txt",
		Provider:  "fake",
		Status:    models.StatusPendingUpload,
		LocalHash: "sharedhash",
	}))
	prov.delta = []models.DeltaEntry{{
		Provider:   "fake",
		RemoteID:   "remote/same.txt",
		Action:     models.DeltaModified,
		Path:       "same.txt",
		ModifiedAt: time.Now().UTC(),
		Hash:       "sharedhash",
	}}

	_, err := eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)
	require.NoError(t, eng.ResolveConflicts(context.Background()))

	// Equal content short-circuits to keep_local even under ask_user,
	// so nothing stays suspended.
	open, err := database.ListOpenConflicts("fake")
	require.NoError(t, err)
	assert.Empty(t, open)

	rec, err := database.GetRecord("fake", "same.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingUpload, rec.Status)
}

func TestAskUserStaysSuspendedWithoutPrompt(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyAskUser)
	writeLocal(t, fs, "notes.txt", "local")

	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "notes.txt",
		RemoteID:  "remote/notes.txt",
		Provider:  "fake",
		Status:    models.StatusPendingUpload,
		LocalHash: "l-hash",
	}))
	prov.delta = []models.DeltaEntry{{
		Provider:   "fake",
		RemoteID:   "remote/notes.txt",
		Action:     models.DeltaModified,
		Path:       "notes.txt",
		ModifiedAt: time.Now().UTC(),
		Hash:       "r-hash",
	}}

	_, err := eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)
	require.NoError(t, eng.ResolveConflicts(context.Background()))

	open, err := database.ListOpenConflicts("fake")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	rec, err := database.GetRecord("fake", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConflict, rec.Status)
}

func TestLocalEvents(t *testing.T) {
	eng, database, _, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "fresh.txt", "new file")

	err := eng.ApplyLocalEvent(watcher.FileEvent{
		Path: filepath.Join(testRoot, "fresh.txt"),
		Kind: watcher.Created,
	})
	require.NoError(t, err)

	rec, err := database.GetRecord("fake", "fresh.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingUpload, rec.Status)

	// Deleting a synced file queues the remote-side delete.
	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "tracked.txt",
		RemoteID:  "remote/tracked.txt",
		Provider:  "fake",
		Status:    models.StatusSynced,
	}))
	err = eng.ApplyLocalEvent(watcher.FileEvent{
		Path: filepath.Join(testRoot, "tracked.txt"),
		Kind: watcher.Deleted,
	})
	require.NoError(t, err)

	rec, err = database.GetRecord("fake", "tracked.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingDeleteRemote, rec.Status)

	// Deleting an untracked path is a no-op.
	err = eng.ApplyLocalEvent(watcher.FileEvent{
		Path: filepath.Join(testRoot, "stranger.txt"),
		Kind: watcher.Deleted,
	})
	require.NoError(t, err)
}

func TestLocalRenameKeepsRemoteIdentity(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "new-name.txt", "content")

	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "old-name.txt",
		RemoteID:  "remote/old-name.txt",
		Provider:  "fake",
		Status:    models.StatusSynced,
	}))

	err := eng.ApplyLocalEvent(watcher.FileEvent{
		Path:        filepath.Join(testRoot, "new-name.txt"),
		Kind:        watcher.Renamed,
		RenamedFrom: filepath.Join(testRoot, "old-name.txt"),
	})
	require.NoError(t, err)

	rec, err := database.GetRecord("fake", "new-name.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.StatusPendingUpload, rec.Status)
	assert.Equal(t, "remote/old-name.txt", rec.RemoteID)

	// The upload re-keys the object and removes the old one.
	require.NoError(t, eng.RunTransfers(context.Background()))

	rec, err = database.GetRecord("fake", "new-name.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, rec.Status)
	assert.Equal(t, "remote/new-name.txt", rec.RemoteID)
	assert.Contains(t, prov.deleted, "remote/old-name.txt")
}

func TestIgnoreAndInclude(t *testing.T) {
	eng, database, prov, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "secret.txt", "private")

	require.NoError(t, eng.Ignore("secret.txt"))

	// Ignored paths are invisible to scans and deltas.
	queued, err := eng.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queued)

	prov.delta = []models.DeltaEntry{{
		Provider:   "fake",
		RemoteID:   "remote/secret.txt",
		Action:     models.DeltaModified,
		Path:       "secret.txt",
		ModifiedAt: time.Now().UTC(),
		Hash:       "r-hash",
	}}
	_, err = eng.FetchAndApplyDelta(context.Background())
	require.NoError(t, err)

	rec, err := database.GetRecord("fake", "secret.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusIgnored, rec.Status)

	// Re-inclusion queues the local copy for upload.
	require.NoError(t, eng.Include("secret.txt"))
	rec, err = database.GetRecord("fake", "secret.txt")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingUpload, rec.Status)

	err = eng.Include("secret.txt")
	assert.Error(t, err, "only ignored paths can be re-included")
}

func TestRemoteDeleteTransferRemovesLocalFile(t *testing.T) {
	eng, database, _, fs := newTestEngine(t, models.StrategyKeepBoth)
	writeLocal(t, fs, "doomed.txt", "bye")

	require.NoError(t, database.UpsertRecord(&models.SyncRecord{
		LocalPath: "doomed.txt",
		RemoteID:  "remote/doomed.txt",
		Provider:  "fake",
		Status:    models.StatusPendingDeleteLocal,
	}))

	require.NoError(t, eng.RunTransfers(context.Background()))

	exists, err := afero.Exists(fs, filepath.Join(testRoot, "doomed.txt"))
	require.NoError(t, err)
	assert.False(t, exists)

	rec, err := database.GetRecord("fake", "doomed.txt")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)
	assert.Equal(t, models.StatusSynced, rec.Status)
}
