package provider

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"

	"github.com/leonardo-matheus/winux-cloudsync/pkg/models"
	"github.com/leonardo-matheus/winux-cloudsync/pkg/utils"
)

// Object metadata key carrying the content digest computed at upload
// time. S3 ETags are useless for cross-side comparison (MD5, and only
// for non-multipart uploads), so the digest rides along as user
// metadata and is read back on listing.
const digestMetaKey = "content-digest"

// S3Config holds the connection settings for an S3-compatible backend.
type S3Config struct {
	Name      string
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Insecure  bool
}

// S3Provider implements Provider on any S3-compatible object store
// (AWS, MinIO, ...) via minio-go.
type S3Provider struct {
	name   string
	client *minio.Client
	bucket string
	prefix string
	fs     afero.Fs
}

// NewS3 creates a provider for an S3-compatible endpoint.
func NewS3(cfg S3Config) (*S3Provider, error) {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	opts := minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       !cfg.Insecure,
		Transport:    tr,
		Region:       "auto",
		BucketLookup: minio.BucketLookupAuto,
	}

	client, err := minio.New(cfg.Endpoint, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %v", err)
	}

	name := cfg.Name
	if name == "" {
		name = "s3"
	}
	return &S3Provider{
		name:   name,
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		fs:     afero.NewOsFs(),
	}, nil
}

func (s *S3Provider) Name() string { return s.name }

// snapshotEntry is the per-object state captured in a cursor.
type snapshotEntry struct {
	ETag     string    `json:"etag"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Digest   string    `json:"digest,omitempty"`
}

type snapshot map[string]snapshotEntry

func encodeCursor(snap snapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeCursor(cursor string) (snapshot, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *S3Provider) key(rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	if s.prefix == "" {
		return rel
	}
	return s.prefix + "/" + rel
}

func (s *S3Provider) rel(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
}

func objectDigest(info minio.ObjectInfo) string {
	for k, v := range info.UserMetadata {
		if strings.EqualFold(k, digestMetaKey) || strings.EqualFold(k, "X-Amz-Meta-"+digestMetaKey) {
			return v
		}
	}
	return ""
}

func (s *S3Provider) listSnapshot(ctx context.Context) (snapshot, error) {
	snap := snapshot{}
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       s.prefix,
		Recursive:    true,
		WithMetadata: true,
	})
	for info := range objects {
		if info.Err != nil {
			return nil, s.wrapErr("list", s.prefix, info.Err)
		}
		if strings.HasSuffix(info.Key, "/") {
			continue // folder placeholder objects
		}
		snap[info.Key] = snapshotEntry{
			ETag:     strings.Trim(info.ETag, `"`),
			Size:     info.Size,
			Modified: info.LastModified.UTC(),
			Digest:   objectDigest(info),
		}
	}
	return snap, nil
}

// ListRemoteRoot lists every object under the configured prefix.
func (s *S3Provider) ListRemoteRoot(ctx context.Context) ([]models.CloudFile, error) {
	snap, err := s.listSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	files := make([]models.CloudFile, 0, len(snap))
	for key, entry := range snap {
		files = append(files, s.cloudFile(key, entry))
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}

func (s *S3Provider) cloudFile(key string, entry snapshotEntry) models.CloudFile {
	rel := s.rel(key)
	return models.CloudFile{
		ID:         key,
		Name:       path.Base(rel),
		Path:       rel,
		ParentID:   path.Dir(rel),
		Size:       entry.Size,
		ModifiedAt: entry.Modified,
		Hash:       entry.Digest,
	}
}

// FetchDelta diffs the current bucket listing against the snapshot
// carried in the cursor. S3 has no native change feed, so the cursor
// is the previous listing itself, opaque to callers. Re-fetching with
// an uncommitted cursor re-produces the identical batch.
func (s *S3Provider) FetchDelta(ctx context.Context, cursor string) ([]models.DeltaEntry, string, error) {
	current, err := s.listSnapshot(ctx)
	if err != nil {
		return nil, "", err
	}
	newCursor, err := encodeCursor(current)
	if err != nil {
		return nil, "", s.wrapErr("encode cursor", "", err)
	}

	var previous snapshot
	if cursor != "" {
		previous, err = decodeCursor(cursor)
		if err != nil {
			return nil, "", s.wrapErr("decode cursor", "", err)
		}
	}

	var entries []models.DeltaEntry
	created := map[string]snapshotEntry{}
	deleted := map[string]snapshotEntry{}

	for key, entry := range current {
		prev, ok := previous[key]
		switch {
		case !ok:
			created[key] = entry
		case prev.ETag != entry.ETag || prev.Size != entry.Size:
			entries = append(entries, s.deltaEntry(key, entry, models.DeltaModified, ""))
		}
	}
	for key, entry := range previous {
		if _, ok := current[key]; !ok {
			deleted[key] = entry
		}
	}

	// Pair a delete with a create of identical content into a move.
	for oldKey, oldEntry := range deleted {
		for newKey, newEntry := range created {
			if oldEntry.ETag == newEntry.ETag && oldEntry.Size == newEntry.Size {
				entries = append(entries, s.deltaEntry(newKey, newEntry, models.DeltaMoved, oldKey))
				delete(deleted, oldKey)
				delete(created, newKey)
				break
			}
		}
	}
	for key, entry := range created {
		entries = append(entries, s.deltaEntry(key, entry, models.DeltaCreated, ""))
	}
	for key, entry := range deleted {
		entries = append(entries, s.deltaEntry(key, entry, models.DeltaDeleted, ""))
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RemoteID < entries[j].RemoteID })
	return entries, newCursor, nil
}

func (s *S3Provider) deltaEntry(key string, entry snapshotEntry, action models.DeltaAction, movedFrom string) models.DeltaEntry {
	rel := s.rel(key)
	return models.DeltaEntry{
		Provider:   s.name,
		RemoteID:   key,
		Action:     action,
		Path:       rel,
		Name:       path.Base(rel),
		Size:       entry.Size,
		ModifiedAt: entry.Modified,
		Hash:       entry.Digest,
		MovedFrom:  movedFrom,
	}
}

// Upload stores the local file under remoteParent (a path relative to
// the sync root) and tags it with its content digest.
func (s *S3Provider) Upload(ctx context.Context, localPath, remoteParent string) (*models.CloudFile, error) {
	digest, err := utils.HashFile(s.fs, localPath)
	if err != nil {
		return nil, s.wrapErr("upload", localPath, err)
	}
	stat, err := s.fs.Stat(localPath)
	if err != nil {
		return nil, s.wrapErr("upload", localPath, err)
	}

	rel := path.Join(strings.Trim(remoteParent, "/"), path.Base(strings.ReplaceAll(localPath, "\\", "/")))
	key := s.key(rel)

	_, err = s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		UserMetadata: map[string]string{digestMetaKey: digest},
	})
	if err != nil {
		return nil, s.wrapErr("upload", key, err)
	}

	return &models.CloudFile{
		ID:         key,
		Name:       path.Base(rel),
		Path:       rel,
		ParentID:   path.Dir(rel),
		Size:       stat.Size(),
		ModifiedAt: time.Now().UTC(),
		Hash:       digest,
	}, nil
}

// Download writes the remote object's bytes to localPath.
func (s *S3Provider) Download(ctx context.Context, remoteID, localPath string) error {
	err := s.client.FGetObject(ctx, s.bucket, remoteID, localPath, minio.GetObjectOptions{})
	if err != nil {
		return s.wrapErr("download", remoteID, err)
	}
	return nil
}

// Delete removes the remote object.
func (s *S3Provider) Delete(ctx context.Context, remoteID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, remoteID, minio.RemoveObjectOptions{})
	if err != nil {
		return s.wrapErr("delete", remoteID, err)
	}
	return nil
}

// wrapErr maps minio error responses onto the typed provider error
// taxonomy.
func (s *S3Provider) wrapErr(op, p string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return newError(KindNotFound, op, p, err)
	case "QuotaExceeded", "XMinioAdminBucketQuotaExceeded":
		return newError(KindQuotaExceeded, op, p, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"ExpiredToken", "TokenRefreshRequired":
		return newError(KindAuthExpired, op, p, err)
	}
	return newError(KindTransient, op, p, err)
}
