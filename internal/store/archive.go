package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveConfig locates the S3-compatible bucket holding snapshots.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ArchiveStore keeps an immutable copy of every explicitly flushed
// snapshot in object storage: {key}/{unix-nanos}.bin and .html.
type ArchiveStore struct {
	client *minio.Client
	bucket string
}

// ArchivedSnapshot describes one archived snapshot.
type ArchivedSnapshot struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewArchiveStore(ctx context.Context, cfg ArchiveConfig) (*ArchiveStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &ArchiveStore{client: client, bucket: cfg.Bucket}, nil
}

func snapshotPrefix(key DocumentKey) string {
	return key.String() + "/"
}

// Put archives desc and returns the snapshot name.
func (a *ArchiveStore) Put(ctx context.Context, key DocumentKey, desc Description, at time.Time) (string, error) {
	name := fmt.Sprintf("%d", at.UnixNano())
	base := snapshotPrefix(key) + name

	if _, err := a.client.PutObject(ctx, a.bucket, base+".bin", bytes.NewReader(desc.Binary), int64(len(desc.Binary)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
		return "", &PersistenceError{Op: "archive snapshot", Key: key, Err: err}
	}
	if _, err := a.client.PutObject(ctx, a.bucket, base+".html", strings.NewReader(desc.HTML), int64(len(desc.HTML)),
		minio.PutObjectOptions{ContentType: "text/html; charset=utf-8"}); err != nil {
		return "", &PersistenceError{Op: "archive snapshot", Key: key, Err: err}
	}
	return name, nil
}

// List returns the archived snapshots of a document, newest first.
func (a *ArchiveStore) List(ctx context.Context, key DocumentKey) ([]ArchivedSnapshot, error) {
	var out []ArchivedSnapshot
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: snapshotPrefix(key), Recursive: true}) {
		if obj.Err != nil {
			return nil, &PersistenceError{Op: "list snapshots", Key: key, Err: obj.Err}
		}
		if !strings.HasSuffix(obj.Key, ".bin") {
			continue
		}
		out = append(out, ArchivedSnapshot{
			Name:      strings.TrimSuffix(path.Base(obj.Key), ".bin"),
			Size:      obj.Size,
			CreatedAt: obj.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// Get reads the binary state of an archived snapshot.
func (a *ArchiveStore) Get(ctx context.Context, key DocumentKey, name string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, snapshotPrefix(key)+name+".bin", minio.GetObjectOptions{})
	if err != nil {
		return nil, &PersistenceError{Op: "read snapshot", Key: key, Err: err}
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "read snapshot", Key: key, Err: err}
	}
	return data, nil
}
