package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
)

// MinIOStore implements ObjectStore for MinIO and S3-compatible storage.
type MinIOStore struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ ObjectStore = (*MinIOStore)(nil)

// NewMinIOStore creates a new MinIO object store.
// bucket is the MinIO bucket name.
// rootPrefix is prepended to all keys (e.g. "archives/").
func NewMinIOStore(client *minio.Client, bucket, rootPrefix string) *MinIOStore {
	return &MinIOStore{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *MinIOStore) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put writes an object atomically.
func (s *MinIOStore) Put(ctx context.Context, name string, data []byte) error {
	key := s.key(name)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

// Create opens an object for streaming writes.
func (s *MinIOStore) Create(ctx context.Context, name string) (WritableObject, error) {
	key := s.key(name)
	pr, pw := io.Pipe()

	obj := &minioWritableObject{
		pw:   pw,
		done: make(chan error, 1),
	}

	// Start upload in background
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{})
		_ = pr.CloseWithError(err)
		obj.done <- err
	}()

	return obj, nil
}

// Size returns the size of an object.
func (s *MinIOStore) Size(ctx context.Context, name string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size, nil
}

// Delete removes an object.
func (s *MinIOStore) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil // Already gone
		}
		return err
	}
	return nil
}

// List returns all object names with the given prefix.
func (s *MinIOStore) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.key(prefix)

	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    fullPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		// Strip our root prefix
		name := strings.TrimPrefix(obj.Key, s.prefix)
		name = strings.TrimPrefix(name, "/")
		if name != "" {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names, nil
}

// minioWritableObject implements WritableObject for MinIO.
type minioWritableObject struct {
	pw       *io.PipeWriter
	done     chan error
	finished atomic.Bool
}

func (o *minioWritableObject) Write(p []byte) (int, error) {
	return o.pw.Write(p)
}

func (o *minioWritableObject) Close() error {
	if !o.finished.CompareAndSwap(false, true) {
		return errors.New("already closed")
	}
	if err := o.pw.Close(); err != nil {
		return err
	}
	return <-o.done
}

func (o *minioWritableObject) Abort() error {
	if !o.finished.CompareAndSwap(false, true) {
		return nil
	}
	return o.pw.CloseWithError(errors.New("upload aborted"))
}
