package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// BlobStore writes shards to any bucket gocloud.dev can open
// (gs://, s3://, file://, mem://).
type BlobStore struct {
	bucket *blob.Bucket
	url    string
	prefix string
}

// NewBlobStore opens the bucket at url. An optional prefix is prepended
// to every key, so multiple runs can share one bucket.
func NewBlobStore(ctx context.Context, url, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BlobStore{bucket: bucket, url: url, prefix: prefix}, nil
}

func (s *BlobStore) key(key string) string {
	return s.prefix + key
}

// Write stores data under key. Bucket writes only become visible on a
// successful Close, so partial uploads never surface as objects.
func (s *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, s.key(key), data, nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.key(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, s.key(key))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("head %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: attrs.Size, ModTime: attrs.ModTime}, nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.key(prefix)})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, s.prefix))
	}
	return keys, nil
}

// Rename copies oldKey to newKey and deletes the original. Object stores
// have no native rename, so a crash between the two calls can leave both
// keys present; callers treat the copy as authoritative.
func (s *BlobStore) Rename(ctx context.Context, oldKey, newKey string) error {
	if err := s.bucket.Copy(ctx, s.key(newKey), s.key(oldKey), nil); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("rename %s: %w", oldKey, ErrNotFound)
		}
		return fmt.Errorf("rename %s -> %s: %w", oldKey, newKey, err)
	}
	if err := s.bucket.Delete(ctx, s.key(oldKey)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("rename %s -> %s: delete original: %w", oldKey, newKey, err)
	}
	return nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, s.key(key)); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("delete %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) URI(key string) string {
	return s.url + "/" + s.key(key)
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}
