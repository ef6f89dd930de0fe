package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// backends returns one store per backend so every test runs against
// both the filesystem and a gocloud bucket.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	// Prefixes are given without the trailing slash; the constructors
	// normalize them.
	local, err := NewLocalStore(t.TempDir(), "shards")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	mem, err := NewBlobStore(context.Background(), "mem://", "shards")
	if err != nil {
		t.Fatalf("NewBlobStore failed: %v", err)
	}
	t.Cleanup(func() {
		local.Close()
		mem.Close()
	})
	return map[string]Store{"local": local, "bucket": mem}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Read(ctx, "missing.parquet"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Read missing: got %v, want ErrNotFound", err)
			}
			if _, err := store.Head(ctx, "missing.parquet"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Head missing: got %v, want ErrNotFound", err)
			}

			data := []byte("shard payload")
			if err := store.Write(ctx, "docs-00000.parquet", data); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			got, err := store.Read(ctx, "docs-00000.parquet")
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("Read returned %q, want %q", got, data)
			}

			info, err := store.Head(ctx, "docs-00000.parquet")
			if err != nil {
				t.Fatalf("Head failed: %v", err)
			}
			if info.Size != int64(len(data)) {
				t.Fatalf("Head size = %d, want %d", info.Size, len(data))
			}
			if info.Key != "docs-00000.parquet" {
				t.Fatalf("Head key = %q", info.Key)
			}

			// Overwriting an existing key replaces its contents.
			next := []byte("rewritten shard payload")
			if err := store.Write(ctx, "docs-00000.parquet", next); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			got, err = store.Read(ctx, "docs-00000.parquet")
			if err != nil {
				t.Fatalf("Read after overwrite failed: %v", err)
			}
			if !bytes.Equal(got, next) {
				t.Fatalf("Read after overwrite returned %q, want %q", got, next)
			}

			if err := store.Delete(ctx, "docs-00000.parquet"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if _, err := store.Read(ctx, "docs-00000.parquet"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Read after delete: got %v, want ErrNotFound", err)
			}
			if err := store.Delete(ctx, "docs-00000.parquet"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Delete missing: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreRename(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first := []byte("first shard")
			second := []byte("second shard")
			if err := store.Write(ctx, "docs-00000.parquet", first); err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if err := store.Write(ctx, "docs-00001.parquet", second); err != nil {
				t.Fatalf("Write failed: %v", err)
			}

			if err := store.Rename(ctx, "docs-00000.parquet", "docs-00000-of-00002.parquet"); err != nil {
				t.Fatalf("Rename failed: %v", err)
			}
			got, err := store.Read(ctx, "docs-00000-of-00002.parquet")
			if err != nil {
				t.Fatalf("Read renamed key failed: %v", err)
			}
			if !bytes.Equal(got, first) {
				t.Fatalf("renamed key holds %q, want %q", got, first)
			}
			if _, err := store.Read(ctx, "docs-00000.parquet"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("old key still readable: %v", err)
			}

			// Renaming onto an existing key overwrites it.
			if err := store.Rename(ctx, "docs-00000-of-00002.parquet", "docs-00001.parquet"); err != nil {
				t.Fatalf("Rename onto existing key failed: %v", err)
			}
			got, err = store.Read(ctx, "docs-00001.parquet")
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if !bytes.Equal(got, first) {
				t.Fatalf("overwritten key holds %q, want %q", got, first)
			}

			if err := store.Rename(ctx, "nope.parquet", "dest.parquet"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Rename missing: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{
				"docs-00001.parquet",
				"docs-00000.parquet",
				"audio-00000.parquet",
				"reports/latest.json",
			} {
				if err := store.Write(ctx, key, []byte(key)); err != nil {
					t.Fatalf("Write %s failed: %v", key, err)
				}
			}

			keys, err := store.List(ctx, "docs-")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			want := []string{"docs-00000.parquet", "docs-00001.parquet"}
			if !reflect.DeepEqual(keys, want) {
				t.Fatalf("List(docs-) = %v, want %v", keys, want)
			}

			all, err := store.List(ctx, "")
			if err != nil {
				t.Fatalf("List all failed: %v", err)
			}
			wantAll := []string{
				"audio-00000.parquet",
				"docs-00000.parquet",
				"docs-00001.parquet",
				"reports/latest.json",
			}
			if !reflect.DeepEqual(all, wantAll) {
				t.Fatalf("List(\"\") = %v, want %v", all, wantAll)
			}
		})
	}
}

func TestLocalStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "out/")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	if err := store.Write(ctx, "nested/docs-00000.parquet", []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var files []string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected exactly one file on disk, found %v", files)
	}
	if !strings.HasSuffix(files[0], filepath.FromSlash("out/nested/docs-00000.parquet")) {
		t.Fatalf("unexpected file path %s", files[0])
	}

	if uri := store.URI("nested/docs-00000.parquet"); !strings.HasPrefix(uri, "file://") {
		t.Fatalf("URI = %q, want file:// scheme", uri)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, Config{Backend: "local", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New(local) failed: %v", err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Fatalf("New(local) returned %T", store)
	}
	store.Close()

	store, err = New(ctx, Config{Backend: "bucket", BucketURL: "mem://"})
	if err != nil {
		t.Fatalf("New(bucket) failed: %v", err)
	}
	if _, ok := store.(*BlobStore); !ok {
		t.Fatalf("New(bucket) returned %T", store)
	}
	store.Close()

	if _, err := New(ctx, Config{Backend: "local"}); err == nil {
		t.Fatal("New(local) without dir should fail")
	}
	if _, err := New(ctx, Config{Backend: "bucket"}); err == nil {
		t.Fatal("New(bucket) without URL should fail")
	}
	if _, err := New(ctx, Config{Backend: "tape"}); err == nil {
		t.Fatal("New(tape) should fail")
	}
}
