package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDrive serves a minimal slice of the drive v3 files API: paged
// folder listings and media downloads.
type fakeDrive struct {
	folders   map[string][]driveFile
	content   map[string][]byte
	pageSize  int
	failList  atomic.Bool
	listCalls atomic.Int32
	downloads atomic.Int32
}

var parentsRe = regexp.MustCompile(`'([^']+)' in parents`)

func (d *fakeDrive) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		d.listCalls.Add(1)
		if d.failList.Load() {
			http.Error(w, "backend exploded", http.StatusInternalServerError)
			return
		}

		m := parentsRe.FindStringSubmatch(r.URL.Query().Get("q"))
		if m == nil {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		children := d.folders[m[1]]

		offset := 0
		if tok := r.URL.Query().Get("pageToken"); tok != "" {
			offset, _ = strconv.Atoi(tok)
		}

		end := offset + d.pageSize
		if d.pageSize <= 0 || end > len(children) {
			end = len(children)
		}

		list := driveFileList{Files: children[offset:end]}
		if end < len(children) {
			list.NextPageToken = strconv.Itoa(end)
		}
		json.NewEncoder(w).Encode(list)
	})

	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		d.downloads.Add(1)
		id := r.URL.Path[len("/files/"):]
		data, ok := d.content[id]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Write(data)
	})

	return mux
}

func (d *fakeDrive) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(d.handler())
	t.Cleanup(srv.Close)
	return srv
}

func file(id, name string, size int64, md5 string) driveFile {
	return driveFile{ID: id, Name: name, Size: strconv.FormatInt(size, 10), MD5Checksum: md5}
}

func folder(id, name string) driveFile {
	return driveFile{ID: id, Name: name, MimeType: folderMimeType}
}

func collectAll(t *testing.T, enum Enumerator) []Item {
	t.Helper()
	var items []Item
	for {
		item, err := enum.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return items
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		items = append(items, *item)
	}
}

func TestWalkerEnumeratesDepthFirst(t *testing.T) {
	drive := &fakeDrive{
		folders: map[string][]driveFile{
			"root": {
				file("f1", "a.txt", 10, "md5-a"),
				folder("sub1", "nested"),
				file("f2", "b.txt", 20, "md5-b"),
			},
			"sub1": {
				file("f3", "c.txt", 30, "md5-c"),
			},
		},
		pageSize: 100,
	}
	srv := drive.start(t)
	client := NewDriveClient(srv.URL, "", 100, 5*time.Second, testLogger())

	spec := Spec{
		Name: "mixed",
		Items: []ItemSpec{
			{Kind: "http_file", URL: "https://example.com/files/data.csv"},
			{Kind: "drive_folder", FolderID: "root", PathPrefix: "docs", Recursive: true},
		},
	}

	items := collectAll(t, NewEnumerator(spec, client, nil, testLogger()))

	want := []struct {
		path    string
		backend Backend
	}{
		{"data.csv", BackendHTTP},
		{"docs/a.txt", BackendDrive},
		{"docs/b.txt", BackendDrive},
		{"docs/nested/c.txt", BackendDrive},
	}

	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d: %+v", len(items), len(want), items)
	}
	for i, w := range want {
		if items[i].Path != w.path {
			t.Errorf("item %d path = %q, want %q", i, items[i].Path, w.path)
		}
		if items[i].Backend != w.backend {
			t.Errorf("item %d backend = %q, want %q", i, items[i].Backend, w.backend)
		}
		if items[i].Seq != uint64(i) {
			t.Errorf("item %d seq = %d, want %d", i, items[i].Seq, i)
		}
	}

	if items[1].DeclaredSize != 10 || items[1].DeclaredMD5 != "md5-a" {
		t.Errorf("drive item lost listing metadata: %+v", items[1])
	}
	if items[0].DeclaredSize != -1 {
		t.Errorf("http item declared size = %d, want -1", items[0].DeclaredSize)
	}
}

func TestWalkerSkipsSubfoldersWhenNotRecursive(t *testing.T) {
	drive := &fakeDrive{
		folders: map[string][]driveFile{
			"root": {
				file("f1", "a.txt", 10, "md5-a"),
				folder("sub1", "nested"),
			},
			"sub1": {
				file("f2", "c.txt", 30, "md5-c"),
			},
		},
		pageSize: 100,
	}
	srv := drive.start(t)
	client := NewDriveClient(srv.URL, "", 100, 5*time.Second, testLogger())

	spec := Spec{Items: []ItemSpec{{Kind: "drive_folder", FolderID: "root"}}}
	items := collectAll(t, NewEnumerator(spec, client, nil, testLogger()))

	if len(items) != 1 || items[0].Path != "a.txt" {
		t.Fatalf("non-recursive walk yielded %+v, want just a.txt", items)
	}
	if calls := drive.listCalls.Load(); calls != 1 {
		t.Errorf("walker listed %d pages, want 1 (subfolder must not be walked)", calls)
	}
}

func TestWalkerPaginatesAndResumes(t *testing.T) {
	var children []driveFile
	for i := 0; i < 5; i++ {
		children = append(children, file(fmt.Sprintf("f%d", i), fmt.Sprintf("doc-%d.pdf", i), 100, "h"))
	}
	drive := &fakeDrive{
		folders:  map[string][]driveFile{"root": children},
		pageSize: 2,
	}
	srv := drive.start(t)
	client := NewDriveClient(srv.URL, "", 2, 5*time.Second, testLogger())

	spec := Spec{Items: []ItemSpec{{Kind: "drive_folder", FolderID: "root"}}}

	reference := collectAll(t, NewEnumerator(spec, client, nil, testLogger()))
	if len(reference) != 5 {
		t.Fatalf("reference walk yielded %d items, want 5", len(reference))
	}

	// Consume three items: pages one and two get listed, so the cursor
	// sits at the start of page two.
	partial := NewEnumerator(spec, client, nil, testLogger())
	seen := map[uint64]string{}
	for i := 0; i < 3; i++ {
		item, err := partial.Next(context.Background())
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		seen[item.Seq] = item.Path
	}

	cur := partial.Cursor()
	if cur.Done {
		t.Fatal("cursor reports done mid-walk")
	}

	resumed := collectAll(t, NewEnumerator(spec, client, &cur, testLogger()))
	for _, item := range resumed {
		seen[item.Seq] = item.Path
	}

	if len(seen) != len(reference) {
		t.Fatalf("resume walk covered %d seqs, want %d", len(seen), len(reference))
	}
	for _, ref := range reference {
		if got := seen[ref.Seq]; got != ref.Path {
			t.Errorf("seq %d path = %q, want %q", ref.Seq, got, ref.Path)
		}
	}

	// A finished cursor restarts as an immediate EOF.
	done := NewEnumerator(spec, client, nil, testLogger())
	collectAll(t, done)
	final := done.Cursor()
	if !final.Done {
		t.Fatal("cursor not done after full walk")
	}
	if rest := collectAll(t, NewEnumerator(spec, client, &final, testLogger())); len(rest) != 0 {
		t.Fatalf("resume of finished cursor yielded %d items", len(rest))
	}
}

func TestWalkerStripsZstSuffix(t *testing.T) {
	drive := &fakeDrive{
		folders: map[string][]driveFile{
			"root": {
				file("f1", "block-0001.xdr.zst", 512, "md5-compressed"),
				file("f2", "readme.txt", 64, "md5-plain"),
			},
		},
		pageSize: 10,
	}
	srv := drive.start(t)
	client := NewDriveClient(srv.URL, "", 10, 5*time.Second, testLogger())

	spec := Spec{Items: []ItemSpec{
		{Kind: "drive_folder", FolderID: "root", DecompressZst: true},
	}}
	items := collectAll(t, NewEnumerator(spec, client, nil, testLogger()))

	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}

	zst := items[0]
	if zst.Path != "block-0001.xdr" {
		t.Errorf("path = %q, want stripped suffix", zst.Path)
	}
	if !zst.Compressed {
		t.Error("item not marked compressed")
	}
	if zst.DeclaredSize != -1 || zst.DeclaredMD5 != "" {
		t.Errorf("compressed item kept transit metadata: size=%d md5=%q", zst.DeclaredSize, zst.DeclaredMD5)
	}

	plain := items[1]
	if plain.Compressed || plain.Path != "readme.txt" {
		t.Errorf("plain item mangled: %+v", plain)
	}
}

func TestWalkerListingErrorAborts(t *testing.T) {
	drive := &fakeDrive{
		folders:  map[string][]driveFile{"root": {file("f1", "a.txt", 1, "h")}},
		pageSize: 10,
	}
	drive.failList.Store(true)
	srv := drive.start(t)
	client := NewDriveClient(srv.URL, "", 10, 5*time.Second, testLogger())

	spec := Spec{Items: []ItemSpec{{Kind: "drive_folder", FolderID: "root"}}}
	enum := NewEnumerator(spec, client, nil, testLogger())

	_, err := enum.Next(context.Background())
	var listErr *ListingError
	if !errors.As(err, &listErr) {
		t.Fatalf("err = %v, want *ListingError", err)
	}
	if listErr.Root != "root" {
		t.Errorf("listing error root = %q, want %q", listErr.Root, "root")
	}
	if !listErr.Retryable() {
		t.Error("a 500 listing failure should be retryable")
	}

	// The walker did not move past the failed page: a later call
	// retries it.
	drive.failList.Store(false)
	item, err := enum.Next(context.Background())
	if err != nil {
		t.Fatalf("retry after listing failure: %v", err)
	}
	if item.Path != "a.txt" {
		t.Errorf("retried page yielded %q, want a.txt", item.Path)
	}
}
