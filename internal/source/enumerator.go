package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cursor is a resumable position in a source's enumeration. Snapshots
// are taken at listing page boundaries, so resuming may re-list one
// page; re-emitted items carry the same sequence numbers.
type Cursor struct {
	SpecIndex int          `json:"spec_index"`
	NextSeq   uint64       `json:"next_seq"`
	Stack     []DriveFrame `json:"stack,omitempty"`
	Done      bool         `json:"done"`
}

// DriveFrame is one folder on the walker's DFS stack.
type DriveFrame struct {
	FolderID      string      `json:"folder_id"`
	PathPrefix    string      `json:"path_prefix"`
	PageToken     string      `json:"page_token,omitempty"`
	Exhausted     bool        `json:"exhausted,omitempty"`
	Subdirs       []Subfolder `json:"subdirs,omitempty"`
	Recursive     bool        `json:"recursive,omitempty"`
	DecompressZst bool        `json:"decompress_zst,omitempty"`
}

// Subfolder is a child folder discovered but not yet descended into.
type Subfolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// walker enumerates a source spec: http items in order, drive folders
// depth-first with children visited in listing order.
type walker struct {
	spec  Spec
	drive *DriveClient
	log   *slog.Logger

	mu       sync.Mutex
	specIdx  int
	stack    []DriveFrame
	nextSeq  uint64
	buf      []Item
	snapshot Cursor
	done     bool
}

// NewEnumerator builds an enumerator for spec. A nil resume starts from
// the beginning; otherwise enumeration continues from the cursor.
func NewEnumerator(spec Spec, drive *DriveClient, resume *Cursor, log *slog.Logger) Enumerator {
	w := &walker{
		spec:  spec,
		drive: drive,
		log:   log,
	}
	if resume != nil {
		w.specIdx = resume.SpecIndex
		w.nextSeq = resume.NextSeq
		w.done = resume.Done
		w.stack = copyStack(resume.Stack)
		w.snapshot = *resume
		w.snapshot.Stack = copyStack(resume.Stack)
	}
	return w
}

func (w *walker) Next(ctx context.Context) (*Item, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		if len(w.buf) > 0 {
			item := w.buf[0]
			w.buf = w.buf[1:]
			return &item, nil
		}
		if w.done {
			return nil, io.EOF
		}
		if err := w.advance(ctx); err != nil {
			return nil, err
		}
	}
}

// advance moves the walk forward by one step: expanding the next spec
// item, listing one folder page, descending into a subfolder, or
// popping a finished folder. Called only when the buffer is empty, so
// the pre-step state is a valid resume point.
func (w *walker) advance(ctx context.Context) error {
	w.snapshot = w.cursorLocked()

	if len(w.stack) == 0 {
		if w.specIdx >= len(w.spec.Items) {
			w.done = true
			w.snapshot = w.cursorLocked()
			return nil
		}
		item := w.spec.Items[w.specIdx]
		w.specIdx++
		switch item.Kind {
		case "http_file":
			w.buf = append(w.buf, w.httpItem(item))
		case "drive_folder":
			w.stack = append(w.stack, DriveFrame{
				FolderID:      item.FolderID,
				PathPrefix:    normalizePrefix(item.PathPrefix),
				Recursive:     item.Recursive,
				DecompressZst: item.DecompressZst,
			})
		default:
			return &ListingError{Backend: BackendHTTP, Root: item.Kind, Err: fmt.Errorf("unknown item kind %q", item.Kind)}
		}
		return nil
	}

	top := &w.stack[len(w.stack)-1]
	if !top.Exhausted {
		page, err := w.drive.ListPage(ctx, top.FolderID, top.PageToken)
		if err != nil {
			return &ListingError{Backend: BackendDrive, Root: top.FolderID, Err: err}
		}
		for _, f := range page.Files {
			if f.MimeType == folderMimeType {
				if top.Recursive {
					top.Subdirs = append(top.Subdirs, Subfolder{ID: f.ID, Name: f.Name})
				} else {
					w.log.Debug("skipping subfolder, item is non-recursive", "folder", f.Name)
				}
				continue
			}
			w.buf = append(w.buf, w.driveItem(top, f))
		}
		top.PageToken = page.NextPageToken
		if page.NextPageToken == "" {
			top.Exhausted = true
		}
		return nil
	}

	if len(top.Subdirs) > 0 {
		sub := top.Subdirs[0]
		top.Subdirs = top.Subdirs[1:]
		w.stack = append(w.stack, DriveFrame{
			FolderID:      sub.ID,
			PathPrefix:    top.PathPrefix + sub.Name + "/",
			Recursive:     top.Recursive,
			DecompressZst: top.DecompressZst,
		})
		return nil
	}

	w.stack = w.stack[:len(w.stack)-1]
	return nil
}

func (w *walker) httpItem(spec ItemSpec) Item {
	name := spec.Filename
	if name == "" {
		name = basenameFromURL(spec.URL)
	}

	item := Item{
		Seq:          w.nextSeq,
		Path:         name,
		Backend:      BackendHTTP,
		RemoteID:     spec.URL,
		DeclaredSize: -1,
		DiscoveredAt: time.Now().UTC(),
	}
	w.nextSeq++

	if spec.DecompressZst && strings.HasSuffix(item.Path, ".zst") {
		item.Path = strings.TrimSuffix(item.Path, ".zst")
		item.Compressed = true
	}
	return item
}

func (w *walker) driveItem(frame *DriveFrame, f driveFile) Item {
	item := Item{
		Seq:          w.nextSeq,
		Path:         frame.PathPrefix + f.Name,
		Backend:      BackendDrive,
		RemoteID:     f.ID,
		DeclaredSize: -1,
		DeclaredMD5:  f.MD5Checksum,
		DiscoveredAt: time.Now().UTC(),
	}
	w.nextSeq++

	if f.Size != "" {
		if size, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
			item.DeclaredSize = size
		}
	}

	if frame.DecompressZst && strings.HasSuffix(item.Path, ".zst") {
		item.Path = strings.TrimSuffix(item.Path, ".zst")
		item.Compressed = true
		// Listing metadata describes the compressed stream, not the
		// content we record.
		item.DeclaredSize = -1
		item.DeclaredMD5 = ""
	}
	return item
}

// Cursor returns the most recent resume point. Items emitted since the
// snapshot will be re-emitted with identical sequence numbers after a
// resume; callers dedup by path.
func (w *walker) Cursor() Cursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.snapshot
	c.Stack = copyStack(w.snapshot.Stack)
	return c
}

func (w *walker) Close() error { return nil }

func (w *walker) cursorLocked() Cursor {
	return Cursor{
		SpecIndex: w.specIdx,
		NextSeq:   w.nextSeq,
		Stack:     copyStack(w.stack),
		Done:      w.done,
	}
}

func copyStack(stack []DriveFrame) []DriveFrame {
	if stack == nil {
		return nil
	}
	out := make([]DriveFrame, len(stack))
	for i, f := range stack {
		cp := f
		cp.Subdirs = append([]Subfolder(nil), f.Subdirs...)
		out[i] = cp
	}
	return out
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func basenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return rawURL
	}
	return path.Base(u.Path)
}
