package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const folderMimeType = "application/vnd.google-apps.folder"

// driveFile is the subset of the drive files resource we request.
// Size arrives as a decimal string.
type driveFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	Size        string `json:"size,omitempty"`
	MD5Checksum string `json:"md5Checksum,omitempty"`
}

type driveFileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

// DriveClient talks to the drive REST API: folder listing for the
// enumerator and media downloads for the fetcher.
type DriveClient struct {
	http     *resty.Client
	apiKey   string
	pageSize int
	log      *slog.Logger
}

// NewDriveClient builds a client against baseURL. Override baseURL in
// tests to point at a stub server.
func NewDriveClient(baseURL, apiKey string, pageSize int, timeout time.Duration, log *slog.Logger) *DriveClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	if pageSize <= 0 {
		pageSize = 1000
	}

	return &DriveClient{
		http:     client,
		apiKey:   apiKey,
		pageSize: pageSize,
		log:      log,
	}
}

// ListPage returns one page of a folder's direct children. Pass the
// previous page's NextPageToken to continue; an empty token in the
// result means the folder is fully listed.
func (c *DriveClient) ListPage(ctx context.Context, folderID, pageToken string) (*driveFileList, error) {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":        fmt.Sprintf("'%s' in parents and trashed = false", folderID),
			"fields":   "nextPageToken, files(id, name, mimeType, size, md5Checksum)",
			"pageSize": strconv.Itoa(c.pageSize),
			"orderBy":  "name",
		}).
		SetResult(&driveFileList{})

	if c.apiKey != "" {
		req.SetQueryParam("key", c.apiKey)
	}
	if pageToken != "" {
		req.SetQueryParam("pageToken", pageToken)
	}

	resp, err := req.Get("/files")
	if err != nil {
		return nil, &FetchError{Backend: BackendDrive, Path: folderID, Err: err}
	}
	if resp.IsError() {
		return nil, &FetchError{
			Backend: BackendDrive,
			Path:    folderID,
			Status:  resp.StatusCode(),
			Err:     errors.New("folder listing rejected"),
		}
	}

	list, ok := resp.Result().(*driveFileList)
	if !ok {
		return nil, fmt.Errorf("list folder %s: unexpected response shape", folderID)
	}
	return list, nil
}

// Download streams a file's media content. The caller owns the returned
// reader and must close it.
func (c *DriveClient) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	req := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParam("alt", "media")

	if c.apiKey != "" {
		req.SetQueryParam("key", c.apiKey)
	}

	resp, err := req.Get("/files/" + url.PathEscape(fileID))
	if err != nil {
		return nil, &FetchError{Backend: BackendDrive, Path: fileID, Err: err}
	}
	if resp.StatusCode() >= 400 {
		resp.RawBody().Close()
		return nil, &FetchError{
			Backend: BackendDrive,
			Path:    fileID,
			Status:  resp.StatusCode(),
			Err:     fmt.Errorf("unexpected status %s", resp.Status()),
		}
	}
	return resp.RawBody(), nil
}

// DriveFetcher downloads drive items, pacing requests so concurrent
// workers stay under the API's rate expectations.
type DriveFetcher struct {
	client  *DriveClient
	ceiling int64
	delay   time.Duration
	log     *slog.Logger

	mu   sync.Mutex
	last time.Time
}

func NewDriveFetcher(client *DriveClient, ceiling int64, delay time.Duration, log *slog.Logger) *DriveFetcher {
	return &DriveFetcher{
		client:  client,
		ceiling: ceiling,
		delay:   delay,
		log:     log,
	}
}

// Fetch downloads one drive item. Items the listing already declares as
// larger than the ceiling skip the download entirely: the listing's
// checksum and size stand in for the payload.
func (f *DriveFetcher) Fetch(ctx context.Context, item Item) (*Payload, error) {
	if !item.Compressed && item.DeclaredSize > f.ceiling && item.DeclaredMD5 != "" {
		f.log.Debug("skipping oversized download", "path", item.Path, "declared_size", item.DeclaredSize)
		return &Payload{Size: item.DeclaredSize, MD5: item.DeclaredMD5, Oversized: true}, nil
	}

	if err := f.pace(ctx); err != nil {
		return nil, &FetchError{Backend: BackendDrive, Path: item.Path, Err: err}
	}

	body, err := f.client.Download(ctx, item.RemoteID)
	if err != nil {
		if fe, ok := err.(*FetchError); ok {
			fe.Path = item.Path
		}
		return nil, err
	}
	defer body.Close()

	return readStream(body, item, f.ceiling)
}

// pace spaces downloads at least delay apart across all workers.
func (f *DriveFetcher) pace(ctx context.Context) error {
	if f.delay <= 0 {
		return nil
	}

	f.mu.Lock()
	now := time.Now()
	next := f.last.Add(f.delay)
	if next.Before(now) {
		next = now
	}
	f.last = next
	f.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
