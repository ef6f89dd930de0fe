package source

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/zstd"
)

// HTTPFetcher downloads http items.
type HTTPFetcher struct {
	client  *resty.Client
	ceiling int64
	log     *slog.Logger
}

func NewHTTPFetcher(timeout time.Duration, ceiling int64, log *slog.Logger) *HTTPFetcher {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "shardpack")

	return &HTTPFetcher{
		client:  client,
		ceiling: ceiling,
		log:     log,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, item Item) (*Payload, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(item.RemoteID)
	if err != nil {
		return nil, &FetchError{Backend: BackendHTTP, Path: item.Path, Err: err}
	}

	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		return nil, &FetchError{
			Backend: BackendHTTP,
			Path:    item.Path,
			Status:  resp.StatusCode(),
			Err:     errStatus(resp.Status()),
		}
	}

	return readStream(body, item, f.ceiling)
}

type statusError string

func (e statusError) Error() string { return "unexpected status " + string(e) }

func errStatus(status string) error { return statusError(status) }

// newZstReader wraps a stream in a per-call zstd reader. Streaming
// decoders are not shareable; the caller must Close the result.
func newZstReader(r io.Reader) (*zstd.Decoder, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	return zr, nil
}

// readStream consumes a payload body, decompressing zstd transit
// encoding when the item calls for it.
func readStream(r io.Reader, item Item, ceiling int64) (*Payload, error) {
	if item.Compressed {
		zr, err := newZstReader(r)
		if err != nil {
			return nil, &FetchError{Backend: item.Backend, Path: item.Path, Err: err}
		}
		defer zr.Close()
		r = zr
	}

	payload, err := readCapped(r, ceiling)
	if err != nil {
		return nil, &FetchError{Backend: item.Backend, Path: item.Path, Err: err}
	}
	return payload, nil
}

// readCapped reads r to EOF, hashing everything. At most ceiling bytes
// are buffered; once the total exceeds the ceiling the buffer is
// dropped and only size and hash are tracked. A payload of exactly
// ceiling bytes is kept.
func readCapped(r io.Reader, ceiling int64) (*Payload, error) {
	hasher := md5.New()
	var buf bytes.Buffer
	var total int64
	keep := true

	chunk := make([]byte, 256*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			hasher.Write(chunk[:n])
			if keep {
				if total > ceiling {
					keep = false
					buf = bytes.Buffer{}
				} else {
					buf.Write(chunk[:n])
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	payload := &Payload{
		Size: total,
		MD5:  hex.EncodeToString(hasher.Sum(nil)),
	}
	if keep {
		payload.Data = buf.Bytes()
	} else {
		payload.Oversized = true
	}
	return payload, nil
}
