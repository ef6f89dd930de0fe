package shard

import "fmt"

// Row is a single packaged file inside a shard's parquet output.
type Row struct {
	// Path is the file's logical path within its source.
	Path string `parquet:"path"`

	// Source names the source the file came from.
	Source string `parquet:"source"`

	// FileType is the coarse classification of the extension.
	FileType string `parquet:"file_type"`

	// FileSize is the content length in bytes, counted after transit
	// decompression.
	FileSize int64 `parquet:"file_size"`

	// Extension is the lowercase extension without the dot.
	Extension string `parquet:"extension"`

	// Content holds the raw bytes, or null when the payload exceeded
	// the content ceiling.
	Content []byte `parquet:"content,optional"`

	// ContentAvailable is false for rows whose content was withheld.
	ContentAvailable bool `parquet:"content_available"`
}

// SchemaVersion identifies the row layout. Increment on breaking
// changes.
const SchemaVersion = "1.0.0"

// ProvisionalName is the shard filename used while the source is still
// being packed and the total is unknown.
func ProvisionalName(source string, index int) string {
	return fmt.Sprintf("%s-%05d.parquet", source, index)
}

// FinalName is the shard filename once the source completed and the
// total shard count is fixed.
func FinalName(source string, index, total int) string {
	return fmt.Sprintf("%s-%05d-of-%05d.parquet", source, index, total)
}

// WriteError reports a failed shard encode or store. Shard write
// failures abort the run: continuing would leave holes in the packed
// output that a rerun cannot detect.
type WriteError struct {
	Index int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write shard %05d: %v", e.Index, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
