package shard

import (
	"bytes"

	"github.com/parquet-go/parquet-go"
)

// Flushed is one encoded shard ready for storage.
type Flushed struct {
	Index    int
	Name     string
	Data     []byte
	RowCount int64
	RawBytes int64
	Checksum string
	Members  []string
}

// Builder accumulates rows and cuts shards greedily: a row that would
// push the buffered content past maxBytes closes the current shard
// first. A single row larger than maxBytes becomes a shard of its own.
// Size accounting counts stored content bytes only, so content-null
// rows are effectively free.
//
// Builder is not goroutine-safe; the packer appends from its single
// commit loop.
type Builder struct {
	source    string
	maxBytes  int64
	nextIndex int

	rows     []Row
	rawBytes int64
}

// NewBuilder creates a builder for source. startIndex continues the
// numbering from prior runs.
func NewBuilder(source string, maxBytes int64, startIndex int) *Builder {
	return &Builder{
		source:    source,
		maxBytes:  maxBytes,
		nextIndex: startIndex,
	}
}

// Append adds a row, returning zero, one or two flushed shards: a
// pre-flush when the row does not fit the open shard, and a singleton
// flush when the row alone exceeds the bound.
func (b *Builder) Append(row Row) ([]Flushed, error) {
	size := int64(len(row.Content))

	var out []Flushed
	if len(b.rows) > 0 && b.rawBytes+size > b.maxBytes {
		f, err := b.flush()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}

	b.rows = append(b.rows, row)
	b.rawBytes += size

	if b.rawBytes > b.maxBytes {
		f, err := b.flush()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}

	return out, nil
}

// Finish flushes the remaining buffered rows. Returns nil when the
// buffer is empty.
func (b *Builder) Finish() (*Flushed, error) {
	if len(b.rows) == 0 {
		return nil, nil
	}
	f, err := b.flush()
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Buffered reports the open shard's row count and content bytes.
func (b *Builder) Buffered() (int, int64) {
	return len(b.rows), b.rawBytes
}

// NextIndex returns the index the next flushed shard will take.
func (b *Builder) NextIndex() int {
	return b.nextIndex
}

func (b *Builder) flush() (Flushed, error) {
	var buf bytes.Buffer
	pw := parquet.NewGenericWriter[Row](&buf, parquet.Compression(&parquet.Snappy))

	if _, err := pw.Write(b.rows); err != nil {
		pw.Close()
		return Flushed{}, &WriteError{Index: b.nextIndex, Err: err}
	}
	if err := pw.Close(); err != nil {
		return Flushed{}, &WriteError{Index: b.nextIndex, Err: err}
	}

	members := make([]string, len(b.rows))
	for i, row := range b.rows {
		members[i] = row.Path
	}

	data := buf.Bytes()
	f := Flushed{
		Index:    b.nextIndex,
		Name:     ProvisionalName(b.source, b.nextIndex),
		Data:     data,
		RowCount: int64(len(b.rows)),
		RawBytes: b.rawBytes,
		Checksum: Checksum(data),
		Members:  members,
	}

	b.nextIndex++
	b.rows = nil
	b.rawBytes = 0
	return f, nil
}

// ReadRows decodes a shard file back into rows, for verification and
// tests.
func ReadRows(data []byte) ([]Row, error) {
	return parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
}
