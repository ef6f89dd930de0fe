package shard

import (
	"bytes"
	"fmt"
	"testing"
)

func contentRow(path string, size int) Row {
	return Row{
		Path:             path,
		Source:           "testsrc",
		FileType:         "other",
		FileSize:         int64(size),
		Extension:        "bin",
		Content:          bytes.Repeat([]byte{0xAB}, size),
		ContentAvailable: true,
	}
}

func TestBuilderSplitsByContentSize(t *testing.T) {
	// Five 120-byte payloads against a 250-byte bound pack as 2+2+1.
	b := NewBuilder("testsrc", 250, 0)

	var flushed []Flushed
	for i := 0; i < 5; i++ {
		out, err := b.Append(contentRow(fmt.Sprintf("f%d.bin", i), 120))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		flushed = append(flushed, out...)
	}

	last, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if last == nil {
		t.Fatal("Finish returned no shard for a non-empty buffer")
	}
	flushed = append(flushed, *last)

	wantRows := []int64{2, 2, 1}
	if len(flushed) != len(wantRows) {
		t.Fatalf("got %d shards, want %d", len(flushed), len(wantRows))
	}
	for i, f := range flushed {
		if f.RowCount != wantRows[i] {
			t.Errorf("shard %d rows = %d, want %d", i, f.RowCount, wantRows[i])
		}
		if f.Index != i {
			t.Errorf("shard %d index = %d", i, f.Index)
		}
		if f.Name != ProvisionalName("testsrc", i) {
			t.Errorf("shard %d name = %q", i, f.Name)
		}
		if int64(len(f.Members)) != f.RowCount {
			t.Errorf("shard %d members = %v", i, f.Members)
		}
		if !VerifyChecksum(f.Data, f.Checksum) {
			t.Errorf("shard %d checksum mismatch", i)
		}
		if f.RawBytes > 250 {
			t.Errorf("shard %d raw bytes = %d, exceeds bound", i, f.RawBytes)
		}
	}

	// Every row lands in exactly one shard, in append order.
	var members []string
	for _, f := range flushed {
		members = append(members, f.Members...)
	}
	for i, m := range members {
		if want := fmt.Sprintf("f%d.bin", i); m != want {
			t.Errorf("member %d = %q, want %q", i, m, want)
		}
	}
}

func TestBuilderOversizedRowBecomesSingleton(t *testing.T) {
	b := NewBuilder("testsrc", 250, 0)

	out, err := b.Append(contentRow("small.bin", 100))
	if err != nil {
		t.Fatalf("Append small: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("small row flushed %d shards", len(out))
	}

	// The big row closes the open shard and then flushes alone.
	out, err = b.Append(contentRow("big.bin", 300))
	if err != nil {
		t.Fatalf("Append big: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("big row flushed %d shards, want 2", len(out))
	}
	if out[0].RowCount != 1 || out[0].Members[0] != "small.bin" {
		t.Errorf("pre-flush shard = %+v", out[0])
	}
	if out[1].RowCount != 1 || out[1].Members[0] != "big.bin" || out[1].RawBytes != 300 {
		t.Errorf("singleton shard = %+v", out[1])
	}

	out, err = b.Append(contentRow("tail.bin", 50))
	if err != nil {
		t.Fatalf("Append tail: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("tail row flushed early")
	}

	last, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if last == nil || last.RowCount != 1 || last.Index != 2 {
		t.Errorf("final shard = %+v", last)
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	b := NewBuilder("testsrc", 1<<20, 0)

	rows := []Row{
		{
			Path: "docs/a.pdf", Source: "testsrc", FileType: "document",
			FileSize: 11, Extension: "pdf",
			Content: []byte("hello pdf!!"), ContentAvailable: true,
		},
		{
			Path: "raw/huge.bin", Source: "testsrc", FileType: "other",
			FileSize: 5_000_000_000, Extension: "bin",
			Content: nil, ContentAvailable: false,
		},
	}
	for _, r := range rows {
		if _, err := b.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	f, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	decoded, err := ReadRows(f.Data)
	if err != nil {
		t.Fatalf("ReadRows: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d rows, want 2", len(decoded))
	}

	if decoded[0].Path != "docs/a.pdf" || !bytes.Equal(decoded[0].Content, []byte("hello pdf!!")) {
		t.Errorf("row 0 = %+v", decoded[0])
	}
	if !decoded[0].ContentAvailable {
		t.Error("row 0 lost content_available")
	}

	if decoded[1].ContentAvailable {
		t.Error("content-null row read back as available")
	}
	if len(decoded[1].Content) != 0 {
		t.Errorf("content-null row carried %d bytes", len(decoded[1].Content))
	}
	if decoded[1].FileSize != 5_000_000_000 {
		t.Errorf("row 1 file size = %d", decoded[1].FileSize)
	}
}

func TestBuilderContinuesNumbering(t *testing.T) {
	b := NewBuilder("testsrc", 100, 7)
	if b.NextIndex() != 7 {
		t.Fatalf("NextIndex = %d, want 7", b.NextIndex())
	}

	if _, err := b.Append(contentRow("x.bin", 10)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if f.Index != 7 || f.Name != "testsrc-00007.parquet" {
		t.Errorf("shard = index %d name %q", f.Index, f.Name)
	}
}

func TestFinishEmptyBuffer(t *testing.T) {
	b := NewBuilder("testsrc", 100, 0)
	f, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if f != nil {
		t.Errorf("empty Finish returned %+v", f)
	}
}

func TestNames(t *testing.T) {
	if got := ProvisionalName("corpus", 3); got != "corpus-00003.parquet" {
		t.Errorf("ProvisionalName = %q", got)
	}
	if got := FinalName("corpus", 3, 12); got != "corpus-00003-of-00012.parquet" {
		t.Errorf("FinalName = %q", got)
	}
}
