package transfer

import (
	"bytes"
	"io"
	"testing"
)

// memStore is an in-memory partial file.
type memStore struct {
	data []byte
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size      int64
		chunkSize int
		want      int
	}{
		{0, 3, 0},
		{7, 3, 3},
		{6, 3, 2},
		{1, 16384, 1},
		{16384, 16384, 1},
		{16385, 16384, 2},
		{10, 0, 0},
	}
	for _, tc := range cases {
		if got := ChunkCount(tc.size, tc.chunkSize); got != tc.want {
			t.Fatalf("ChunkCount(%d, %d) = %d, want %d", tc.size, tc.chunkSize, got, tc.want)
		}
	}
}

func TestReassemblerFeedsSinkInIndexOrder(t *testing.T) {
	store := &memStore{}
	var sink bytes.Buffer
	r := newReassembler(store, &sink, 7, 3, 8)

	if n, err := r.add(Chunk{Index: 2, Data: []byte("G")}); err != nil || n != 1 {
		t.Fatalf("add chunk 2: n=%d err=%v", n, err)
	}
	if sink.Len() != 0 || r.buffered() != 1 {
		t.Fatalf("chunk 2 should wait for 0 and 1: sink=%q held=%d", sink.String(), r.buffered())
	}
	if _, err := r.add(Chunk{Index: 0, Data: []byte("ABC")}); err != nil {
		t.Fatalf("add chunk 0: %v", err)
	}
	if sink.String() != "ABC" {
		t.Fatalf("expected ABC in sink, got %q", sink.String())
	}
	if _, err := r.add(Chunk{Index: 1, Data: []byte("DEF")}); err != nil {
		t.Fatalf("add chunk 1: %v", err)
	}

	if sink.String() != "ABCDEFG" || string(store.data) != "ABCDEFG" {
		t.Fatalf("unexpected output sink=%q store=%q", sink.String(), store.data)
	}
	if !r.complete() || r.buffered() != 0 {
		t.Fatalf("expected reassembler complete and empty")
	}
}

func TestReassemblerReadsBackChunksBeyondWindow(t *testing.T) {
	store := &memStore{}
	var sink bytes.Buffer
	const chunkSize = 4
	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQR")
	r := newReassembler(store, &sink, int64(len(payload)), chunkSize, 1)

	for idx := ChunkCount(int64(len(payload)), chunkSize) - 1; idx >= 0; idx-- {
		start := idx * chunkSize
		end := min(start+chunkSize, len(payload))
		if _, err := r.add(Chunk{Index: idx, Data: payload[start:end]}); err != nil {
			t.Fatalf("add chunk %d: %v", idx, err)
		}
		if r.buffered() > 1 {
			t.Fatalf("expected at most one chunk in memory, got %d", r.buffered())
		}
	}

	if !r.complete() {
		t.Fatalf("expected reassembler complete")
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatalf("sink out of order: %q", sink.Bytes())
	}
}

func TestReassemblerRejectsBadChunks(t *testing.T) {
	r := newReassembler(&memStore{}, io.Discard, 7, 3, 2)

	if _, err := r.add(Chunk{Index: 3, Data: []byte("x")}); err == nil {
		t.Fatalf("expected out of range index to fail")
	}
	if _, err := r.add(Chunk{Index: -1, Data: []byte("ABC")}); err == nil {
		t.Fatalf("expected negative index to fail")
	}
	if _, err := r.add(Chunk{Index: 0, Data: []byte("AB")}); err == nil {
		t.Fatalf("expected short chunk to fail")
	}
	if _, err := r.add(Chunk{Index: 2, Data: []byte("GH")}); err == nil {
		t.Fatalf("expected oversized last chunk to fail")
	}

	if n, err := r.add(Chunk{Index: 0, Data: []byte("ABC")}); err != nil || n != 3 {
		t.Fatalf("add chunk 0: n=%d err=%v", n, err)
	}
	if n, err := r.add(Chunk{Index: 0, Data: []byte("ABC")}); err != nil || n != 0 {
		t.Fatalf("duplicate chunk should add nothing: n=%d err=%v", n, err)
	}
}
