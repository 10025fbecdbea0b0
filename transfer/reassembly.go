package transfer

import (
	"fmt"
	"io"
)

// chunkStore is the partial file chunks are written into.
type chunkStore interface {
	io.WriterAt
	io.ReaderAt
}

// reassembler writes chunks to their final offset in store as they arrive, in
// any order, and feeds sink the file contents in index order. Up to window
// chunks ahead of the next missing one are also kept in memory; the others
// are read back from store once every chunk before them has arrived.
type reassembler struct {
	store     chunkStore
	sink      io.Writer
	size      int64
	chunkSize int
	total     int
	window    int

	have    []bool
	next    int
	held    map[int][]byte
	scratch []byte
}

func newReassembler(store chunkStore, sink io.Writer, size int64, chunkSize, window int) *reassembler {
	total := ChunkCount(size, chunkSize)
	return &reassembler{
		store:     store,
		sink:      sink,
		size:      size,
		chunkSize: chunkSize,
		total:     total,
		window:    window,
		have:      make([]bool, total),
		held:      make(map[int][]byte),
	}
}

// add stores c and returns how many new bytes it contributed. Duplicates
// contribute nothing.
func (r *reassembler) add(c Chunk) (int, error) {
	if c.Index < 0 || c.Index >= r.total {
		return 0, fmt.Errorf("chunk index %d out of range [0,%d)", c.Index, r.total)
	}
	if want := expectedChunkLen(r.size, r.chunkSize, c.Index); len(c.Data) != want {
		return 0, fmt.Errorf("chunk %d has %d bytes, want %d", c.Index, len(c.Data), want)
	}
	if r.have[c.Index] {
		return 0, nil
	}

	if _, err := r.store.WriteAt(c.Data, r.offset(c.Index)); err != nil {
		return 0, fmt.Errorf("write chunk %d: %w", c.Index, err)
	}
	r.have[c.Index] = true

	if c.Index != r.next && len(r.held) < r.window {
		r.held[c.Index] = c.Data
	}
	if c.Index == r.next {
		_, _ = r.sink.Write(c.Data)
		r.next++
	}
	if err := r.advance(); err != nil {
		return 0, err
	}
	return len(c.Data), nil
}

// advance feeds sink every chunk that is now contiguous.
func (r *reassembler) advance() error {
	for r.next < r.total && r.have[r.next] {
		data, ok := r.held[r.next]
		if ok {
			delete(r.held, r.next)
		} else {
			n := expectedChunkLen(r.size, r.chunkSize, r.next)
			if cap(r.scratch) < n {
				r.scratch = make([]byte, r.chunkSize)
			}
			data = r.scratch[:n]
			if read, err := r.store.ReadAt(data, r.offset(r.next)); read < n {
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return fmt.Errorf("read back chunk %d: %w", r.next, err)
			}
		}
		_, _ = r.sink.Write(data)
		r.next++
	}
	return nil
}

func (r *reassembler) offset(index int) int64 {
	return int64(index) * int64(r.chunkSize)
}

func (r *reassembler) complete() bool {
	return r.next >= r.total
}

// buffered counts chunks kept in memory.
func (r *reassembler) buffered() int {
	return len(r.held)
}
