package chunker

import (
	"errors"
	"fmt"
	"io"
	"iter"
)

var (
	// ErrGap is returned when a chunk index is missing, repeated or out of order
	ErrGap = errors.New("chunk sequence gap")
	// ErrSize is returned when a chunk payload does not match the expected length
	ErrSize = errors.New("chunk size mismatch")
	// ErrOverflow is returned for chunks past the end of the file
	ErrOverflow = errors.New("chunk beyond end of file")
	// ErrWrite wraps failures of the destination writer in Join
	ErrWrite = errors.New("writing chunk")
)

// Piece is one indexed segment of a byte stream
type Piece struct {
	N    int32
	Data []byte
}

// Split reads r lazily and yields chunkSize pieces in index order. Only the
// last piece may be shorter. An empty reader yields nothing.
func Split(r io.Reader, chunkSize int) iter.Seq2[Piece, error] {
	return func(yield func(Piece, error) bool) {
		if chunkSize <= 0 {
			yield(Piece{}, fmt.Errorf("invalid chunk size %d", chunkSize))
			return
		}

		var n int32
		for {
			buffer := make([]byte, chunkSize)
			read, err := io.ReadFull(r, buffer)

			if read > 0 {
				if !yield(Piece{N: n, Data: buffer[:read]}, nil) {
					return
				}
				n++
			}

			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			} else if err != nil {
				yield(Piece{}, fmt.Errorf("error reading chunk %d: %w", n, err))
				return
			}
		}
	}
}

// Layout describes how a file of Length bytes maps onto chunks
type Layout struct {
	Length    int64
	ChunkSize int32
}

// NumChunks returns the number of chunks a complete file has
func (l Layout) NumChunks() int32 {
	if l.Length <= 0 || l.ChunkSize <= 0 {
		return 0
	}
	return int32((l.Length + int64(l.ChunkSize) - 1) / int64(l.ChunkSize))
}

// ChunkLen returns the expected payload length of chunk n, or -1 if n is out of range
func (l Layout) ChunkLen(n int32) int {
	total := l.NumChunks()
	if n < 0 || n >= total {
		return -1
	}
	if n < total-1 {
		return int(l.ChunkSize)
	}
	return int(l.Length - int64(n)*int64(l.ChunkSize))
}

// ChunkFor returns the chunk index holding byte offset and the position inside it
func (l Layout) ChunkFor(offset int64) (int32, int) {
	if l.ChunkSize <= 0 {
		return 0, 0
	}
	return int32(offset / int64(l.ChunkSize)), int(offset % int64(l.ChunkSize))
}

// Joiner validates a sequence of pieces against a layout, starting at a given index
type Joiner struct {
	layout Layout
	next   int32
}

// NewJoiner creates a joiner expecting piece from first
func NewJoiner(l Layout, from int32) *Joiner {
	return &Joiner{layout: l, next: from}
}

// Next returns the index the joiner expects next
func (j *Joiner) Next() int32 {
	return j.next
}

// Add accepts the next piece, rejecting gaps, duplicates and size mismatches
func (j *Joiner) Add(p Piece) error {
	if j.next >= j.layout.NumChunks() {
		return fmt.Errorf("%w: got chunk %d, file has %d", ErrOverflow, p.N, j.layout.NumChunks())
	}
	if p.N != j.next {
		return fmt.Errorf("%w: expected chunk %d, got %d", ErrGap, j.next, p.N)
	}
	if want := j.layout.ChunkLen(p.N); len(p.Data) != want {
		return fmt.Errorf("%w: chunk %d has %d bytes, expected %d", ErrSize, p.N, len(p.Data), want)
	}
	j.next++
	return nil
}

// Done reports an error if chunks are still missing
func (j *Joiner) Done() error {
	if total := j.layout.NumChunks(); j.next < total {
		return fmt.Errorf("%w: missing chunk %d of %d", ErrGap, j.next, total)
	}
	return nil
}

// Join writes validated pieces to w in order and returns the bytes written.
// Any gap, duplicate or size mismatch aborts the join.
func Join(w io.Writer, pieces iter.Seq2[Piece, error], l Layout) (int64, error) {
	j := NewJoiner(l, 0)
	var written int64

	for p, err := range pieces {
		if err != nil {
			return written, err
		}
		if err := j.Add(p); err != nil {
			return written, err
		}
		n, err := w.Write(p.Data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("%w %d: %w", ErrWrite, p.N, err)
		}
	}

	if err := j.Done(); err != nil {
		return written, err
	}
	return written, nil
}
