package chunker

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func seqOf(pieces ...Piece) iter.Seq2[Piece, error] {
	return func(yield func(Piece, error) bool) {
		for _, p := range pieces {
			if !yield(p, nil) {
				return
			}
		}
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSplitJoin_RoundTrip(t *testing.T) {
	for _, chunkSize := range []int{1, 3, 7, 64, 255} {
		for _, size := range []int{0, 1, chunkSize - 1, chunkSize, chunkSize + 1, 10 * chunkSize, 1000} {
			data := randomBytes(t, size)
			var out bytes.Buffer

			n, err := Join(&out, Split(bytes.NewReader(data), chunkSize), Layout{Length: int64(size), ChunkSize: int32(chunkSize)})
			require.NoError(t, err, "chunkSize=%d size=%d", chunkSize, size)
			assert.Equal(t, int64(size), n)
			assert.Equal(t, data, out.Bytes())
		}
	}
}

func TestSplit_PieceSizes(t *testing.T) {
	data := randomBytes(t, 10)
	var sizes []int
	var indexes []int32
	for p, err := range Split(bytes.NewReader(data), 4) {
		require.NoError(t, err)
		sizes = append(sizes, len(p.Data))
		indexes = append(indexes, p.N)
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, []int32{0, 1, 2}, indexes)
}

func TestSplit_Empty(t *testing.T) {
	count := 0
	for range Split(bytes.NewReader(nil), 4) {
		count++
	}
	assert.Zero(t, count)
}

func TestSplit_StopsEarly(t *testing.T) {
	count := 0
	for range Split(bytes.NewReader(randomBytes(t, 100)), 10) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestSplit_ReaderError(t *testing.T) {
	boom := errors.New("boom")
	var got error
	for _, err := range Split(failingReader{err: boom}, 4) {
		got = err
	}
	assert.ErrorIs(t, got, boom)
}

func TestSplit_InvalidChunkSize(t *testing.T) {
	var got error
	for _, err := range Split(bytes.NewReader([]byte("x")), 0) {
		got = err
	}
	assert.Error(t, got)
}

func TestLayout(t *testing.T) {
	l := Layout{Length: 10, ChunkSize: 4}
	assert.Equal(t, int32(3), l.NumChunks())
	assert.Equal(t, 4, l.ChunkLen(0))
	assert.Equal(t, 4, l.ChunkLen(1))
	assert.Equal(t, 2, l.ChunkLen(2))
	assert.Equal(t, -1, l.ChunkLen(3))
	assert.Equal(t, -1, l.ChunkLen(-1))

	n, off := l.ChunkFor(9)
	assert.Equal(t, int32(2), n)
	assert.Equal(t, 1, off)

	assert.Equal(t, int32(0), Layout{Length: 0, ChunkSize: 4}.NumChunks())
	assert.Equal(t, int32(1), Layout{Length: 4, ChunkSize: 4}.NumChunks())
}

func TestJoin_Gap(t *testing.T) {
	l := Layout{Length: 6, ChunkSize: 2}
	_, err := Join(io.Discard, seqOf(
		Piece{N: 0, Data: []byte("ab")},
		Piece{N: 2, Data: []byte("ef")},
	), l)
	assert.ErrorIs(t, err, ErrGap)
}

func TestJoin_Duplicate(t *testing.T) {
	l := Layout{Length: 4, ChunkSize: 2}
	_, err := Join(io.Discard, seqOf(
		Piece{N: 0, Data: []byte("ab")},
		Piece{N: 0, Data: []byte("ab")},
	), l)
	assert.ErrorIs(t, err, ErrGap)
}

func TestJoin_MissingTail(t *testing.T) {
	l := Layout{Length: 4, ChunkSize: 2}
	n, err := Join(io.Discard, seqOf(Piece{N: 0, Data: []byte("ab")}), l)
	assert.ErrorIs(t, err, ErrGap)
	assert.Equal(t, int64(2), n)
}

func TestJoin_WrongSize(t *testing.T) {
	l := Layout{Length: 4, ChunkSize: 2}
	_, err := Join(io.Discard, seqOf(Piece{N: 0, Data: []byte("a")}), l)
	assert.ErrorIs(t, err, ErrSize)
}

func TestJoin_Overflow(t *testing.T) {
	l := Layout{Length: 2, ChunkSize: 2}
	_, err := Join(io.Discard, seqOf(
		Piece{N: 0, Data: []byte("ab")},
		Piece{N: 1, Data: []byte("cd")},
	), l)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestJoin_WriterError(t *testing.T) {
	l := Layout{Length: 2, ChunkSize: 2}
	_, err := Join(failingWriter{}, seqOf(Piece{N: 0, Data: []byte("ab")}), l)
	assert.ErrorIs(t, err, ErrWrite)
}

func TestJoiner_FromOffset(t *testing.T) {
	j := NewJoiner(Layout{Length: 5, ChunkSize: 2}, 1)
	require.NoError(t, j.Add(Piece{N: 1, Data: []byte("cd")}))
	require.NoError(t, j.Add(Piece{N: 2, Data: []byte("e")}))
	assert.NoError(t, j.Done())
	assert.Equal(t, int32(3), j.Next())
}
