package gridfs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/models"
	"github.com/maneesh/labgridfs/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

// failingChunks rejects inserts of chunks at or after failAt
type failingChunks struct {
	gridfs.ChunkStore
	failAt      int32
	failDeletes bool
	countDelta  int64
}

func (s *failingChunks) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	if s.failAt >= 0 && chunk.N >= s.failAt {
		return errDiskFull
	}
	return s.ChunkStore.InsertChunk(ctx, chunk)
}

func (s *failingChunks) DeleteChunks(ctx context.Context, filesID string, from int32) (int64, error) {
	if s.failDeletes {
		return 0, errDiskFull
	}
	return s.ChunkStore.DeleteChunks(ctx, filesID, from)
}

func (s *failingChunks) CountChunks(ctx context.Context, filesID string) (int64, error) {
	n, err := s.ChunkStore.CountChunks(ctx, filesID)
	return n + s.countDelta, err
}

func failingBackend(m *storage.Memory, fc *failingChunks) gridfs.Backend {
	return gridfs.Backend{
		Files: m.FileStore,
		Chunks: func(name string, c gridfs.Concerns) gridfs.ChunkStore {
			fc.ChunkStore = m.ChunkStore(name, c)
			return fc
		},
	}
}

func TestUpload_ChunkStoreFailureLeavesNoFile(t *testing.T) {
	m := storage.NewMemory()
	b := newBucketOver(t, failingBackend(m, &failingChunks{failAt: 2}))
	ctx := context.Background()

	_, err := b.UploadFromStream(ctx, "big", bytes.NewReader(payload(5*testChunkSize)), &gridfs.UploadOptions{ID: "f1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, gridfs.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errDiskFull)

	_, err = b.FindByID(ctx, "f1")
	assert.ErrorIs(t, err, gridfs.ErrFileNotFound)
	assert.Zero(t, countChunks(t, m, "fs", "f1"), "chunks written before the failure are removed")
}

func TestUpload_CleanupFailureKeepsOriginalError(t *testing.T) {
	m := storage.NewMemory()
	b := newBucketOver(t, failingBackend(m, &failingChunks{failAt: 2, failDeletes: true}))
	ctx := context.Background()

	_, err := b.UploadFromStream(ctx, "big", bytes.NewReader(payload(5*testChunkSize)), &gridfs.UploadOptions{ID: "f1"})
	assert.ErrorIs(t, err, errDiskFull)

	_, err = b.FindByID(ctx, "f1")
	assert.ErrorIs(t, err, gridfs.ErrFileNotFound)
	// the orphans stay behind but are never visible as a file
	assert.Equal(t, int64(2), countChunks(t, m, "fs", "f1"))
}

func TestUpload_PipelinedFailure(t *testing.T) {
	m := storage.NewMemory()
	b := newBucketOver(t, failingBackend(m, &failingChunks{failAt: 3}), gridfs.WithMaxInFlight(4))
	ctx := context.Background()

	us, err := b.OpenUploadStream(ctx, "big", &gridfs.UploadOptions{ID: "f1"})
	require.NoError(t, err)

	var werr error
	for i := 0; i < 10 && werr == nil; i++ {
		_, werr = us.Write(payload(testChunkSize))
	}
	if werr == nil {
		werr = us.Close()
	}
	assert.ErrorIs(t, werr, errDiskFull)

	_, err = us.Write([]byte("x"))
	assert.ErrorIs(t, err, gridfs.ErrStreamClosed)
	assert.ErrorIs(t, us.Close(), gridfs.ErrStreamClosed)

	_, err = b.FindByID(ctx, "f1")
	assert.ErrorIs(t, err, gridfs.ErrFileNotFound)
	assert.Zero(t, countChunks(t, m, "fs", "f1"))
}

func TestUpload_SourceReadError(t *testing.T) {
	m := storage.NewMemory()
	b := newTestBucket(t, m)
	ctx := context.Background()

	src := io.MultiReader(bytes.NewReader(payload(3*testChunkSize)), iotest.ErrReader(errDiskFull))
	_, err := b.UploadFromStream(ctx, "a", src, &gridfs.UploadOptions{ID: "f1"})
	assert.ErrorIs(t, err, errDiskFull)

	_, err = b.FindByID(ctx, "f1")
	assert.ErrorIs(t, err, gridfs.ErrFileNotFound)
	assert.Zero(t, countChunks(t, m, "fs", "f1"))
}

func TestUpload_CanceledContext(t *testing.T) {
	b := newTestBucket(t, storage.NewMemory())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.UploadFromStream(ctx, "a", bytes.NewReader(payload(10)), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUploadStream_Abort(t *testing.T) {
	m := storage.NewMemory()
	b := newTestBucket(t, m)
	ctx := context.Background()

	us, err := b.OpenUploadStream(ctx, "a", &gridfs.UploadOptions{ID: "f1"})
	require.NoError(t, err)
	_, err = us.Write(payload(3 * testChunkSize))
	require.NoError(t, err)

	require.NoError(t, us.Abort())

	_, err = b.FindByID(ctx, "f1")
	assert.ErrorIs(t, err, gridfs.ErrFileNotFound)
	assert.Zero(t, countChunks(t, m, "fs", "f1"))

	_, err = us.Write([]byte("x"))
	assert.ErrorIs(t, err, gridfs.ErrStreamClosed)
	assert.ErrorIs(t, us.Close(), gridfs.ErrStreamClosed)
	assert.ErrorIs(t, us.Abort(), gridfs.ErrStreamClosed)
}

func TestUploadStream_UseAfterClose(t *testing.T) {
	b := newTestBucket(t, storage.NewMemory())

	us, err := b.OpenUploadStream(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = us.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, us.Close())

	assert.ErrorIs(t, us.Close(), gridfs.ErrStreamClosed)
	_, err = us.Write([]byte("x"))
	assert.ErrorIs(t, err, gridfs.ErrStreamClosed)
	assert.ErrorIs(t, us.Abort(), gridfs.ErrStreamClosed)
	assert.Equal(t, []byte("hello"), download(t, b, us.ID()))
}

func TestUpload_ChunkCountCheck(t *testing.T) {
	m := storage.NewMemory()
	b := newBucketOver(t, failingBackend(m, &failingChunks{failAt: -1, countDelta: 1}), gridfs.WithChunkCountCheck(true))
	ctx := context.Background()

	_, err := b.UploadFromStream(ctx, "a", bytes.NewReader(payload(10)), &gridfs.UploadOptions{ID: "f1"})
	assert.ErrorIs(t, err, gridfs.ErrCorruptFile)

	_, err = b.FindByID(ctx, "f1")
	assert.ErrorIs(t, err, gridfs.ErrFileNotFound)
}

func TestUpload_ConcurrentUploads(t *testing.T) {
	m := storage.NewMemory()
	b := newTestBucket(t, m, gridfs.WithMaxInFlight(4))
	ctx := context.Background()

	const uploads = 8
	ids := make([]string, uploads)
	var wg sync.WaitGroup
	for i := range uploads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(i)}, 50+i)
			id, err := b.UploadFromStream(ctx, fmt.Sprintf("file-%d", i), bytes.NewReader(data), nil)
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for i, id := range ids {
		require.NotEmpty(t, id)
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 50+i), download(t, b, id))
	}
}

func TestUpload_InterleavedStreams(t *testing.T) {
	b := newTestBucket(t, storage.NewMemory(), gridfs.WithMaxInFlight(2))
	ctx := context.Background()

	a, err := b.OpenUploadStream(ctx, "a", nil)
	require.NoError(t, err)
	c, err := b.OpenUploadStream(ctx, "c", nil)
	require.NoError(t, err)

	var wantA, wantC []byte
	for i := range 7 {
		pa := bytes.Repeat([]byte{'a'}, i+1)
		pc := bytes.Repeat([]byte{'c'}, 7-i)
		_, err := a.Write(pa)
		require.NoError(t, err)
		_, err = c.Write(pc)
		require.NoError(t, err)
		wantA = append(wantA, pa...)
		wantC = append(wantC, pc...)
	}
	require.NoError(t, c.Close())
	require.NoError(t, a.Close())

	assert.NotEqual(t, a.ID(), c.ID())
	assert.Equal(t, wantA, download(t, b, a.ID()))
	assert.Equal(t, wantC, download(t, b, c.ID()))
}
