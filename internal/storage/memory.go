package storage

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/models"
)

// Memory is an in-process document store. It keeps the same guarantees the
// networked stores give: unique file ids, unique (files_id, n) chunk keys and
// chunks returned in index order.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	files  []*models.File
	chunks map[string][]*models.Chunk
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*memoryBucket)}
}

// Backend returns a backend keeping both collections in this store
func (m *Memory) Backend() gridfs.Backend {
	return gridfs.Backend{Files: m.FileStore, Chunks: m.ChunkStore}
}

// FileStore returns the files collection of a bucket. Concerns do not apply.
func (m *Memory) FileStore(bucket string, _ gridfs.Concerns) gridfs.FileStore {
	return &memoryFiles{m: m, bucket: bucket}
}

// ChunkStore returns the chunks collection of a bucket. Concerns do not apply.
func (m *Memory) ChunkStore(bucket string, _ gridfs.Concerns) gridfs.ChunkStore {
	return &memoryChunks{m: m, bucket: bucket}
}

// get returns the bucket, creating it when create is set. Callers hold m.mu.
func (m *Memory) get(bucket string, create bool) *memoryBucket {
	mb, ok := m.buckets[bucket]
	if !ok && create {
		mb = &memoryBucket{chunks: make(map[string][]*models.Chunk)}
		m.buckets[bucket] = mb
	}
	return mb
}

type memoryFiles struct {
	m      *Memory
	bucket string
}

func cloneFile(f *models.File) *models.File {
	c := *f
	if f.Metadata != nil {
		c.Metadata = maps.Clone(f.Metadata)
	}
	return &c
}

func (s *memoryFiles) InsertFile(ctx context.Context, file *models.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	mb := s.m.get(s.bucket, true)
	for _, f := range mb.files {
		if f.ID == file.ID {
			return fmt.Errorf("files %q: %w", file.ID, gridfs.ErrDuplicateKey)
		}
	}
	mb.files = append(mb.files, cloneFile(file))
	return nil
}

func (s *memoryFiles) FindFiles(ctx context.Context, filter gridfs.Filter, opts gridfs.FindOptions) (gridfs.Cursor[*models.File], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	s.m.mu.RLock()
	var matched []*models.File
	if mb := s.m.get(s.bucket, false); mb != nil {
		for _, f := range mb.files {
			if filter.Matches(f) {
				matched = append(matched, cloneFile(f))
			}
		}
	}
	s.m.mu.RUnlock()

	gridfs.SortFiles(matched, opts.Sort)
	return gridfs.NewSliceCursor(gridfs.Page(matched, opts.Skip, opts.Limit)), nil
}

func (s *memoryFiles) UpdateFilename(ctx context.Context, id, filename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if mb := s.m.get(s.bucket, false); mb != nil {
		for _, f := range mb.files {
			if f.ID == id {
				f.Filename = filename
				return nil
			}
		}
	}
	return fmt.Errorf("files %q: %w", id, gridfs.ErrFileNotFound)
}

func (s *memoryFiles) DeleteFile(ctx context.Context, id string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	mb := s.m.get(s.bucket, false)
	if mb == nil {
		return 0, nil
	}
	before := len(mb.files)
	mb.files = slices.DeleteFunc(mb.files, func(f *models.File) bool { return f.ID == id })
	return int64(before - len(mb.files)), nil
}

func (s *memoryFiles) DropFiles(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if mb := s.m.get(s.bucket, false); mb != nil {
		mb.files = nil
	}
	return nil
}

type memoryChunks struct {
	m      *Memory
	bucket string
}

func cloneChunk(c *models.Chunk) *models.Chunk {
	out := *c
	out.Data = slices.Clone(c.Data)
	return &out
}

func (s *memoryChunks) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	mb := s.m.get(s.bucket, true)
	list := mb.chunks[chunk.FilesID]
	i, found := slices.BinarySearchFunc(list, chunk.N, func(c *models.Chunk, n int32) int {
		return cmp.Compare(c.N, n)
	})
	if found {
		return fmt.Errorf("chunk %q/%d: %w", chunk.FilesID, chunk.N, gridfs.ErrDuplicateKey)
	}
	mb.chunks[chunk.FilesID] = slices.Insert(list, i, cloneChunk(chunk))
	return nil
}

func (s *memoryChunks) ReadChunks(ctx context.Context, filesID string, from int32) (gridfs.Cursor[*models.Chunk], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	var out []*models.Chunk
	if mb := s.m.get(s.bucket, false); mb != nil {
		for _, c := range mb.chunks[filesID] {
			if c.N >= from {
				out = append(out, cloneChunk(c))
			}
		}
	}
	return gridfs.NewSliceCursor(out), nil
}

func (s *memoryChunks) DeleteChunks(ctx context.Context, filesID string, from int32) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	mb := s.m.get(s.bucket, false)
	if mb == nil {
		return 0, nil
	}
	list := mb.chunks[filesID]
	keep, _ := slices.BinarySearchFunc(list, from, func(c *models.Chunk, n int32) int {
		return cmp.Compare(c.N, n)
	})
	removed := len(list) - keep
	if keep == 0 {
		delete(mb.chunks, filesID)
	} else {
		mb.chunks[filesID] = slices.Clip(list[:keep])
	}
	return int64(removed), nil
}

func (s *memoryChunks) CountChunks(ctx context.Context, filesID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()

	if mb := s.m.get(s.bucket, false); mb != nil {
		return int64(len(mb.chunks[filesID])), nil
	}
	return 0, nil
}

func (s *memoryChunks) DropChunks(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	if mb := s.m.get(s.bucket, false); mb != nil {
		clear(mb.chunks)
	}
	return nil
}
