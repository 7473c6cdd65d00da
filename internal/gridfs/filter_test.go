package gridfs_test

import (
	"testing"
	"time"

	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"_id", "filename", "length", "chunkSize", "uploadDate", "metadata.owner", "metadata.a.b_2"} {
		assert.NoError(t, gridfs.ValidateKey(key), key)
	}
	for _, key := range []string{"", "data", "metadata", "metadata.", "metadata.a..b", "metadata.a;drop", "files_id"} {
		assert.ErrorIs(t, gridfs.ValidateKey(key), gridfs.ErrInvalidArgument, key)
	}
}

func TestFindOptions_Validate(t *testing.T) {
	assert.NoError(t, gridfs.FindOptions{Sort: []gridfs.SortField{{Key: "length"}}, Skip: 1, Limit: 2}.Validate())
	assert.ErrorIs(t, gridfs.FindOptions{Skip: -1}.Validate(), gridfs.ErrInvalidArgument)
	assert.ErrorIs(t, gridfs.FindOptions{Limit: -1}.Validate(), gridfs.ErrInvalidArgument)
	assert.ErrorIs(t, gridfs.FindOptions{Sort: []gridfs.SortField{{Key: "bogus"}}}.Validate(), gridfs.ErrInvalidArgument)
}

func TestFilter_Matches(t *testing.T) {
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	file := &models.File{
		ID:         "a",
		Filename:   "report.pdf",
		Length:     10,
		ChunkSize:  4,
		UploadDate: day,
		Metadata: map[string]any{
			"owner": "ops",
			"size":  float64(3),
			"tags":  map[string]any{"team": "storage"},
		},
	}

	tests := []struct {
		name   string
		filter gridfs.Filter
		want   bool
	}{
		{"empty", gridfs.Filter{}, true},
		{"by id", gridfs.Filter{"_id": "a"}, true},
		{"length across int types", gridfs.Filter{"length": 10}, true},
		{"chunk size mismatch", gridfs.Filter{"chunkSize": int64(5)}, false},
		{"upload date in other zone", gridfs.Filter{"uploadDate": day.In(time.FixedZone("x", 3600))}, true},
		{"metadata number", gridfs.Filter{"metadata.size": 3}, true},
		{"nested metadata", gridfs.Filter{"metadata.tags.team": "storage"}, true},
		{"missing metadata key", gridfs.Filter{"metadata.region": "eu"}, false},
		{"every condition", gridfs.Filter{"filename": "report.pdf", "metadata.owner": "dev"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(file))
		})
	}
}

func TestSortFiles(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	files := []*models.File{
		{ID: "c", Filename: "b", Length: 1, UploadDate: base.Add(3 * time.Second)},
		{ID: "a", Filename: "a", Length: 2, UploadDate: base.Add(1 * time.Second)},
		{ID: "b", Filename: "b", Length: 2, UploadDate: base.Add(2 * time.Second)},
	}
	ids := func() []string {
		var out []string
		for _, f := range files {
			out = append(out, f.ID)
		}
		return out
	}

	gridfs.SortFiles(files, []gridfs.SortField{{Key: "uploadDate"}})
	assert.Equal(t, []string{"a", "b", "c"}, ids())

	gridfs.SortFiles(files, []gridfs.SortField{{Key: "length", Desc: true}, {Key: "filename"}})
	assert.Equal(t, []string{"a", "b", "c"}, ids())

	gridfs.SortFiles(files, []gridfs.SortField{{Key: "filename", Desc: true}})
	assert.Equal(t, []string{"b", "c", "a"}, ids())
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, gridfs.Page(items, 0, 0))
	assert.Equal(t, []int{3, 4}, gridfs.Page(items, 2, 2))
	assert.Equal(t, []int{5}, gridfs.Page(items, 4, 10))
	assert.Nil(t, gridfs.Page(items, 5, 0))
}

func TestFieldValue(t *testing.T) {
	file := &models.File{ID: "x", Metadata: map[string]any{"a": map[string]any{"b": 1}}}

	v, ok := gridfs.FieldValue(file, "metadata.a.b")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = gridfs.FieldValue(file, "metadata.a.b.c")
	assert.False(t, ok)
	_, ok = gridfs.FieldValue(file, "data")
	assert.False(t, ok)
}
