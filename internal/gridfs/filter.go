package gridfs

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/maneesh/labgridfs/internal/models"
)

// Field names of the persisted files layout
const (
	FieldID         = "_id"
	FieldFilename   = "filename"
	FieldLength     = "length"
	FieldChunkSize  = "chunkSize"
	FieldUploadDate = "uploadDate"
	FieldMetadata   = "metadata"
)

var metadataKeyRe = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)

// Filter is an equality document over file fields. Keys use the persisted
// layout names; custom metadata is addressed as "metadata.<key>".
type Filter map[string]any

// SortField orders results by one field
type SortField struct {
	Key  string
	Desc bool
}

// FindOptions controls ordering and paging of a find
type FindOptions struct {
	Sort  []SortField
	Skip  int64
	Limit int64
}

// MetadataPath returns the key below "metadata." and whether key addresses metadata
func MetadataPath(key string) (string, bool) {
	path, ok := strings.CutPrefix(key, FieldMetadata+".")
	return path, ok
}

// ValidateKey checks that key names a filterable or sortable field
func ValidateKey(key string) error {
	switch key {
	case FieldID, FieldFilename, FieldLength, FieldChunkSize, FieldUploadDate:
		return nil
	}
	if path, ok := MetadataPath(key); ok && metadataKeyRe.MatchString(path) {
		return nil
	}
	return fmt.Errorf("%w: unknown field %q", ErrInvalidArgument, key)
}

// Validate checks every key of the filter
func (f Filter) Validate() error {
	for key := range f {
		if err := ValidateKey(key); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks sort keys and paging values
func (o FindOptions) Validate() error {
	for _, s := range o.Sort {
		if err := ValidateKey(s.Key); err != nil {
			return err
		}
	}
	if o.Skip < 0 || o.Limit < 0 {
		return fmt.Errorf("%w: negative skip or limit", ErrInvalidArgument)
	}
	return nil
}

// FieldValue extracts a field of a file record by its persisted name
func FieldValue(file *models.File, key string) (any, bool) {
	switch key {
	case FieldID:
		return file.ID, true
	case FieldFilename:
		return file.Filename, true
	case FieldLength:
		return file.Length, true
	case FieldChunkSize:
		return file.ChunkSize, true
	case FieldUploadDate:
		return file.UploadDate, true
	}

	path, ok := MetadataPath(key)
	if !ok {
		return nil, false
	}
	var cur any = file.Metadata
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Matches reports whether file satisfies every condition of the filter
func (f Filter) Matches(file *models.File) bool {
	for key, want := range f {
		got, ok := FieldValue(file, key)
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// SortFiles orders files in place. Ties keep their existing order.
func SortFiles(files []*models.File, fields []SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(files, func(i, j int) bool {
		for _, s := range fields {
			a, _ := FieldValue(files[i], s.Key)
			b, _ := FieldValue(files[j], s.Key)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Page applies skip and limit to an already sorted slice
func Page[T any](items []T, skip, limit int64) []T {
	if skip >= int64(len(items)) {
		return nil
	}
	items = items[skip:]
	if limit > 0 && limit < int64(len(items)) {
		items = items[:limit]
	}
	return items
}

func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders numbers, strings and times; mismatched or unknown
// types compare equal.
func compareValues(a, b any) int {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
