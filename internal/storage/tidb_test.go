package storage

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/maneesh/labgridfs/internal/gridfs"
	"github.com/maneesh/labgridfs/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTiDBWithMock(t *testing.T) (*TiDBClient, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewTiDBClientFromDB(db), mock, db
}

func TestBuildFileQuery(t *testing.T) {
	tests := []struct {
		name     string
		filter   gridfs.Filter
		opts     gridfs.FindOptions
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "no filter",
			wantSQL: "SELECT id, filename, length, chunk_size, upload_date, metadata FROM `fs_files`",
		},
		{
			name:   "revision lookup",
			filter: gridfs.Filter{gridfs.FieldFilename: "x.txt"},
			opts: gridfs.FindOptions{
				Sort:  []gridfs.SortField{{Key: gridfs.FieldUploadDate, Desc: true}},
				Skip:  2,
				Limit: 1,
			},
			wantSQL:  "SELECT id, filename, length, chunk_size, upload_date, metadata FROM `fs_files` WHERE filename = ? ORDER BY upload_date DESC LIMIT 1 OFFSET 2",
			wantArgs: []any{"x.txt"},
		},
		{
			name:   "metadata filter",
			filter: gridfs.Filter{"metadata.owner": "alice", gridfs.FieldLength: 10},
			opts: gridfs.FindOptions{
				Sort: []gridfs.SortField{{Key: "metadata.rank"}, {Key: gridfs.FieldID}},
			},
			wantSQL:  "SELECT id, filename, length, chunk_size, upload_date, metadata FROM `fs_files` WHERE length = ? AND JSON_EXTRACT(metadata, '$.owner') = CAST(? AS JSON) ORDER BY JSON_EXTRACT(metadata, '$.rank') ASC, id ASC",
			wantArgs: []any{10, `"alice"`},
		},
		{
			name:    "skip without limit",
			opts:    gridfs.FindOptions{Skip: 3},
			wantSQL: "SELECT id, filename, length, chunk_size, upload_date, metadata FROM `fs_files` LIMIT 18446744073709551615 OFFSET 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := buildFileQuery(filesTable("fs"), tt.filter, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, query)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildFileQuery_Invalid(t *testing.T) {
	_, _, err := buildFileQuery(filesTable("fs"), gridfs.Filter{"metadata.a;drop": 1}, gridfs.FindOptions{})
	assert.ErrorIs(t, err, gridfs.ErrInvalidArgument)

	_, _, err = buildFileQuery(filesTable("fs"), nil, gridfs.FindOptions{Limit: -1})
	assert.ErrorIs(t, err, gridfs.ErrInvalidArgument)
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "`fs_files`", filesTable("fs"))
	assert.Equal(t, "`odd``name_chunks`", chunksTable("odd`name"))
}

func TestTiDBFiles_InsertDuplicate(t *testing.T) {
	client, mock, db := newTiDBWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+` + "`fs_files`").
		WithArgs("a", "x.txt", int64(3), int32(4), sqlmock.AnyArg(), `{"k":"v"}`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'a' for key 'PRIMARY'"})

	err := client.FileStore("fs", gridfs.Concerns{}).InsertFile(context.Background(), &models.File{
		ID:         "a",
		Filename:   "x.txt",
		Length:     3,
		ChunkSize:  4,
		UploadDate: time.Now(),
		Metadata:   map[string]any{"k": "v"},
	})
	assert.ErrorIs(t, err, gridfs.ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDBFiles_FindScansRows(t *testing.T) {
	client, mock, db := newTiDBWithMock(t)
	defer db.Close()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "filename", "length", "chunk_size", "upload_date", "metadata"}).
		AddRow("a", "x.txt", int64(10), int64(4), at, []byte(`{"owner":"alice"}`)).
		AddRow("b", "x.txt", int64(0), int64(4), at.Add(time.Second), nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, filename, length, chunk_size, upload_date, metadata FROM `fs_files` WHERE filename = ?")).
		WithArgs("x.txt").
		WillReturnRows(rows)

	ctx := context.Background()
	cur, err := client.FileStore("fs", gridfs.Concerns{}).FindFiles(ctx, gridfs.Filter{gridfs.FieldFilename: "x.txt"}, gridfs.FindOptions{})
	require.NoError(t, err)

	got, err := gridfs.All(ctx, cur)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10), got[0].Length)
	assert.Equal(t, int32(4), got[0].ChunkSize)
	assert.Equal(t, "alice", got[0].Metadata["owner"])
	assert.True(t, at.Equal(got[0].UploadDate))
	assert.Nil(t, got[1].Metadata)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDBFiles_UpdateFilename(t *testing.T) {
	client, mock, db := newTiDBWithMock(t)
	defer db.Close()
	files := client.FileStore("fs", gridfs.Concerns{})
	ctx := context.Background()

	update := regexp.QuoteMeta("UPDATE `fs_files` SET filename = ? WHERE id = ?")
	count := regexp.QuoteMeta("SELECT COUNT(*) FROM `fs_files` WHERE id = ?")

	mock.ExpectExec(update).WithArgs("new", "a").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, files.UpdateFilename(ctx, "a", "new"))

	// same name: no rows change but the record exists
	mock.ExpectExec(update).WithArgs("new", "a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(count).WithArgs("a").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	require.NoError(t, files.UpdateFilename(ctx, "a", "new"))

	mock.ExpectExec(update).WithArgs("new", "missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(count).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	assert.ErrorIs(t, files.UpdateFilename(ctx, "missing", "new"), gridfs.ErrFileNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDBFiles_DeleteFile(t *testing.T) {
	client, mock, db := newTiDBWithMock(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `fs_files` WHERE id = ?")).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := client.FileStore("fs", gridfs.Concerns{}).DeleteFile(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDBChunks_ReadChunks(t *testing.T) {
	client, mock, db := newTiDBWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "files_id", "n", "data"}).
		AddRow("c1", "f", int64(1), []byte("bb")).
		AddRow("c2", "f", int64(2), []byte("c"))

	mock.ExpectQuery(`(?s)^SELECT id, files_id, n, data\s+FROM ` + "`fs_chunks`" + `\s+WHERE files_id = \? AND n >= \?\s+ORDER BY n ASC$`).
		WithArgs("f", int32(1)).
		WillReturnRows(rows)

	ctx := context.Background()
	cur, err := client.ChunkStore("fs", gridfs.Concerns{}).ReadChunks(ctx, "f", 1)
	require.NoError(t, err)

	first, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), first.N)
	assert.Equal(t, []byte("bb"), first.Data)

	second, err := cur.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), second.N)

	_, err = cur.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, cur.Close(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDBChunks_InsertAndDelete(t *testing.T) {
	client, mock, db := newTiDBWithMock(t)
	defer db.Close()
	chunks := client.ChunkStore("fs", gridfs.Concerns{})
	ctx := context.Background()

	insert := regexp.QuoteMeta("INSERT INTO `fs_chunks` (id, files_id, n, data) VALUES (?, ?, ?, ?)")
	mock.ExpectExec(insert).WithArgs("c0", "f", int32(0), []byte("abc")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).WithArgs("c1", "f", int32(0), []byte("abc")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'f-0'"})
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `fs_chunks` WHERE files_id = ? AND n >= ?")).
		WithArgs("f", int32(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, chunks.InsertChunk(ctx, &models.Chunk{ID: "c0", FilesID: "f", N: 0, Data: []byte("abc")}))
	err := chunks.InsertChunk(ctx, &models.Chunk{ID: "c1", FilesID: "f", N: 0, Data: []byte("abc")})
	assert.ErrorIs(t, err, gridfs.ErrDuplicateKey)

	n, err := chunks.DeleteChunks(ctx, "f", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDBChunks_QueryErrorIsPassedThrough(t *testing.T) {
	client, mock, db := newTiDBWithMock(t)
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ` + "`fs_chunks`").WithArgs("f").WillReturnError(boom)

	_, err := client.ChunkStore("fs", gridfs.Concerns{}).CountChunks(context.Background(), "f")
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTiDBChunks_DeleteFromIndex(t *testing.T) {
	client, mock, db := newTiDBWithMock(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `fs_chunks` WHERE files_id = ? AND n >= ?")).
		WithArgs("f", int32(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := client.ChunkStore("fs", gridfs.Concerns{}).DeleteChunks(context.Background(), "f", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewTiDBClient_InvalidDSN(t *testing.T) {
	_, err := NewTiDBClient(context.Background(), "no-slash-in-this-dsn")
	assert.ErrorContains(t, err, "invalid TiDB DSN")
}
