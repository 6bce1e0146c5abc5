package sink

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/emptyOVO/vecprep/vector"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBConfigDSN(t *testing.T) {
	dsn := DBConfig{User: "mr", Password: "p@ss", Database: "mail", Params: map[string]string{"timeout": "5s"}}.DSN()
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "mr", cfg.User)
	assert.Equal(t, "p@ss", cfg.Passwd)
	assert.Equal(t, "127.0.0.1:3306", cfg.Addr)
	assert.Equal(t, "mail", cfg.DBName)
	assert.Equal(t, "utf8mb4", cfg.Params["charset"])
	assert.Equal(t, "5s", cfg.Params["timeout"])
}

func TestQuoteIdentifier(t *testing.T) {
	q, err := quoteIdentifier("label_vectors")
	require.NoError(t, err)
	assert.Equal(t, "`label_vectors`", q)

	for _, bad := range []string{"", "1abc", "a-b", "a;drop table x"} {
		_, err := quoteIdentifier(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewMySQLFactoryRejectsBadTable(t *testing.T) {
	_, err := NewMySQLFactory(nil, MySQLConfig{Table: "x y"})
	assert.Error(t, err)
}

func TestMySQLFactoryReplaceAndBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	f, err := NewMySQLFactory(db, MySQLConfig{Table: "vectors", BatchSize: 2, Replace: true})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS `vectors`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE `vectors`")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, f.Prepare(context.Background()))

	v1 := vector.Marshal(vector.Vector{Name: "/spam/a/1", Size: 10, Entries: []vector.Entry{{Index: 1, Value: 1}, {Index: 4, Value: 2}}})
	v2 := vector.Marshal(vector.Vector{Name: "/spam/a/2", Size: 10})
	v3 := vector.Marshal(vector.Vector{Name: "/ham/b/1", Size: 10, Entries: []vector.Entry{{Index: 0, Value: 1}}})

	insert := regexp.QuoteMeta("INSERT INTO `vectors` (label, doc_name, nnz, vector) VALUES ")
	mock.ExpectExec(insert + regexp.QuoteMeta("(?, ?, ?, ?),(?, ?, ?, ?)")).
		WithArgs("spam", "/spam/a/1", int64(2), v1, "spam", "/spam/a/2", int64(0), v2).
		WillReturnResult(sqlmock.NewResult(2, 2))
	mock.ExpectExec(insert+regexp.QuoteMeta("(?, ?, ?, ?)")+"$").
		WithArgs("ham", "/ham/b/1", int64(1), v3).
		WillReturnResult(sqlmock.NewResult(3, 1))

	s, err := f.Open(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, s.Emit("spam", v1))
	require.NoError(t, s.Emit("spam", v2))
	require.NoError(t, s.Emit("ham", v3))
	require.NoError(t, s.Close())
	require.NoError(t, f.Close())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLSinkRejectsMalformedVector(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	f, err := NewMySQLFactory(db, MySQLConfig{})
	require.NoError(t, err)
	s, err := f.Open(context.Background(), 0)
	require.NoError(t, err)
	err = s.Emit("spam", []byte{0xff})
	assert.ErrorIs(t, err, vector.ErrMalformed)
	require.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLSinkRejectsOverlongFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	f, err := NewMySQLFactory(db, MySQLConfig{BatchSize: 10})
	require.NoError(t, err)
	s, err := f.Open(context.Background(), 0)
	require.NoError(t, err)

	ok := vector.Marshal(vector.Vector{Name: "/spam/a/1", Size: 1})
	err = s.Emit(strings.Repeat("l", maxLabelLen+1), ok)
	assert.ErrorIs(t, err, ErrTooLong)

	longDoc := vector.Marshal(vector.Vector{Name: "/" + strings.Repeat("d", maxDocNameLen), Size: 1})
	err = s.Emit("spam", longDoc)
	assert.ErrorIs(t, err, ErrTooLong)

	// multi-byte labels are measured in characters
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `label_vectors`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Emit(strings.Repeat("é", maxLabelLen), ok))
	require.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
