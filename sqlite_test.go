package provision

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLite(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, r.Register("db", ScopeSuite, SQLiteFixture(SQLitePath(path))))

	f := r.MustResolve(ctx, "db").(*SQLite)
	assert.Equal(t, path, f.Path())

	_, err := f.DB().ExecContext(ctx, "CREATE TABLE example (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)
	_, err = f.DB().ExecContext(ctx, "INSERT INTO example (name) VALUES (?)", "foobar")
	require.NoError(t, err)

	// Resolving again within the suite must hand back the same database.
	again := r.MustResolve(ctx, "db").(*SQLite)
	assert.Same(t, f, again)
	assert.Same(t, f, r.SQLite())

	count := 0
	require.NoError(t, f.DB().QueryRowContext(ctx, "SELECT count(*) FROM example").Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, r.EndSuite(ctx))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSQLiteDefaultPath(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	require.NoError(t, r.Register("db", ScopeTest, SQLiteFixture()))

	f := r.MustResolve(ctx, "db").(*SQLite)
	assert.NotEmpty(t, f.Path())
	assert.NoError(t, f.DB().PingContext(ctx))
	require.NoError(t, r.EndTest(ctx))
}
