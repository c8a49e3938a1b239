package provision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgres(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	require.NoError(t, r.Register("docker", ScopeSession, DockerFixture(DockerNamePrefix("goprovision"))))
	require.NoError(t, r.Register("postgres", ScopeSession, PostgresFixture("docker")))
	defer r.Close(ctx)

	p := r.MustResolve(ctx, "postgres").(*Postgres)
	assert.NoError(t, p.Ping(ctx))
}

func TestPostgresWithSchema(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	require.NoError(t, r.Register("docker", ScopeSession, DockerFixture(DockerNamePrefix("goprovision"))))
	require.NoError(t, r.Register("postgres", ScopeSession, PostgresFixture("docker", PostgresSchemaGlob("./testdata/migrations/*.sql"))))
	defer r.Close(ctx)

	p := r.MustResolve(ctx, "postgres").(*Postgres)

	tables, err := p.GetTables(ctx, "")
	require.NoError(t, err)
	assert.Len(t, tables, 2) // migrations define two tables

	exists, err := p.TableExists(ctx, "", "public", "parts")
	require.NoError(t, err)
	assert.True(t, exists)

	cols, err := p.GetTableColumns(ctx, "", "public", "parts")
	require.NoError(t, err)
	assert.Contains(t, cols, "name")
}
