package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (?, ?)"
	assert.Equal(t, "INSERT INTO t (a, b) VALUES ($1, $2)", Postgres.Rebind(q))
	assert.Equal(t, q, SQLite.Rebind(q))
}

func TestOpenSQLiteAppliesMigrationsTwice(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "campaign.db")

	d, err := Open(ctx, "sqlite", path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, d.Migrate(ctx, zap.NewNop()))

	var n int
	require.NoError(t, d.SQL.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_checkpoints`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, d.Close())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x", zap.NewNop())
	require.Error(t, err)
}
