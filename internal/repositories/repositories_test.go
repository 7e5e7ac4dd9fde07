package repositories

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"vaulted/internal/db"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	database, err := db.Connect(db.DriverSQLite, filepath.Join(t.TempDir(), "vaulted.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func seedUsers(t *testing.T, database *sqlx.DB, ids ...string) {
	t.Helper()
	users := NewUserRepo(database)
	for _, id := range ids {
		_, err := users.CreateUser(context.Background(), id, id+"@example.com", "")
		require.NoError(t, err)
	}
}
