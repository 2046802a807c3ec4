package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iris-measurement/iris/internal/database"
)

// NewTestDatabase opens a registry database in a temporary directory and
// closes it when the test finishes.
func NewTestDatabase(t *testing.T) *database.Database {
	t.Helper()

	db, err := database.New(t.TempDir(), "iris-test", NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
