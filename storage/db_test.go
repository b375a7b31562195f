package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("journal:b"), []byte("2")))
	require.NoError(t, db.Put([]byte("journal:a"), []byte("1")))
	require.NoError(t, db.Put([]byte("other:a"), []byte("x")))

	value, err := db.Get([]byte("journal:a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)

	keys, err := db.Keys([]byte("journal:"))
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("journal:a"), []byte("journal:b")}, keys)

	require.NoError(t, db.Delete([]byte("journal:a")))
	require.NoError(t, db.Delete([]byte("journal:a")))
	_, err = db.Get([]byte("journal:a"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}
