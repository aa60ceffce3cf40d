package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseBackend(t *testing.T, db Database) {
	t.Helper()
	defer db.Close()

	_, err := db.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	got, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), got)

	require.NoError(t, db.Apply([]Write{
		{Key: []byte("a"), Delete: true},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	}))
	_, err = db.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)
	got, err = db.Get([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), got)

	require.NoError(t, db.Delete([]byte("b")))
	_, err = db.Get([]byte("b"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDB(t *testing.T) {
	exerciseBackend(t, NewMemDB())
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "level"))
	require.NoError(t, err)
	exerciseBackend(t, db)
}

func TestBoltDB(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "clone.db"), nil)
	require.NoError(t, err)
	exerciseBackend(t, db)
}

func TestOpenBackends(t *testing.T) {
	db, err := Open("memory", "")
	require.NoError(t, err)
	require.IsType(t, &MemDB{}, db)

	_, err = Open("leveldb", "")
	require.Error(t, err)

	_, err = Open("rocks", "/tmp/x")
	require.Error(t, err)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'z'
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}
