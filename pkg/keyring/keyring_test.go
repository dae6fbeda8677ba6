package keyring

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyringRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	m := NewManager(BackendFile, path, "master")

	require.NoError(t, m.Set("svc", "user", "s3cret"))

	got, err := m.Get("svc", "user")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	// A second keyring with the same password reads the same file
	other := NewFileKeyring(path, "master")
	got, err = other.Get("svc", "user")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	require.NoError(t, m.Delete("svc", "user"))
	_, err = m.Get("svc", "user")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileKeyringWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	require.NoError(t, NewFileKeyring(path, "right").Set("svc", "user", "value"))

	_, err := NewFileKeyring(path, "wrong").Get("svc", "user")
	assert.Error(t, err)
}
