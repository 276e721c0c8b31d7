package customhttp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_TruncatesAtZeroOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(path, []byte("old content that is long"), 0o644))

	s, err := openFileSink(path, 0)
	require.NoError(t, err)
	_, err = s.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	assert.Equal(t, int64(3), s.written)
}

func TestFileSink_ResumesAtOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	s, err := openFileSink(path, 4)
	require.NoError(t, err)
	_, err = s.Write([]byte("ab"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0123ab6789", string(got))
}

func TestFileSink_Errors(t *testing.T) {
	_, err := openFileSink(filepath.Join(t.TempDir(), "no", "such", "dir"), 0)
	assert.ErrorIs(t, err, ErrIO)

	_, err = openFileSink(filepath.Join(t.TempDir(), "x"), -1)
	assert.ErrorIs(t, err, ErrConfiguration)
}
