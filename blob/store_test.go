package blob

import (
	"crypto/sha1"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreBlob_RoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("hello, attachments")
	key, n, err := s.StoreBlob(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	want := sha1.Sum(data)
	assert.Equal(t, Key(want), key, "P5: SHA1(read(key)) == key")

	got, err := s.ReadBlob(key)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStoreBlob_Deduplicates(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("same content twice")
	key1, _, err := s.StoreBlob(data)
	require.NoError(t, err)
	key2, _, err := s.StoreBlob(data)
	require.NoError(t, err)

	assert.Equal(t, key1, key2)
	assert.Equal(t, s.PathFor(key1), s.PathFor(key2))
}

func TestOpenBlob_NotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.OpenBlob(Key{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriter_StreamedAppend(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	w, err := s.NewWriter()
	require.NoError(t, err)

	chunks := [][]byte{[]byte("abc"), []byte("def"), []byte("ghi")}
	for _, c := range chunks {
		_, err := w.Append(c)
		require.NoError(t, err)
	}
	require.NoError(t, w.Finish())
	require.NoError(t, w.Install())

	want := sha1.Sum([]byte("abcdefghi"))
	assert.Equal(t, Key(want), w.Key())
	assert.Equal(t, 9, w.Length())

	got, err := s.ReadBlob(w.Key())
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefghi"), got)
}

func TestWriter_CancelUnlinksTemp(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	w, err := s.NewWriter()
	require.NoError(t, err)
	_, err = w.Append([]byte("discarded"))
	require.NoError(t, err)
	tmpPath := w.tmpPath
	w.Cancel()

	_, statErr := os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriter_InstallRaceFirstWriterWins(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("racy content")

	w1, err := s.NewWriter()
	require.NoError(t, err)
	_, err = w1.Append(data)
	require.NoError(t, err)
	require.NoError(t, w1.Finish())

	w2, err := s.NewWriter()
	require.NoError(t, err)
	_, err = w2.Append(data)
	require.NoError(t, err)
	require.NoError(t, w2.Finish())

	// w1 installs first...
	require.NoError(t, w1.Install())
	// ...then w2 loses the race but must not error (spec.md §5: first
	// writer wins, same path either way).
	require.NoError(t, w2.Install())

	r, err := s.OpenBlob(w1.Key())
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPathFor_PureAndDeterministic(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	key := sha1.Sum([]byte("x"))
	assert.Equal(t, s.PathFor(Key(key)), s.PathFor(Key(key)))
}
