package capture_test

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/twin-recorder-go/pkg/capture"
)

func TestNewBlobConcatenatesChunks(t *testing.T) {
	blob := capture.NewBlob([][]byte{[]byte("ab"), nil, []byte("cd")}, "audio/ogg")
	assert.Equal(t, 4, blob.Size())
	assert.Equal(t, "audio/ogg", blob.Type())

	data, err := io.ReadAll(blob.Reader())
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(data))

	// Bytes hands out a copy.
	b := blob.Bytes()
	b[0] = 'z'
	assert.Equal(t, "abcd", string(blob.Bytes()))
}

func TestBlobStoreRevokesExactlyOnce(t *testing.T) {
	store := capture.NewBlobStore()
	blob := capture.NewBlob([][]byte{[]byte("x")}, "audio/webm")

	url := store.CreateObjectURL(blob)
	assert.True(t, strings.HasPrefix(url, "blob:"))
	assert.Equal(t, 1, store.Len())

	got, ok := store.Resolve(url)
	require.True(t, ok)
	assert.Same(t, blob, got)

	require.NoError(t, store.RevokeObjectURL(url))
	assert.Error(t, store.RevokeObjectURL(url))
	_, ok = store.Resolve(url)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestBlobStoreURLsAreUnique(t *testing.T) {
	store := capture.NewBlobStore()
	blob := capture.NewBlob([][]byte{[]byte("x")}, "audio/webm")
	assert.NotEqual(t, store.CreateObjectURL(blob), store.CreateObjectURL(blob))
	assert.Equal(t, 2, store.Len())
}
