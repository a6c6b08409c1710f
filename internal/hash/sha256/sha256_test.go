package sha256

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloWorld = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherDigests(t *testing.T) {
	t.Parallel()

	h := New()
	assert.Equal(t, helloWorld, h.Hash([]byte("hello world")))
	assert.Equal(t, helloWorld, h.HashString("hello world"))

	sum, n, err := h.HashReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, helloWorld, sum)
	assert.EqualValues(t, 11, n)
}

func TestHasherHashFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.mp3")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	h := New()
	sum, n, err := h.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, helloWorld, sum)
	assert.EqualValues(t, 11, n)

	_, _, err = h.HashFile(path + ".missing")
	require.Error(t, err)
}
