package gcs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix, path, want string
	}{
		{prefix: "", path: "a.mp3", want: "a.mp3"},
		{prefix: "audio", path: "a.mp3", want: "audio/a.mp3"},
		{prefix: "audio", path: "/run/a.mp3", want: "audio/run/a.mp3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, objectName(tt.prefix, tt.path))
	}
}
