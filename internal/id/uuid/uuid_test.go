package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	parsed, err := goUUID.Parse(first)
	require.NoError(t, err)
	assert.Equal(t, goUUID.Version(7), parsed.Version())
	assert.LessOrEqual(t, first, second, "v7 ids sort by creation time")
}
