package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id, err := pub.Publish(ctx, "artifacts", map[string]string{"item_id": "a"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)
	id, err = pub.Publish(ctx, "artifacts", "b")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	msgs[0].Topic = "changed"
	assert.Equal(t, "artifacts", pub.Messages()[0].Topic, "Messages returns a copy")

	pub.FailWith(errors.New("down"))
	_, err = pub.Publish(ctx, "artifacts", "c")
	require.Error(t, err)
	assert.Len(t, pub.Messages(), 2)
	require.NoError(t, pub.Close())
}
