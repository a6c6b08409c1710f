package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	p := NewWithClient(nil)
	_, err := p.Publish(context.Background(), "artifacts", map[string]string{"a": "b"})
	require.Error(t, err)
	require.NoError(t, p.Close())

	_, err = New(context.Background(), "")
	require.Error(t, err)
}

func TestAttributeCarrier(t *testing.T) {
	t.Parallel()

	c := attributeCarrier{}
	c.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
