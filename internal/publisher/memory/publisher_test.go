package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "document.created", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "crawl.succeeded", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "document.created", msgs[0].Event)

	msgs[0].Event = "modified"
	require.Equal(t, "document.created", pub.Messages()[0].Event)
	require.Equal(t, []any{"payload"}, pub.Events("crawl.succeeded"))
	require.Empty(t, pub.Events("missing"))
}
