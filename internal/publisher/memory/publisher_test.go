package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "phases", map[string]string{"phase": "fetch"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "phases", msgs[0].Topic)
	require.Equal(t, id2, msgs[1].ID)

	only := pub.Messages("other")
	require.Len(t, only, 1)
	require.Equal(t, "payload", only[0].Payload)

	msgs[0].Topic = "modified"
	require.Equal(t, "phases", pub.Messages()[0].Topic, "Messages returns a copy")
}
