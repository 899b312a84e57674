package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutAndExists(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	ok, err := store.Exists(ctx, "artists/inkbyjo/a.jpg")
	require.NoError(t, err)
	require.False(t, ok)

	payload := []byte("jpeg")
	uri, err := store.PutObject(ctx, "artists/inkbyjo/a.jpg", "image/jpeg", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://artists/inkbyjo/a.jpg", uri)

	payload[0] = 'J'
	obj, found := store.Object("artists/inkbyjo/a.jpg")
	require.True(t, found)
	require.Equal(t, "jpeg", string(obj.Data))
	require.Equal(t, "image/jpeg", obj.ContentType)

	ok, err = store.Exists(ctx, "artists/inkbyjo/a.jpg")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, store.Len())
}
