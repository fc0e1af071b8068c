package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutIsContentAddressed(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	ctx := context.Background()

	ref1, err := s.Put(ctx, []byte("photo-bytes"), "image/jpeg")
	require.NoError(t, err)
	ref2, err := s.Put(ctx, []byte("photo-bytes"), "image/jpeg")
	require.NoError(t, err)

	require.Equal(t, ref1, ref2)
	require.Equal(t, 1, s.Len())

	ref3, err := s.Put(ctx, []byte("different"), "image/jpeg")
	require.NoError(t, err)
	require.NotEqual(t, ref1, ref3)
	require.Equal(t, 2, s.Len())
}

func TestPutRejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	_, err := s.Put(context.Background(), nil, "")
	require.Error(t, err)
}
