package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	t.Run("host and port", func(t *testing.T) {
		client := Connect(context.Background(), mr.Addr())
		require.NotNil(t, client)
		defer func() { _ = client.Close() }()
		assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	})

	t.Run("url", func(t *testing.T) {
		client := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
		require.NotNil(t, client)
		_ = client.Close()
	})

	t.Run("empty address disables redis", func(t *testing.T) {
		assert.Nil(t, Connect(context.Background(), ""))
	})

	t.Run("invalid url", func(t *testing.T) {
		assert.Nil(t, Connect(context.Background(), "redis://%zz"))
	})
}
