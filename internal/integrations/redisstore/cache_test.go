package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_MissThenHit(t *testing.T) {
	rdb := newFakeRedis()
	c, err := NewCache(rdb, "")
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "k1", []byte(`{"text":"hi"}`), 5*time.Minute))
	require.Equal(t, 5*time.Minute, rdb.ttl["care:gen:k1"])

	got, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"text":"hi"}`, string(got))
}

func TestCache_Errors(t *testing.T) {
	rdb := newFakeRedis()
	rdb.err = errors.New("connection refused")
	c, err := NewCache(rdb, "x:")
	require.NoError(t, err)

	_, ok, err := c.Get(context.Background(), "k")
	require.False(t, ok)
	require.ErrorContains(t, err, "connection refused")
	require.ErrorContains(t, c.Set(context.Background(), "k", []byte("v"), time.Second), "cache set")
}

func TestNewCache_NilClient(t *testing.T) {
	_, err := NewCache(nil, "")
	require.Error(t, err)
}
