package natsclient

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/kidhasmoxy/otto-engine/errors"
)

func TestNewClient(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, oerrors.ErrMissingConfig)

	c, err := NewClient("nats://localhost:4222", WithName("test"))
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, "test", c.name)
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close())
}

func TestKeyValue_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.KeyValue(context.Background(), jetstream.KeyValueConfig{Bucket: "rules"})
	assert.ErrorIs(t, err, oerrors.ErrNotConnected)
	assert.True(t, oerrors.IsTransient(err))
}

func TestIsKVNotFoundError(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(fmt.Errorf("get: %w", jetstream.ErrKeyNotFound)))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyDeleted))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(errors.New("timeout")))
}

func TestIsAuthError(t *testing.T) {
	assert.False(t, isAuthError(nil))
	assert.True(t, isAuthError(nats.ErrAuthorization))
	assert.True(t, isAuthError(fmt.Errorf("connect: %w", nats.ErrAuthExpired)))
	assert.False(t, isAuthError(nats.ErrNoServers))
}
