package toolserver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/agentcore/pkg/message"
)

type stubClient struct {
	protocol Protocol
	closed   atomic.Bool
}

func (c *stubClient) Protocol() Protocol { return c.protocol }
func (c *stubClient) ListTools(ctx context.Context) ([]message.ToolSchema, error) {
	return nil, nil
}
func (c *stubClient) CallTool(ctx context.Context, name, argumentsJSON string) (string, error) {
	return "", nil
}
func (c *stubClient) Close() error {
	c.closed.Store(true)
	return nil
}

func TestRegistryGetCachesPerURL(t *testing.T) {
	var constructCount int32
	factory := func(ctx context.Context, baseURL string) (Client, error) {
		atomic.AddInt32(&constructCount, 1)
		return &stubClient{protocol: ProtocolPlainHTTP}, nil
	}
	reg := NewRegistry(factory, nil)

	c1, err := reg.Get(context.Background(), "http://a")
	require.NoError(t, err)
	c2, err := reg.Get(context.Background(), "http://a")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.EqualValues(t, 1, constructCount)
}

func TestRegistryGetIsPerURL(t *testing.T) {
	var constructCount int32
	factory := func(ctx context.Context, baseURL string) (Client, error) {
		atomic.AddInt32(&constructCount, 1)
		return &stubClient{protocol: ProtocolPlainHTTP}, nil
	}
	reg := NewRegistry(factory, nil)

	_, err := reg.Get(context.Background(), "http://a")
	require.NoError(t, err)
	_, err = reg.Get(context.Background(), "http://b")
	require.NoError(t, err)

	assert.EqualValues(t, 2, constructCount)
}

func TestRegistryCloseAllClosesEveryClient(t *testing.T) {
	stub := &stubClient{protocol: ProtocolPlainHTTP}
	factory := func(ctx context.Context, baseURL string) (Client, error) { return stub, nil }
	reg := NewRegistry(factory, nil)

	_, err := reg.Get(context.Background(), "http://a")
	require.NoError(t, err)

	reg.CloseAll()
	assert.True(t, stub.closed.Load())
}

func TestRegistryPropagatesFactoryError(t *testing.T) {
	wantErr := errors.New("boom")
	factory := func(ctx context.Context, baseURL string) (Client, error) { return nil, wantErr }
	reg := NewRegistry(factory, nil)

	_, err := reg.Get(context.Background(), "http://a")
	require.ErrorIs(t, err, wantErr)
}
