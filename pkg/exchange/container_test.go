package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saldo/pkg/core"
	"saldo/pkg/stream"
)

type mockExchange struct {
	name     string
	closeErr error
	closed   bool
}

func (m *mockExchange) Name() string    { return m.name }
func (m *mockExchange) Version() string { return "v3" }
func (m *mockExchange) GetAccount(ctx context.Context, creds *core.Credentials) (*core.Account, error) {
	return nil, nil
}
func (m *mockExchange) OpenFeed(ctx context.Context, creds *core.Credentials) (stream.Feed, error) {
	return nil, nil
}
func (m *mockExchange) Close() error {
	m.closed = true
	return m.closeErr
}

func TestContainer_RegisterGet(t *testing.T) {
	c := NewContainer()
	ex := &mockExchange{name: "binance"}

	c.Register("binance", ex)

	assert.True(t, c.Exists("binance"))
	got, err := c.Get("binance")
	require.NoError(t, err)
	assert.Equal(t, ex, got)
}

func TestContainer_GetMissing(t *testing.T) {
	c := NewContainer()

	_, err := c.Get("kraken")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "kraken")
}

func TestContainer_Names(t *testing.T) {
	c := NewContainer()
	c.Register("zeta", &mockExchange{name: "zeta"})
	c.Register("alpha", &mockExchange{name: "alpha"})

	assert.Equal(t, []string{"alpha", "zeta"}, c.Names())
}

func TestContainer_Close(t *testing.T) {
	c := NewContainer()
	ok := &mockExchange{name: "a"}
	bad := &mockExchange{name: "b", closeErr: errors.New("boom")}
	c.Register("a", ok)
	c.Register("b", bad)

	err := c.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close b")
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
	assert.Empty(t, c.Names())
}
