package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewsyncd/viewsyncer/internal/version"
)

func TestHandler_StartEndPokeAdvancesVersion(t *testing.T) {
	d := &recordingDownstream{}
	h := NewHandler("client-1", "ws-1", d, version.Zero, nil, nil)

	next := version.Bump(version.Zero, "abc", false)
	p, err := h.StartPoke(context.Background(), "poke-1", next)
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NoError(t, h.EndPoke(context.Background()))
	assert.Equal(t, next, h.Version())
}

func TestHandler_StartPokeRejectsConcurrentPoke(t *testing.T) {
	d := &recordingDownstream{}
	h := NewHandler("client-1", "ws-1", d, version.Zero, nil, nil)

	next := version.Bump(version.Zero, "abc", false)
	_, err := h.StartPoke(context.Background(), "poke-1", next)
	require.NoError(t, err)

	_, err = h.StartPoke(context.Background(), "poke-2", next)
	require.Error(t, err)
}

func TestHandler_EndPokeWithoutStartErrors(t *testing.T) {
	h := NewHandler("client-1", "ws-1", &recordingDownstream{}, version.Zero, nil, nil)
	err := h.EndPoke(context.Background())
	require.Error(t, err)
}

func TestHandler_FailPokeClosesConnection(t *testing.T) {
	d := &recordingDownstream{}
	h := NewHandler("client-1", "ws-1", d, version.Zero, nil, nil)

	next := version.Bump(version.Zero, "abc", false)
	_, err := h.StartPoke(context.Background(), "poke-1", next)
	require.NoError(t, err)

	h.FailPoke(assert.AnError)
	assert.True(t, d.closed)
	assert.True(t, h.Closed())

	// Version never advanced since the poke failed.
	assert.Equal(t, version.Zero, h.Version())
}

func TestHandler_StartPokeAfterCloseErrors(t *testing.T) {
	h := NewHandler("client-1", "ws-1", &recordingDownstream{}, version.Zero, nil, nil)
	require.NoError(t, h.Close())

	_, err := h.StartPoke(context.Background(), "poke-1", version.Zero)
	require.Error(t, err)
}
