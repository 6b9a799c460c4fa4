// ABOUTME: Tests for the serve wiring helpers
// ABOUTME: Readiness probe and the development echo channel

package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubhe-im/dubhe/internal/storage"
	"github.com/dubhe-im/dubhe/internal/translate"
)

// unavailableStore fails every Keys call; the other methods are unused.
type unavailableStore struct{ storage.Backend }

func (unavailableStore) Keys(context.Context, string, string) ([]string, error) {
	return nil, storage.ErrUnavailable
}

func TestReadyProbe(t *testing.T) {
	probe := readyProbe(storage.NewMemoryBackend(), nil)
	require.NoError(t, probe(context.Background()))

	probe = readyProbe(unavailableStore{}, nil)
	err := probe(context.Background())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestEchoChannel(t *testing.T) {
	echo := newEchoChannel(slog.Default())
	ctx := context.Background()

	roomID, err := echo.CreateRoom(ctx, "room", "topic")
	require.NoError(t, err)
	assert.Contains(t, roomID, ":dubhe.local")

	eventID, err := echo.Send(ctx, roomID, translate.ChannelMessage{MsgType: "m.text", Body: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, eventID)
}
