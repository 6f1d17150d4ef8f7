package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpbridge/internal/envelope"
	"mcpbridge/internal/errors"
)

func TestLifecycle(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), 4)
	s := reg.Create()
	assert.Equal(t, Created, s.State())
	assert.Len(t, s.ID, 26)

	_, err := reg.Get(s.ID)
	assert.True(t, errors.IsSessionNotFound(err), "created sessions do not accept submissions yet")

	require.True(t, s.Activate())
	assert.False(t, s.Activate())
	got, err := reg.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.True(t, s.BeginClosing("client_closed"))
	assert.False(t, s.BeginClosing("again"))
	assert.Equal(t, "client_closed", s.CloseReason())
	assert.Equal(t, Closing, s.State())
	_, err = reg.Get(s.ID)
	assert.True(t, errors.IsSessionNotFound(err))

	reg.Remove(s.ID)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, reg.Len())
	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed")
	}
	_, ok := reg.Lookup(s.ID)
	assert.False(t, ok)
}

func TestUnknownSession(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), 0)
	_, err := reg.Get("nope")
	var nf *errors.SessionNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ID)
	reg.Remove("nope")
}

func TestIDsAreUnique(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), 1)
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := reg.Create().ID
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 1000, reg.Len())
	list := reg.List()
	require.Len(t, list, 1000)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].CreatedAt.Before(list[i-1].CreatedAt))
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), 8)
	s := reg.Create()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(ctx, envelope.Envelope{"seq": i}))
	}
	assert.Equal(t, 5, s.Info().Queued)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, (<-s.Outbound())["seq"])
	}
}

func TestEnqueueBlocksUntilClosed(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), 1)
	s := reg.Create()
	require.True(t, s.Activate())
	require.NoError(t, s.Enqueue(context.Background(), envelope.Envelope{"n": 1}))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Enqueue(context.Background(), envelope.Envelope{"n": 2}) }()

	select {
	case err := <-errCh:
		t.Fatalf("enqueue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	reg.Remove(s.ID)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errors.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("enqueue still blocked after close")
	}
	assert.ErrorIs(t, s.Enqueue(context.Background(), envelope.Envelope{}), errors.ErrSessionClosed)
}

func TestEnqueueHonoursContext(t *testing.T) {
	reg := NewRegistry(zerolog.Nop(), 1)
	s := reg.Create()
	require.NoError(t, s.Enqueue(context.Background(), envelope.Envelope{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Enqueue(ctx, envelope.Envelope{}), context.DeadlineExceeded)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "closing", Closing.String())
	assert.Equal(t, "closed", Closed.String())
}
