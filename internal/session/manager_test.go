package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/agent/agenttest"
)

func TestEnsureCreatesWhenNoID(t *testing.T) {
	fake := agenttest.NewFake()
	res := NewManager(fake, nil).Ensure(context.Background(), "")

	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, StateActive, res.State)
	assert.Equal(t, []State{StateNew, StateActive}, res.Transitions)
	assert.True(t, res.Changed())
	assert.Empty(t, fake.Verified())
}

func TestEnsureResumesValidSession(t *testing.T) {
	fake := agenttest.NewFake()
	fake.Seed("sess-live")
	res := NewManager(fake, nil).Ensure(context.Background(), "sess-live")

	assert.Equal(t, "sess-live", res.ID)
	assert.Equal(t, []State{StateActive}, res.Transitions)
	assert.False(t, res.Changed())
	assert.Equal(t, 1, fake.SessionCount())
}

func TestEnsureReplacesExpiredSession(t *testing.T) {
	fake := agenttest.NewFake()
	res := NewManager(fake, nil).Ensure(context.Background(), "expired-id")

	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.ID)
	assert.NotEqual(t, "expired-id", res.ID)
	assert.Equal(t, "expired-id", res.Previous)
	assert.Equal(t, []State{StateInvalid, StateNew, StateActive}, res.Transitions)
	assert.True(t, res.Changed())
}

func TestEnsureTreatsTransportErrorAsInvalid(t *testing.T) {
	fake := agenttest.NewFake()
	fake.Seed("sess-1")
	fake.VerifyErr = errors.New("connection reset")
	res := NewManager(fake, nil).Ensure(context.Background(), "sess-1")

	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.ID)
	assert.NotEqual(t, "sess-1", res.ID)
	assert.Equal(t, "sess-1", res.Previous)
	assert.Equal(t, StateActive, res.State)
	assert.Equal(t, []State{StateInvalid, StateNew, StateActive}, res.Transitions)
	assert.Equal(t, 2, fake.SessionCount())
}

func TestEnsureNeverFailsOutward(t *testing.T) {
	fake := agenttest.NewFake()
	fake.CreateErr = errors.New("service down")
	res := NewManager(fake, nil).Ensure(context.Background(), "expired-id")

	assert.Empty(t, res.ID)
	assert.Equal(t, StateInvalid, res.State)
	assert.ErrorIs(t, res.Err, ErrSessionInvalid)
	assert.False(t, res.Changed())
}
