package agent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storyforge/internal/agent"
	"storyforge/internal/agent/agenttest"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, whose stats worker starts at init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

var fastPolicy = agent.PollPolicy{
	MaxPolls:        5,
	InitialInterval: time.Millisecond,
	MaxInterval:     4 * time.Millisecond,
	Multiplier:      2,
}

func newSession(t *testing.T, fake *agenttest.Fake) string {
	t.Helper()
	id, err := fake.CreateSession(context.Background())
	require.NoError(t, err)
	return id
}

func TestDispatchReturnsReplyAfterPolling(t *testing.T) {
	fake := agenttest.NewFake()
	fake.PendingPolls = 2
	fake.Reply = func(agentID, prompt string) (string, error) {
		return agentID + " says hi to " + prompt, nil
	}
	sess := newSession(t, fake)

	reply, err := agent.NewDispatcher(fake, fastPolicy, nil).Dispatch(context.Background(), sess, "agent-genre", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "agent-genre says hi to Ada", reply)
	assert.Empty(t, fake.Cancelled())
}

func TestDispatchTimesOutAndCancels(t *testing.T) {
	fake := agenttest.NewFake()
	fake.PendingPolls = -1
	sess := newSession(t, fake)

	_, err := agent.NewDispatcher(fake, fastPolicy, nil).Dispatch(context.Background(), sess, "agent-world", "hello")
	require.ErrorIs(t, err, agent.ErrTimeout)
	assert.Len(t, fake.Cancelled(), 1)
}

func TestDispatchContextCancelCancelsRun(t *testing.T) {
	fake := agenttest.NewFake()
	fake.PendingPolls = -1
	sess := newSession(t, fake)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	slow := fastPolicy
	slow.MaxPolls = 1000
	_, err := agent.NewDispatcher(fake, slow, nil).Dispatch(ctx, sess, "agent-world", "hello")
	require.ErrorIs(t, err, agent.ErrTimeout)
	assert.Len(t, fake.Cancelled(), 1)
}

func TestDispatchFailures(t *testing.T) {
	t.Run("run failed", func(t *testing.T) {
		fake := agenttest.NewFake()
		fake.Reply = func(string, string) (string, error) { return "", errors.New("model overloaded") }
		sess := newSession(t, fake)
		_, err := agent.NewDispatcher(fake, fastPolicy, nil).Dispatch(context.Background(), sess, "a", "p")
		require.ErrorIs(t, err, agent.ErrFailed)
		assert.Contains(t, err.Error(), "model overloaded")
	})
	t.Run("start rejected", func(t *testing.T) {
		fake := agenttest.NewFake()
		fake.StartErr = errors.New("boom")
		sess := newSession(t, fake)
		_, err := agent.NewDispatcher(fake, fastPolicy, nil).Dispatch(context.Background(), sess, "a", "p")
		require.ErrorIs(t, err, agent.ErrFailed)
	})
	t.Run("empty reply", func(t *testing.T) {
		fake := agenttest.NewFake()
		fake.Reply = func(string, string) (string, error) { return "  ", nil }
		sess := newSession(t, fake)
		_, err := agent.NewDispatcher(fake, fastPolicy, nil).Dispatch(context.Background(), sess, "a", "p")
		require.ErrorIs(t, err, agent.ErrFailed)
	})
	t.Run("no session", func(t *testing.T) {
		fake := agenttest.NewFake()
		_, err := agent.NewDispatcher(fake, fastPolicy, nil).Dispatch(context.Background(), "", "a", "p")
		require.ErrorIs(t, err, agent.ErrFailed)
		assert.Empty(t, fake.Started())
	})
}

func TestRunStatusTerminal(t *testing.T) {
	for _, st := range []agent.RunStatus{agent.StatusCompleted, agent.StatusFailed, agent.StatusCancelled, agent.StatusExpired} {
		assert.True(t, st.Terminal(), st)
	}
	assert.False(t, agent.StatusQueued.Terminal())
	assert.False(t, agent.StatusInProgress.Terminal())
}
