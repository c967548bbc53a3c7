package conversation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storyforge/internal/agent"
	"storyforge/internal/agent/agenttest"
	"storyforge/internal/config"
	"storyforge/internal/conversation"
	"storyforge/internal/db"
	"storyforge/internal/domain"
	"storyforge/internal/engine"
	"storyforge/internal/migrate"
	"storyforge/internal/persist"
	"storyforge/internal/session"
	"storyforge/internal/stage"
	"storyforge/internal/transcript"
)

func TestMain(m *testing.M) {
	// genai pulls in opencensus, whose stats worker starts at init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

const marker = "[[STAGE COMPLETE]]"

type harness struct {
	ctx    context.Context
	cfg    *config.Config
	store  engine.Store
	fake   *agenttest.Fake
	queue  *persist.Queue
	orch   *conversation.Orchestrator
	saveMu sync.Mutex
	// failSaves makes the next n saves fail with a transport error.
	failSaves int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	h := &harness{ctx: context.Background(), cfg: cfg, fake: agenttest.NewFake()}
	h.store = engine.New(conn, cfg).As("tester")

	saver := persist.SaverFunc(func(ctx context.Context, foundationID string, role domain.Role, content string) (domain.Message, error) {
		h.saveMu.Lock()
		if h.failSaves > 0 {
			h.failSaves--
			h.saveMu.Unlock()
			return domain.Message{}, errors.New("connection reset")
		}
		h.saveMu.Unlock()
		return h.store.SaveMessage(ctx, foundationID, role, content)
	})
	h.queue = persist.New(saver, persist.Options{
		Attempts:      3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { h.queue.Close() })

	policy := agent.PollPolicy{MaxPolls: 5, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond, Multiplier: 2}
	h.orch = conversation.New(conversation.Deps{
		Store:      h.store,
		Resolver:   stage.NewResolver(cfg.AgentIDs()),
		Sessions:   session.NewManager(h.fake, nil),
		Dispatcher: agent.NewDispatcher(h.fake, policy, nil),
		Queue:      h.queue,
	}, cfg.Conversation)
	return h
}

func (h *harness) foundation(t *testing.T) domain.Foundation {
	t.Helper()
	f, err := h.store.Engine.CreateFoundation(h.ctx, engine.FoundationCreateOptions{Title: "Saltwind", ActorID: "tester"})
	require.NoError(t, err)
	return f
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Wait(ctx))
}

func TestMarkerDetector(t *testing.T) {
	d := conversation.MarkerDetector{Marker: marker}
	visible, done := d.Detect("Noir it is. " + marker)
	assert.True(t, done)
	assert.Equal(t, "Noir it is.", visible)

	visible, done = d.Detect("Tell me more.")
	assert.False(t, done)
	assert.Equal(t, "Tell me more.", visible)

	_, done = conversation.MarkerDetector{}.Detect(marker)
	assert.False(t, done)
}

func TestTurnFreshProjectUsesGenreAgent(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)
	tr := transcript.New()
	tr.Reset(f.ID)

	res, err := h.orch.Turn(h.ctx, tr, f.ID, "  I want a sea story  ")
	require.NoError(t, err)
	assert.Equal(t, domain.StageGenre, res.Stage)
	assert.Equal(t, "agent-genre", res.AgentID)
	assert.False(t, res.Failed)
	assert.Equal(t, "echo: I want a sea story", res.Reply)

	started := h.fake.Started()
	require.Len(t, started, 1)
	assert.Equal(t, res.SessionID, started[0].SessionID)
	assert.Equal(t, "agent-genre", started[0].AgentID)

	msgs := tr.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)

	h.drain(t)
	stored, err := h.store.History(h.ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "I want a sea story", stored[0].Content)
	assert.Equal(t, res.Reply, stored[1].Content)

	got, err := h.store.GetFoundation(h.ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, got.Sessions.For(domain.StageGenre))
}

func TestTurnMidFlowRoutesToWorldAgent(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)
	_, err := h.store.CompleteStage(h.ctx, f.ID, domain.StageGenre)
	require.NoError(t, err)
	_, err = h.store.CompleteStage(h.ctx, f.ID, domain.StageEnvironment)
	require.NoError(t, err)

	res, err := h.orch.Turn(h.ctx, nil, f.ID, "Floating islands")
	require.NoError(t, err)
	assert.Equal(t, domain.StageWorld, res.Stage)
	assert.Equal(t, "agent-world", res.AgentID)
}

func TestTurnReusesStoredSession(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)

	first, err := h.orch.Turn(h.ctx, nil, f.ID, "one")
	require.NoError(t, err)
	second, err := h.orch.Turn(h.ctx, nil, f.ID, "two")
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, h.fake.SessionCount())
	assert.Contains(t, h.fake.Verified(), first.SessionID)
}

func TestTurnReplacesInvalidSession(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)
	require.NoError(t, h.store.SetStageSession(h.ctx, f.ID, domain.StageGenre, "sess-gone"))

	res, err := h.orch.Turn(h.ctx, nil, f.ID, "hello")
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.NotEqual(t, "sess-gone", res.SessionID)

	got, err := h.store.GetFoundation(h.ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, got.Sessions.For(domain.StageGenre))
}

func TestTurnFailureYieldsApology(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)
	h.fake.Reply = func(agentID, prompt string) (string, error) {
		return "", errors.New("model overloaded")
	}

	res, err := h.orch.Turn(h.ctx, nil, f.ID, "hello")
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.ErrorIs(t, res.Cause, agent.ErrFailed)
	assert.Equal(t, h.cfg.Conversation.Apology, res.Reply)
	assert.Len(t, h.fake.Started(), 1, "no retry within the turn")

	h.drain(t)
	stored, err := h.store.History(h.ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, h.cfg.Conversation.Apology, stored[1].Content)
}

func TestTurnTimeoutCancelsRunAndApologises(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)
	h.fake.PendingPolls = -1

	res, err := h.orch.Turn(h.ctx, nil, f.ID, "hello")
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.ErrorIs(t, res.Cause, agent.ErrTimeout)
	assert.Len(t, h.fake.Cancelled(), 1)
}

func TestTurnSessionCreationFailureApologises(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)
	h.fake.CreateErr = errors.New("provider down")

	res, err := h.orch.Turn(h.ctx, nil, f.ID, "hello")
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.ErrorIs(t, res.Cause, session.ErrSessionInvalid)
	assert.Empty(t, h.fake.Started())
}

func TestTurnCompletionAdvancesStage(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)
	h.fake.Reply = func(agentID, prompt string) (string, error) {
		return "Cosy mystery, settled. " + marker, nil
	}

	res, err := h.orch.Turn(h.ctx, nil, f.ID, "cosy mystery please")
	require.NoError(t, err)
	assert.True(t, res.StageCompleted)
	assert.Equal(t, domain.StageGenre, res.Stage)
	assert.Equal(t, domain.StageEnvironment, res.NextStage)
	assert.Equal(t, "Cosy mystery, settled.", res.Reply)

	got, err := h.store.GetFoundation(h.ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, got.Flags.GenreCompleted)
	assert.Equal(t, domain.StageEnvironment, got.CurrentStage)

	h.fake.Reply = nil
	next, err := h.orch.Turn(h.ctx, nil, f.ID, "a harbour town")
	require.NoError(t, err)
	assert.Equal(t, domain.StageEnvironment, next.Stage)
	assert.Equal(t, "agent-environment", next.AgentID)
	assert.NotEqual(t, res.SessionID, next.SessionID, "each stage keeps its own session")
}

func TestTurnBareMarkerStillShowsReply(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)
	h.fake.Reply = func(agentID, prompt string) (string, error) { return marker, nil }

	res, err := h.orch.Turn(h.ctx, nil, f.ID, "done")
	require.NoError(t, err)
	assert.True(t, res.StageCompleted)
	assert.NotEmpty(t, res.Reply)
}

func TestTurnUnknownFoundationFallsBackToGenre(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Turn(h.ctx, nil, "missing", "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.StageGenre, res.Stage)
	assert.Equal(t, "agent-genre", res.AgentID)

	out := <-res.ReplySaved
	assert.Error(t, out.Err)
}

func TestTurnRejectsEmptyText(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)

	_, err := h.orch.Turn(h.ctx, nil, f.ID, "   ")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, h.fake.Started())
}

func TestTurnPersistsInOrderAfterSaveFailures(t *testing.T) {
	h := newHarness(t)
	f := h.foundation(t)
	h.saveMu.Lock()
	h.failSaves = 3
	h.saveMu.Unlock()

	res, err := h.orch.Turn(h.ctx, nil, f.ID, "first words")
	require.NoError(t, err)
	h.drain(t)

	user := <-res.UserSaved
	reply := <-res.ReplySaved
	require.NoError(t, user.Err)
	require.NoError(t, reply.Err)
	assert.True(t, user.Deferred)
	assert.Less(t, user.Message.Seq, reply.Message.Seq)

	stored, err := h.store.History(h.ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, domain.RoleUser, stored[0].Role)
	assert.Equal(t, domain.RoleAssistant, stored[1].Role)
}
