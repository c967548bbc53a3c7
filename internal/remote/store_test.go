package remote_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/config"
	"storyforge/internal/db"
	"storyforge/internal/domain"
	"storyforge/internal/engine"
	"storyforge/internal/migrate"
	"storyforge/internal/remote"
	"storyforge/internal/repo"
	"storyforge/internal/server"
	storyforgesdk "storyforge/sdk/go"
)

func newRemote(t *testing.T) (remote.Store, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	handler, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := storyforgesdk.New(srv.URL)
	client.HTTPClient = srv.Client()
	return remote.New(client), e
}

func TestRemoteStoreMirrorsEngine(t *testing.T) {
	ctx := context.Background()
	store, e := newRemote(t)
	f, err := e.CreateFoundation(ctx, engine.FoundationCreateOptions{Title: "Saltwind", ActorID: "tester"})
	require.NoError(t, err)

	require.NoError(t, store.SetStageSession(ctx, f.ID, domain.StageGenre, "sess-7"))
	updated, err := store.CompleteStage(ctx, f.ID, domain.StageGenre)
	require.NoError(t, err)
	assert.True(t, updated.Flags.GenreCompleted)
	assert.Equal(t, domain.StageEnvironment, updated.CurrentStage)
	assert.Equal(t, "sess-7", updated.Sessions.Genre)

	require.NoError(t, store.SetCurrentStage(ctx, f.ID, domain.StageEnvironment))

	_, err = store.SaveMessage(ctx, f.ID, domain.RoleUser, "hello")
	require.NoError(t, err)
	_, err = store.SaveMessage(ctx, f.ID, domain.RoleAssistant, "hi there")
	require.NoError(t, err)
	history, err := store.History(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, f.ID, history[1].FoundationID)
}

func TestRemoteStoreErrors(t *testing.T) {
	ctx := context.Background()
	store, e := newRemote(t)

	_, err := store.GetFoundation(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	f, err := e.CreateFoundation(ctx, engine.FoundationCreateOptions{ActorID: "tester"})
	require.NoError(t, err)
	_, err = store.SaveMessage(ctx, f.ID, domain.RoleUser, "   ")
	var apiErr *storyforgesdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Permanent())
}
