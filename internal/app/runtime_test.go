package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/config"
	"storyforge/internal/db"
	"storyforge/internal/domain"
	"storyforge/internal/engine"
)

func TestLoadConfigAppliesAPIKey(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig(dir, "  secret  ")
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Provider.APIKey)
	assert.Equal(t, config.Default().Conversation.CompleteMarker, cfg.Conversation.CompleteMarker)

	cfg, err = LoadConfig(dir, "")
	require.NoError(t, err)
	assert.Empty(t, cfg.Provider.APIKey)
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Dir(config.Path(dir)), 0o755))
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("provider:\n  kind: carrier-pigeon\n"), 0o644))
	_, err := LoadConfig(dir, "")
	require.Error(t, err)
}

func TestOpenMigratesWorkspace(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(context.Background(), dir, config.Default(), nil)
	require.NoError(t, err)
	defer rt.Close()

	_, err = os.Stat(db.Path(dir))
	require.NoError(t, err)

	f, err := rt.Engine.CreateFoundation(context.Background(), engine.FoundationCreateOptions{ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, domain.StageGenre, f.CurrentStage)
}

func TestNewConversationBuildsAssistantsStack(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Provider.Kind = config.ProviderAssistants
	cfg.Provider.Endpoint = "http://127.0.0.1:1"
	cfg.Queue.BaseDelay = time.Millisecond
	cfg.Queue.MaxDelay = time.Millisecond

	rt, err := Open(context.Background(), dir, cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	f, err := rt.Engine.CreateFoundation(context.Background(), engine.FoundationCreateOptions{ActorID: "tester"})
	require.NoError(t, err)

	conv, err := NewConversation(context.Background(), cfg, rt.Engine.As("tester"), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, conv.Orchestrator)

	// Saves go through the queue even when the agent cannot be reached.
	res := <-conv.Queue.Save(f.ID, domain.RoleUser, "hello")
	require.NoError(t, res.Err)
	assert.Equal(t, "hello", res.Message.Content)
	require.NoError(t, conv.Close())
}

func TestNewConversationRejectsUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Kind = "carrier-pigeon"
	_, err := NewConversation(context.Background(), cfg, nil, nil, nil)
	require.Error(t, err)
}
