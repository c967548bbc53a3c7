// Package app wires the workspace, storage and conversation stack shared by
// the CLI commands.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"storyforge/internal/agent"
	"storyforge/internal/config"
	"storyforge/internal/conversation"
	"storyforge/internal/db"
	"storyforge/internal/engine"
	"storyforge/internal/migrate"
	"storyforge/internal/persist"
	"storyforge/internal/session"
	"storyforge/internal/stage"
)

// LoadConfig reads the workspace config, falling back to defaults, and
// applies an API key override when one is given.
func LoadConfig(workspace, apiKey string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		cfg.Provider.APIKey = key
	}
	return cfg, nil
}

// Runtime is an opened local workspace.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *zap.Logger
}

// Open ensures the workspace exists, migrates its database and builds the
// engine.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	version, err := migrate.Version(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("workspace opened", zap.String("db", db.Path(workspace)), zap.Int("schema_version", version))
	return &Runtime{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    engine.New(conn, cfg),
		Logger:    logger,
	}, nil
}

func (r *Runtime) Close() error {
	return r.DB.Close()
}

// Store is what a conversation needs from its backing storage.
type Store interface {
	conversation.FoundationStore
	persist.Saver
}

// Conversation bundles an orchestrator with the resources it owns.
type Conversation struct {
	Orchestrator *conversation.Orchestrator
	Queue        *persist.Queue
	closeAgent   func() error
}

// NewConversation builds the agent provider, session manager, dispatcher and
// persistence queue around store. onStatus may be nil.
func NewConversation(ctx context.Context, cfg *config.Config, store Store, logger *zap.Logger, onStatus func(persist.Status)) (*Conversation, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, closeAgent, err := agent.NewFromConfig(ctx, cfg, logger.Named("agent"))
	if err != nil {
		return nil, err
	}
	qopts := persist.OptionsFromConfig(cfg.Queue)
	qopts.Logger = logger.Named("persist")
	qopts.OnStatus = onStatus
	queue := persist.New(store, qopts)

	orch := conversation.New(conversation.Deps{
		Store:      store,
		Resolver:   stage.NewResolver(cfg.AgentIDs()),
		Sessions:   session.NewManager(client, logger.Named("session")),
		Dispatcher: agent.NewDispatcher(client, agent.PolicyFromConfig(cfg.Dispatch), logger.Named("dispatch")),
		Queue:      queue,
		Logger:     logger.Named("conversation"),
	}, cfg.Conversation)
	return &Conversation{Orchestrator: orch, Queue: queue, closeAgent: closeAgent}, nil
}

// Close stops the queue, abandoning undelivered messages, then releases the
// agent provider.
func (c *Conversation) Close() error {
	return errors.Join(c.Queue.Close(), c.closeAgent())
}
