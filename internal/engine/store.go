package engine

import (
	"context"

	"storyforge/internal/domain"
)

// Store binds the engine to one actor so it can serve as the
// conversation's foundation store, message saver and history source.
type Store struct {
	Engine  Engine
	ActorID string
}

func (e Engine) As(actorID string) Store {
	return Store{Engine: e, ActorID: actorID}
}

func (s Store) GetFoundation(ctx context.Context, id string) (domain.Foundation, error) {
	return s.Engine.GetFoundation(ctx, id)
}

func (s Store) SetCurrentStage(ctx context.Context, id string, st domain.Stage) error {
	return s.Engine.SetCurrentStage(ctx, id, st, s.ActorID)
}

func (s Store) SetStageSession(ctx context.Context, id string, st domain.Stage, sessionID string) error {
	return s.Engine.SetStageSession(ctx, id, st, sessionID, s.ActorID)
}

func (s Store) CompleteStage(ctx context.Context, id string, st domain.Stage) (domain.Foundation, error) {
	return s.Engine.CompleteStage(ctx, id, st, s.ActorID)
}

func (s Store) SaveMessage(ctx context.Context, foundationID string, role domain.Role, content string) (domain.Message, error) {
	return s.Engine.AppendMessage(ctx, foundationID, role, content, s.ActorID)
}

func (s Store) History(ctx context.Context, foundationID string) ([]domain.Message, error) {
	return s.Engine.ListMessages(ctx, foundationID, 0, 0)
}
