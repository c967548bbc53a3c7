// Package remote adapts the HTTP SDK to the storage interfaces of the
// conversation layer so turns can run against a remote server.
package remote

import (
	"context"
	"errors"
	"fmt"

	"storyforge/internal/domain"
	"storyforge/internal/repo"
	storyforgesdk "storyforge/sdk/go"
)

type Store struct {
	Client *storyforgesdk.Client
}

func New(client *storyforgesdk.Client) Store {
	return Store{Client: client}
}

func (s Store) GetFoundation(ctx context.Context, id string) (domain.Foundation, error) {
	f, err := s.Client.GetFoundation(ctx, id)
	if err != nil {
		return domain.Foundation{}, classify(err)
	}
	return toFoundation(f), nil
}

func (s Store) SetCurrentStage(ctx context.Context, id string, st domain.Stage) error {
	label := string(st)
	_, err := s.Client.UpdateFoundation(ctx, id, storyforgesdk.FoundationUpdate{CurrentStage: &label})
	return classify(err)
}

func (s Store) SetStageSession(ctx context.Context, id string, st domain.Stage, sessionID string) error {
	_, err := s.Client.UpdateFoundation(ctx, id, storyforgesdk.FoundationUpdate{
		Sessions: map[string]string{string(st): sessionID},
	})
	return classify(err)
}

func (s Store) CompleteStage(ctx context.Context, id string, st domain.Stage) (domain.Foundation, error) {
	done := true
	var upd storyforgesdk.FoundationUpdate
	switch st {
	case domain.StageGenre:
		upd.GenreCompleted = &done
	case domain.StageEnvironment:
		upd.EnvironmentCompleted = &done
	case domain.StageWorld:
		upd.WorldCompleted = &done
	case domain.StageCharacter:
		upd.CharactersCompleted = &done
	default:
		return domain.Foundation{}, &domain.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", st)}
	}
	f, err := s.Client.UpdateFoundation(ctx, id, upd)
	if err != nil {
		return domain.Foundation{}, classify(err)
	}
	return toFoundation(f), nil
}

func (s Store) SaveMessage(ctx context.Context, foundationID string, role domain.Role, content string) (domain.Message, error) {
	m, err := s.Client.PostMessage(ctx, foundationID, string(role), content)
	if err != nil {
		return domain.Message{}, classify(err)
	}
	return toMessage(foundationID, m), nil
}

func (s Store) History(ctx context.Context, foundationID string) ([]domain.Message, error) {
	items, err := s.Client.Messages(ctx, foundationID)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]domain.Message, 0, len(items))
	for _, m := range items {
		out = append(out, toMessage(foundationID, m))
	}
	return out, nil
}

// classify maps a 404 onto repo.ErrNotFound. Other API errors keep their
// own Permanent classification.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *storyforgesdk.APIError
	if errors.As(err, &apiErr) && apiErr.NotFound() {
		return fmt.Errorf("%w: %s", repo.ErrNotFound, apiErr.Body)
	}
	return err
}

func toFoundation(f storyforgesdk.Foundation) domain.Foundation {
	out := domain.Foundation{
		ID:    f.ID,
		Title: f.Title,
		Flags: domain.Flags{
			GenreCompleted:       f.Flags.GenreCompleted,
			EnvironmentCompleted: f.Flags.EnvironmentCompleted,
			WorldCompleted:       f.Flags.WorldCompleted,
			CharactersCompleted:  f.Flags.CharactersCompleted,
		},
		CurrentStage: domain.Stage(f.CurrentStage),
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
	}
	for k, v := range f.Sessions {
		out.Sessions.Set(domain.Stage(k), v)
	}
	return out
}

func toMessage(foundationID string, m storyforgesdk.Message) domain.Message {
	return domain.Message{
		ID:           m.ID,
		FoundationID: foundationID,
		Role:         domain.Role(m.Role),
		Content:      m.Content,
		CreatedAt:    m.CreatedAt,
	}
}
