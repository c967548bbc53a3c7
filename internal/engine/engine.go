package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyforge/internal/config"
	"storyforge/internal/domain"
	"storyforge/internal/events"
	"storyforge/internal/repo"
	"storyforge/internal/stage"
)

// Engine owns every write to foundations and their messages. Flag changes,
// stage recomputation and the matching audit events commit together.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Resolver stage.Resolver
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Resolver: stage.NewResolver(cfg.AgentIDs()),
		Now:      time.Now,
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type FoundationCreateOptions struct {
	ID      string
	Title   string
	ActorID string
}

func (e Engine) CreateFoundation(ctx context.Context, opts FoundationCreateOptions) (domain.Foundation, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	f := domain.Foundation{
		ID:           id,
		Title:        strings.TrimSpace(opts.Title),
		CurrentStage: stage.Resolve(domain.Flags{}),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertFoundation(ctx, tx, f); err != nil {
			return fmt.Errorf("insert foundation: %w", err)
		}
		return e.Events.Append(ctx, tx, events.FoundationCreated, f.ID, "foundation", f.ID, opts.ActorID, events.Payload{
			"title":         f.Title,
			"current_stage": f.CurrentStage,
		})
	})
	if err != nil {
		return domain.Foundation{}, err
	}
	return f, nil
}

func (e Engine) GetFoundation(ctx context.Context, id string) (domain.Foundation, error) {
	return e.Repo.GetFoundation(ctx, id)
}

func (e Engine) ListFoundations(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Foundation, error) {
	return e.Repo.ListFoundations(ctx, limit, cursorCreatedAt, cursorID)
}

// FoundationUpdateOptions is a partial update. Nil fields are left alone.
// Sessions maps a stage to a session id; an empty id clears it.
type FoundationUpdateOptions struct {
	ID                   string
	Title                *string
	GenreCompleted       *bool
	EnvironmentCompleted *bool
	WorldCompleted       *bool
	CharactersCompleted  *bool
	CurrentStage         *domain.Stage
	Sessions             map[domain.Stage]string
	ActorID              string
}

// UpdateFoundation applies opts. Completion flags may only be set, never
// reset, and currentStage is always recomputed from the resulting flags; a
// caller-supplied stage that disagrees with the recomputed one is rejected.
func (e Engine) UpdateFoundation(ctx context.Context, opts FoundationUpdateOptions) (domain.Foundation, error) {
	if opts.CurrentStage != nil && !opts.CurrentStage.Valid() {
		return domain.Foundation{}, &domain.ValidationError{Field: "currentStage", Reason: fmt.Sprintf("unknown stage %q", *opts.CurrentStage)}
	}
	for st := range opts.Sessions {
		if !st.Valid() {
			return domain.Foundation{}, &domain.ValidationError{Field: "sessions", Reason: fmt.Sprintf("unknown stage %q", st)}
		}
	}
	var f domain.Foundation
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		f, err = e.Repo.GetFoundationTx(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		original := f

		next := f.Flags
		setFlag(&next.GenreCompleted, opts.GenreCompleted)
		setFlag(&next.EnvironmentCompleted, opts.EnvironmentCompleted)
		setFlag(&next.WorldCompleted, opts.WorldCompleted)
		setFlag(&next.CharactersCompleted, opts.CharactersCompleted)
		flags, err := f.Flags.Merge(next)
		if err != nil {
			return err
		}
		f.Flags = flags
		resolved := stage.Resolve(f.Flags)
		if opts.CurrentStage != nil && *opts.CurrentStage != resolved {
			return &domain.ValidationError{
				Field:  "currentStage",
				Reason: fmt.Sprintf("flags resolve to %s, not %s", resolved, *opts.CurrentStage),
			}
		}
		f.CurrentStage = resolved
		if opts.Title != nil {
			f.Title = strings.TrimSpace(*opts.Title)
		}
		for st, id := range opts.Sessions {
			f.Sessions.Set(st, strings.TrimSpace(id))
		}
		f.UpdatedAt = e.now()
		if err := e.Repo.UpdateFoundation(ctx, tx, f); err != nil {
			return fmt.Errorf("update foundation: %w", err)
		}
		return e.appendChangeEvents(ctx, tx, original, f, opts.ActorID)
	})
	if err != nil {
		return domain.Foundation{}, err
	}
	return f, nil
}

func setFlag(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func (e Engine) appendChangeEvents(ctx context.Context, tx *sql.Tx, before, after domain.Foundation, actorID string) error {
	if err := e.Events.Append(ctx, tx, events.FoundationUpdated, after.ID, "foundation", after.ID, actorID, events.Payload{
		"from_flags": before.Flags,
		"to_flags":   after.Flags,
		"title":      after.Title,
	}); err != nil {
		return err
	}
	for _, st := range domain.Stages {
		if !before.Flags.Completed(st) && after.Flags.Completed(st) {
			if err := e.Events.Append(ctx, tx, events.FoundationStageCompleted, after.ID, "foundation", after.ID, actorID, events.Payload{"stage": st}); err != nil {
				return err
			}
		}
		if before.Sessions.For(st) != after.Sessions.For(st) {
			if err := e.Events.Append(ctx, tx, events.FoundationSessionChanged, after.ID, "foundation", after.ID, actorID, events.Payload{
				"stage":        st,
				"from_session": before.Sessions.For(st),
				"to_session":   after.Sessions.For(st),
			}); err != nil {
				return err
			}
		}
	}
	if before.CurrentStage != after.CurrentStage {
		return e.Events.Append(ctx, tx, events.FoundationStageChanged, after.ID, "foundation", after.ID, actorID, events.Payload{
			"from_stage": before.CurrentStage,
			"to_stage":   after.CurrentStage,
		})
	}
	return nil
}

// CompleteStage sets the completion flag of st. Completing an already
// completed stage is a no-op.
func (e Engine) CompleteStage(ctx context.Context, foundationID string, st domain.Stage, actorID string) (domain.Foundation, error) {
	if !st.Valid() {
		return domain.Foundation{}, &domain.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", st)}
	}
	done := true
	opts := FoundationUpdateOptions{ID: foundationID, ActorID: actorID}
	switch st {
	case domain.StageGenre:
		opts.GenreCompleted = &done
	case domain.StageEnvironment:
		opts.EnvironmentCompleted = &done
	case domain.StageWorld:
		opts.WorldCompleted = &done
	case domain.StageCharacter:
		opts.CharactersCompleted = &done
	}
	return e.UpdateFoundation(ctx, opts)
}

// SetCurrentStage overwrites the stored stage label. It does not touch the
// flags; callers pass the value the resolver produced for them.
func (e Engine) SetCurrentStage(ctx context.Context, foundationID string, st domain.Stage, actorID string) error {
	if !st.Valid() {
		return &domain.ValidationError{Field: "currentStage", Reason: fmt.Sprintf("unknown stage %q", st)}
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		f, err := e.Repo.GetFoundationTx(ctx, tx, foundationID)
		if err != nil {
			return err
		}
		if f.CurrentStage == st {
			return nil
		}
		if err := e.Repo.SetCurrentStage(ctx, tx, foundationID, st, e.now()); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.FoundationStageChanged, foundationID, "foundation", foundationID, actorID, events.Payload{
			"from_stage": f.CurrentStage,
			"to_stage":   st,
		})
	})
}

// SetStageSession records the conversation session used for st.
func (e Engine) SetStageSession(ctx context.Context, foundationID string, st domain.Stage, sessionID, actorID string) error {
	_, err := e.UpdateFoundation(ctx, FoundationUpdateOptions{
		ID:       foundationID,
		Sessions: map[domain.Stage]string{st: sessionID},
		ActorID:  actorID,
	})
	return err
}

// StageInfo is the resolver's view of a foundation.
type StageInfo struct {
	Stage      domain.Stage
	AgentID    string
	Index      int
	Consistent bool
}

func (e Engine) Stage(ctx context.Context, foundationID string) (StageInfo, error) {
	f, err := e.Repo.GetFoundation(ctx, foundationID)
	if err != nil {
		return StageInfo{}, err
	}
	st, agentID := e.Resolver.Resolve(f.Flags)
	return StageInfo{Stage: st, AgentID: agentID, Index: stage.Index(st), Consistent: stage.Consistent(f.Flags)}, nil
}

func (e Engine) DeleteFoundation(ctx context.Context, id, actorID string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteFoundation(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.FoundationDeleted, id, "foundation", id, actorID, nil)
	})
}

// AppendMessage validates and stores one transcript message.
func (e Engine) AppendMessage(ctx context.Context, foundationID string, role domain.Role, content, actorID string) (domain.Message, error) {
	if err := domain.ValidateMessage(foundationID, role, content); err != nil {
		return domain.Message{}, err
	}
	m := domain.Message{
		ID:           uuid.NewString(),
		FoundationID: foundationID,
		Role:         role,
		Content:      content,
		CreatedAt:    e.now(),
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetFoundationTx(ctx, tx, foundationID); err != nil {
			return err
		}
		seq, err := e.Repo.InsertMessage(ctx, tx, m)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		m.Seq = seq
		return e.Events.Append(ctx, tx, events.MessageCreated, foundationID, "message", m.ID, actorID, events.Payload{
			"role":   m.Role,
			"length": len(m.Content),
		})
	})
	if err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// ListMessages returns the transcript of a foundation in insertion order.
func (e Engine) ListMessages(ctx context.Context, foundationID string, limit int, afterSeq int64) ([]domain.Message, error) {
	if _, err := e.Repo.GetFoundation(ctx, foundationID); err != nil {
		return nil, err
	}
	return e.Repo.ListMessages(ctx, foundationID, limit, afterSeq)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
