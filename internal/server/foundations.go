package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"storyforge/internal/domain"
	"storyforge/internal/engine"
	"storyforge/internal/repo"
)

type foundationPath struct {
	FoundationID string `path:"foundation_id"`
}

func registerFoundations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-foundation",
		Method:        http.MethodPost,
		Path:          "/foundations",
		Summary:       "Create foundation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body *CreateFoundationRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body FoundationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.FoundationCreateOptions{ActorID: actorID}
		if input.Body != nil {
			if input.Body.ID != nil {
				opts.ID = *input.Body.ID
			}
			if input.Body.Title != nil {
				opts.Title = *input.Body.Title
			}
		}
		f, err := e.CreateFoundation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FoundationResponse `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-foundations",
		Method:      http.MethodGet,
		Path:        "/foundations",
		Summary:     "List foundations, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedFoundations `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListFoundations(ctx, limit+1, cursorTS, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedFoundations{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedFoundations `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-foundation",
		Method:      http.MethodGet,
		Path:        "/foundations/{foundation_id}",
		Summary:     "Get foundation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *foundationPath) (*struct {
		Body FoundationResponse `json:"body"`
	}, error) {
		f, err := e.GetFoundation(ctx, input.FoundationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FoundationResponse `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-foundation",
		Method:      http.MethodPatch,
		Path:        "/foundations/{foundation_id}",
		Summary:     "Update foundation",
		Description: "Completion flags may only be set. currentStage is recomputed from the flags; a value that disagrees is rejected.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FoundationID string                  `path:"foundation_id"`
		Body         UpdateFoundationRequest `json:"body"`
	}) (*struct {
		Body FoundationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		opts := engine.FoundationUpdateOptions{
			ID:                   input.FoundationID,
			Title:                b.Title,
			GenreCompleted:       b.GenreCompleted,
			EnvironmentCompleted: b.EnvironmentCompleted,
			WorldCompleted:       b.WorldCompleted,
			CharactersCompleted:  b.CharactersCompleted,
			ActorID:              actorID,
		}
		if b.CurrentStage != nil {
			st := domain.Stage(strings.TrimSpace(*b.CurrentStage))
			opts.CurrentStage = &st
		}
		if len(b.Sessions) > 0 {
			opts.Sessions = make(map[domain.Stage]string, len(b.Sessions))
			for k, v := range b.Sessions {
				opts.Sessions[domain.Stage(k)] = v
			}
		}
		f, err := e.UpdateFoundation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FoundationResponse `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-foundation",
		Method:        http.MethodDelete,
		Path:          "/foundations/{foundation_id}",
		Summary:       "Delete foundation and its messages",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *foundationPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteFoundation(ctx, input.FoundationID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerStage(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-foundation-stage",
		Method:      http.MethodGet,
		Path:        "/foundations/{foundation_id}/stage",
		Summary:     "Resolve the active stage and agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *foundationPath) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		info, err := e.Stage(ctx, input.FoundationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StageResponse `json:"body"`
		}{Body: StageResponse{
			Stage:      info.Stage,
			AgentID:    info.AgentID,
			Index:      info.Index,
			Consistent: info.Consistent,
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-foundation-events",
		Method:      http.MethodGet,
		Path:        "/foundations/{foundation_id}/events",
		Summary:     "List recent events of a foundation",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		FoundationID string `path:"foundation_id"`
		Type         string `query:"type"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			FoundationID: input.FoundationID,
			Type:         input.Type,
			Limit:        limit + 1,
			Cursor:       cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
