package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"storyforge/internal/conversation"
	"storyforge/internal/domain"
	"storyforge/internal/engine"
	"storyforge/internal/persist"
)

// chatSaveWait bounds how long the chat endpoint waits for the queue before
// answering with unsaved messages.
const chatSaveWait = 2 * time.Second

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/foundations/{foundation_id}/messages",
		Summary:     "List the transcript in insertion order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FoundationID string `path:"foundation_id"`
		Limit        int    `query:"limit"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		items, err := e.ListMessages(ctx, input.FoundationID, input.Limit, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-message",
		Method:        http.MethodPost,
		Path:          "/foundations/{foundation_id}/messages",
		Summary:       "Append a message to the transcript",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FoundationID string               `path:"foundation_id"`
		Body         CreateMessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AppendMessage(ctx, input.FoundationID, domain.Role(input.Body.Role), input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})
}

func registerChat(api huma.API, e engine.Engine, orch *conversation.Orchestrator, logger *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/foundations/{foundation_id}/chat",
		Summary:     "Run one conversation turn with the active stage agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		FoundationID string      `path:"foundation_id"`
		Body         ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		if orch == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "chat is not configured", nil)
		}
		if _, err := e.GetFoundation(ctx, input.FoundationID); err != nil {
			return nil, handleError(err)
		}
		res, err := orch.Turn(ctx, nil, input.FoundationID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		user, userOK := awaitSave(ctx, res.UserSaved, res.UserMessage)
		reply, replyOK := awaitSave(ctx, res.ReplySaved, res.ReplyMessage)
		if !userOK || !replyOK {
			logger.Warn("chat messages not yet persisted", zap.String("foundation_id", input.FoundationID))
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: ChatResponse{
			Stage:          res.Stage,
			AgentID:        res.AgentID,
			SessionID:      res.SessionID,
			Reply:          res.Reply,
			Failed:         res.Failed,
			StageCompleted: res.StageCompleted,
			NextStage:      res.NextStage,
			Persisted:      userOK && replyOK,
			Messages:       []MessageResponse{messageResponse(user), messageResponse(reply)},
		}}, nil
	})
}

// awaitSave waits briefly for a queued save. It returns the stored message
// when it arrives in time, otherwise the transcript copy.
func awaitSave(ctx context.Context, ch <-chan persist.Result, fallback domain.Message) (domain.Message, bool) {
	timer := time.NewTimer(chatSaveWait)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.Err != nil {
			return fallback, false
		}
		return r.Message, true
	case <-timer.C:
	case <-ctx.Done():
	}
	return fallback, false
}
