package server

import (
	"storyforge/internal/domain"
)

// Request payloads

type CreateFoundationRequest struct {
	ID    *string `json:"id,omitempty"`
	Title *string `json:"title,omitempty"`
}

type UpdateFoundationRequest struct {
	Title                *string           `json:"title,omitempty"`
	GenreCompleted       *bool             `json:"genreCompleted,omitempty"`
	EnvironmentCompleted *bool             `json:"environmentCompleted,omitempty"`
	WorldCompleted       *bool             `json:"worldCompleted,omitempty"`
	CharactersCompleted  *bool             `json:"charactersCompleted,omitempty"`
	CurrentStage         *string           `json:"currentStage,omitempty" enum:"genre,environment,world,character"`
	Sessions             map[string]string `json:"sessions,omitempty"`
}

type CreateMessageRequest struct {
	Role    string `json:"role" enum:"user,assistant"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Content string `json:"content"`
}

// Response payloads

type FoundationResponse = domain.Foundation

type MessageResponse struct {
	ID        string      `json:"id,omitempty"`
	Role      domain.Role `json:"role" enum:"user,assistant"`
	Content   string      `json:"content"`
	CreatedAt string      `json:"createdAt" format:"date-time"`
}

type StageResponse struct {
	Stage      domain.Stage `json:"stage" enum:"genre,environment,world,character"`
	AgentID    string       `json:"agentId"`
	Index      int          `json:"index"`
	Consistent bool         `json:"consistent"`
}

type ChatResponse struct {
	Stage          domain.Stage      `json:"stage"`
	AgentID        string            `json:"agentId"`
	SessionID      string            `json:"sessionId,omitempty"`
	Reply          string            `json:"reply"`
	Failed         bool              `json:"failed"`
	StageCompleted bool              `json:"stageCompleted"`
	NextStage      domain.Stage      `json:"nextStage"`
	Persisted      bool              `json:"persisted"`
	Messages       []MessageResponse `json:"messages"`
}

type EventResponse struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	Type         string `json:"type"`
	FoundationID string `json:"foundation_id,omitempty"`
	EntityKind   string `json:"entity_kind"`
	EntityID     string `json:"entity_id,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      any    `json:"payload"`
}

type paginatedFoundations struct {
	Items      []FoundationResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func messageResponse(m domain.Message) MessageResponse {
	return MessageResponse{ID: m.ID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}

func mapMessages(items []domain.Message) []MessageResponse {
	out := make([]MessageResponse, 0, len(items))
	for _, m := range items {
		out = append(out, messageResponse(m))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		FoundationID: e.FoundationID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      decodeJSON(e.Payload),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
