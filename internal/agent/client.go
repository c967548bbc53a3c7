// Package agent is the boundary to the external conversational service.
// Replies are produced by asynchronous runs: a run is started inside a
// session and polled until it reaches a terminal status.
package agent

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned by VerifySession for unknown or expired sessions.
	ErrSessionNotFound = errors.New("agent session not found")

	// ErrTimeout means a run did not reach a terminal status within the poll bound.
	ErrTimeout = errors.New("agent run timed out")

	// ErrFailed means a run ended without a usable reply.
	ErrFailed = errors.New("agent run failed")
)

type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusCancelled  RunStatus = "cancelled"
	StatusExpired    RunStatus = "expired"
)

// Terminal reports whether no further status change is expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

type Run struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Status    RunStatus `json:"status"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Client talks to a conversational service provider.
type Client interface {
	CreateSession(ctx context.Context) (string, error)
	// VerifySession returns nil when the session can still be used.
	VerifySession(ctx context.Context, sessionID string) error
	StartRun(ctx context.Context, sessionID, agentID, prompt string) (Run, error)
	GetRun(ctx context.Context, sessionID, runID string) (Run, error)
	CancelRun(ctx context.Context, sessionID, runID string) error
}
