// Package session attaches a conversation to a usable session with the
// external conversational service, verifying stored ids and replacing the
// ones that no longer work.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"storyforge/internal/agent"
)

type State string

const (
	StateNew     State = "NEW"
	StateActive  State = "ACTIVE"
	StateInvalid State = "INVALID"
)

// ErrSessionInvalid marks a session id that can no longer be used.
var ErrSessionInvalid = errors.New("session invalid")

// Result is the outcome of Ensure. Transitions lists every state the
// session passed through, ending in ACTIVE unless no session could be
// created at all.
type Result struct {
	ID          string
	State       State
	Previous    string
	Created     bool
	Transitions []State
	// Err is set only when no usable session exists; it is informational.
	Err error
}

// Changed reports whether the caller must store a new session id.
func (r Result) Changed() bool {
	return r.ID != "" && r.Created
}

type Manager struct {
	client agent.Client
	logger *zap.Logger
}

func NewManager(client agent.Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{client: client, logger: logger}
}

// Ensure returns a usable session id. An empty existingID creates a new
// session; a stored id is verified and replaced by a new session when
// verification fails for any reason. Ensure never returns an error: when
// even creation fails the Result has an empty ID and Err set.
func (m *Manager) Ensure(ctx context.Context, existingID string) Result {
	existingID = strings.TrimSpace(existingID)
	var res Result
	if existingID != "" {
		err := m.client.VerifySession(ctx, existingID)
		if err == nil {
			res = Result{ID: existingID, State: StateActive, Transitions: []State{StateActive}}
			m.logger.Debug("session resumed", zap.String("session_id", existingID))
			return res
		}
		res.Previous = existingID
		res.Transitions = append(res.Transitions, StateInvalid)
		m.logger.Info("session invalid, creating a new one",
			zap.String("session_id", existingID),
			zap.Error(fmt.Errorf("%w: %v", ErrSessionInvalid, err)))
	}

	id, err := m.client.CreateSession(ctx)
	if err != nil {
		res.State = StateInvalid
		if len(res.Transitions) == 0 {
			res.Transitions = append(res.Transitions, StateInvalid)
		}
		res.Err = fmt.Errorf("%w: create session: %v", ErrSessionInvalid, err)
		m.logger.Warn("session create failed", zap.Error(err))
		return res
	}
	res.ID = id
	res.Created = true
	res.State = StateActive
	res.Transitions = append(res.Transitions, StateNew, StateActive)
	m.logger.Info("session created", zap.String("session_id", id), zap.String("replaces", res.Previous))
	return res
}
