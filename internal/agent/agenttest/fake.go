// Package agenttest provides a scripted agent.Client for tests.
package agenttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"storyforge/internal/agent"
)

type StartCall struct {
	SessionID string
	AgentID   string
	Prompt    string
}

// Fake is an in-memory agent.Client. Runs stay in progress for PendingPolls
// GetRun calls and then resolve through Reply. A negative PendingPolls keeps
// runs pending forever.
type Fake struct {
	// Reply decides the outcome of a run; nil echoes the prompt.
	Reply        func(agentID, prompt string) (string, error)
	PendingPolls int
	CreateErr    error
	StartErr     error
	// VerifyErr, when set, is returned for every verification.
	VerifyErr error

	mu        sync.Mutex
	sessions  map[string]bool
	runs      map[string]*fakeRun
	nextID    int
	started   []StartCall
	cancelled []string
	verified  []string
}

type fakeRun struct {
	run    agent.Run
	prompt string
	polls  int
}

func NewFake() *Fake {
	return &Fake{sessions: map[string]bool{}, runs: map[string]*fakeRun{}}
}

var _ agent.Client = (*Fake)(nil)

// id returns a fresh id that does not collide with a seeded session.
func (f *Fake) id(prefix string) string {
	for {
		f.nextID++
		id := fmt.Sprintf("%s-%d", prefix, f.nextID)
		if !f.sessions[id] && f.runs[id] == nil {
			return id
		}
	}
}

func (f *Fake) CreateSession(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	id := f.id("sess")
	f.sessions[id] = true
	return id, nil
}

func (f *Fake) VerifySession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, sessionID)
	if f.VerifyErr != nil {
		return f.VerifyErr
	}
	if !f.sessions[sessionID] {
		return fmt.Errorf("%w: %s", agent.ErrSessionNotFound, sessionID)
	}
	return nil
}

// Forget drops a session as if it had expired remotely.
func (f *Fake) Forget(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
}

// Seed registers an existing session id.
func (f *Fake) Seed(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = true
}

func (f *Fake) StartRun(ctx context.Context, sessionID, agentID, prompt string) (agent.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, StartCall{SessionID: sessionID, AgentID: agentID, Prompt: prompt})
	if f.StartErr != nil {
		return agent.Run{}, f.StartErr
	}
	if !f.sessions[sessionID] {
		return agent.Run{}, fmt.Errorf("%w: %s", agent.ErrSessionNotFound, sessionID)
	}
	r := &fakeRun{run: agent.Run{ID: f.id("run"), SessionID: sessionID, AgentID: agentID, Status: agent.StatusQueued}, prompt: prompt}
	f.runs[r.run.ID] = r
	return r.run, nil
}

func (f *Fake) GetRun(ctx context.Context, sessionID, runID string) (agent.Run, error) {
	f.mu.Lock()
	r, ok := f.runs[runID]
	if !ok {
		f.mu.Unlock()
		return agent.Run{}, errors.New("run not found")
	}
	if r.run.Status.Terminal() {
		out := r.run
		f.mu.Unlock()
		return out, nil
	}
	r.polls++
	if f.PendingPolls < 0 || r.polls <= f.PendingPolls {
		r.run.Status = agent.StatusInProgress
		out := r.run
		f.mu.Unlock()
		return out, nil
	}
	reply := f.Reply
	agentID, prompt := r.run.AgentID, r.prompt
	f.mu.Unlock()

	var text string
	var err error
	if reply == nil {
		text = "echo: " + prompt
	} else {
		text, err = reply(agentID, prompt)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		r.run.Status = agent.StatusFailed
		r.run.Error = err.Error()
	} else {
		r.run.Status = agent.StatusCompleted
		r.run.Output = text
	}
	return r.run, nil
}

func (f *Fake) CancelRun(ctx context.Context, sessionID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	if r, ok := f.runs[runID]; ok && !r.run.Status.Terminal() {
		r.run.Status = agent.StatusCancelled
	}
	return nil
}

func (f *Fake) Started() []StartCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StartCall(nil), f.started...)
}

func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *Fake) Verified() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.verified...)
}

func (f *Fake) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}
