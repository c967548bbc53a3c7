package agent_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyforge/internal/agent"
)

// fakeAssistants is a minimal assistants service: runs complete after a
// fixed number of polls with a reply naming the run.
type fakeAssistants struct {
	mu        sync.Mutex
	sessions  map[string]bool
	runs      map[string]*agent.Run
	polls     map[string]int
	cancelled atomic.Int32
	doneAfter int
	nextID    int
}

func newFakeAssistants(doneAfter int) *fakeAssistants {
	return &fakeAssistants{sessions: map[string]bool{}, runs: map[string]*agent.Run{}, polls: map[string]int{}, doneAfter: doneAfter}
}

func (f *fakeAssistants) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		f.mu.Lock()
		f.nextID++
		id := fmt.Sprintf("s-%d", f.nextID)
		f.sessions[id] = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ok := f.sessions[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id")})
	})
	mux.HandleFunc("POST /sessions/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AgentID string `json:"agent_id"`
			Input   string `json:"input"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		run := &agent.Run{ID: "r-" + body.Input, SessionID: r.PathValue("id"), AgentID: body.AgentID, Status: agent.StatusQueued}
		f.runs[run.ID] = run
		out := *run
		f.mu.Unlock()
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /sessions/{id}/runs/{run}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		run, ok := f.runs[r.PathValue("run")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		f.polls[run.ID]++
		if f.doneAfter >= 0 && f.polls[run.ID] >= f.doneAfter && !run.Status.Terminal() {
			run.Status = agent.StatusCompleted
			run.Output = "REPLY TO " + run.ID
		}
		json.NewEncoder(w).Encode(run)
	})
	mux.HandleFunc("POST /sessions/{id}/runs/{run}/cancel", func(w http.ResponseWriter, r *http.Request) {
		f.cancelled.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newAssistantsClient(t *testing.T, f *fakeAssistants) *agent.AssistantsClient {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	c := agent.NewAssistantsClient(srv.URL+"/", "secret", 2*time.Second)
	t.Cleanup(func() {
		c.HTTPClient.CloseIdleConnections()
		srv.Close()
	})
	return c
}

func TestAssistantsSessionLifecycle(t *testing.T) {
	f := newFakeAssistants(1)
	c := newAssistantsClient(t, f)
	ctx := context.Background()

	id, err := c.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, c.VerifySession(ctx, id))

	err = c.VerifySession(ctx, "missing")
	assert.ErrorIs(t, err, agent.ErrSessionNotFound)
}

func TestAssistantsDispatch(t *testing.T) {
	f := newFakeAssistants(2)
	c := newAssistantsClient(t, f)
	ctx := context.Background()
	id, err := c.CreateSession(ctx)
	require.NoError(t, err)

	reply, err := agent.NewDispatcher(c, fastPolicy, nil).Dispatch(ctx, id, "agent-genre", "dragons")
	require.NoError(t, err)
	assert.Equal(t, "REPLY TO r-dragons", reply)
	assert.Zero(t, f.cancelled.Load())
}

func TestAssistantsDispatchTimeoutCancelsRemotely(t *testing.T) {
	f := newFakeAssistants(-1)
	c := newAssistantsClient(t, f)
	ctx := context.Background()
	id, err := c.CreateSession(ctx)
	require.NoError(t, err)

	_, err = agent.NewDispatcher(c, fastPolicy, nil).Dispatch(ctx, id, "agent-genre", "dragons")
	require.ErrorIs(t, err, agent.ErrTimeout)
	assert.Equal(t, int32(1), f.cancelled.Load())
}

func TestAssistantsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	c := agent.NewAssistantsClient(srv.URL, "", time.Second)
	defer func() {
		c.HTTPClient.CloseIdleConnections()
		srv.Close()
	}()
	_, err := c.CreateSession(context.Background())
	var apiErr *agent.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}
