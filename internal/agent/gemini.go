package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GenerateFunc produces one model reply for a conversation history.
type GenerateFunc func(ctx context.Context, system string, history []*genai.Content) (string, error)

// GeminiOptions configures the in-process Gemini provider.
type GeminiOptions struct {
	APIKey       string
	Model        string
	Instructions map[string]string // agent id -> system instruction
	RunTimeout   time.Duration
	SessionTTL   time.Duration
	Logger       *zap.Logger
	// Generate overrides the genai call, mainly for tests.
	Generate GenerateFunc
	Now      func() time.Time
}

type geminiSession struct {
	history  []*genai.Content
	lastUsed time.Time
}

type geminiRun struct {
	run    Run
	cancel context.CancelFunc
}

// GeminiClient keeps sessions and runs in memory and executes each run as a
// single GenerateContent call on a background goroutine. Sessions do not
// survive a restart, so stored session ids become invalid and are recreated.
type GeminiClient struct {
	opts     GeminiOptions
	logger   *zap.Logger
	mu       sync.Mutex
	sessions map[string]*geminiSession
	runs     map[string]*geminiRun
	wg       sync.WaitGroup
	closed   bool
}

var _ Client = (*GeminiClient)(nil)

func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash"
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Generate == nil {
		if opts.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  opts.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("create genai client: %w", err)
		}
		opts.Generate = modelGenerate(client, opts.Model)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiClient{
		opts:     opts,
		logger:   logger,
		sessions: map[string]*geminiSession{},
		runs:     map[string]*geminiRun{},
	}, nil
}

func modelGenerate(client *genai.Client, model string) GenerateFunc {
	return func(ctx context.Context, system string, history []*genai.Content) (string, error) {
		cfg := &genai.GenerateContentConfig{}
		if strings.TrimSpace(system) != "" {
			cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
		}
		resp, err := client.Models.GenerateContent(ctx, model, history, cfg)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
}

func (c *GeminiClient) CreateSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", fmt.Errorf("gemini client closed")
	}
	id := uuid.NewString()
	c.sessions[id] = &geminiSession{lastUsed: c.opts.Now()}
	return id, nil
}

func (c *GeminiClient) VerifySession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.sessionLocked(sessionID); err != nil {
		return err
	}
	return nil
}

func (c *GeminiClient) sessionLocked(id string) (*geminiSession, error) {
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if c.opts.SessionTTL > 0 && c.opts.Now().Sub(s.lastUsed) > c.opts.SessionTTL {
		delete(c.sessions, id)
		return nil, fmt.Errorf("%w: %s expired", ErrSessionNotFound, id)
	}
	return s, nil
}

func (c *GeminiClient) StartRun(ctx context.Context, sessionID, agentID, prompt string) (Run, error) {
	system, ok := c.opts.Instructions[agentID]
	if !ok {
		return Run{}, fmt.Errorf("unknown agent %s", agentID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Run{}, fmt.Errorf("gemini client closed")
	}
	sess, err := c.sessionLocked(sessionID)
	if err != nil {
		return Run{}, err
	}
	sess.lastUsed = c.opts.Now()
	turn := genai.NewContentFromText(prompt, genai.RoleUser)
	history := append(append([]*genai.Content{}, sess.history...), turn)

	run := Run{ID: uuid.NewString(), SessionID: sessionID, AgentID: agentID, Status: StatusInProgress}
	runCtx, cancel := context.WithTimeout(context.Background(), c.opts.RunTimeout)
	c.runs[run.ID] = &geminiRun{run: run, cancel: cancel}
	c.wg.Add(1)
	go c.execute(runCtx, cancel, run.ID, sessionID, system, history, turn)
	return run, nil
}

// execute runs one generation over a snapshot of the history. On success it
// appends the prompt and reply to the live session, so runs that overlap on
// one session keep every completed exchange.
func (c *GeminiClient) execute(ctx context.Context, cancel context.CancelFunc, runID, sessionID, system string, history []*genai.Content, turn *genai.Content) {
	defer c.wg.Done()
	defer cancel()
	reply, err := c.opts.Generate(ctx, system, history)

	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok || r.run.Status.Terminal() {
		return
	}
	switch {
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		r.run.Status = StatusExpired
		r.run.Error = err.Error()
	case err != nil && ctx.Err() == context.Canceled:
		r.run.Status = StatusCancelled
	case err != nil:
		r.run.Status = StatusFailed
		r.run.Error = err.Error()
		c.logger.Warn("gemini generate", zap.String("run_id", runID), zap.Error(err))
	default:
		r.run.Status = StatusCompleted
		r.run.Output = reply
		if sess, ok := c.sessions[sessionID]; ok {
			sess.history = append(sess.history, turn, genai.NewContentFromText(reply, genai.RoleModel))
			sess.lastUsed = c.opts.Now()
		}
	}
}

func (c *GeminiClient) GetRun(ctx context.Context, sessionID, runID string) (Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok || r.run.SessionID != sessionID {
		return Run{}, fmt.Errorf("run %s not found", runID)
	}
	out := r.run
	if out.Status.Terminal() {
		delete(c.runs, runID)
	}
	return out, nil
}

func (c *GeminiClient) CancelRun(ctx context.Context, sessionID, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok || r.run.SessionID != sessionID {
		return fmt.Errorf("run %s not found", runID)
	}
	if !r.run.Status.Terminal() {
		r.run.Status = StatusCancelled
		r.cancel()
	}
	delete(c.runs, runID)
	return nil
}

// Close cancels in-flight runs and waits for their goroutines.
func (c *GeminiClient) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, r := range c.runs {
		r.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
