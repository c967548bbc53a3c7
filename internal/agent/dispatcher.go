package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"storyforge/internal/config"
)

const cancelTimeout = 5 * time.Second

// PollPolicy bounds how long a run is awaited.
type PollPolicy struct {
	MaxPolls        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func PolicyFromConfig(c config.DispatchConfig) PollPolicy {
	return PollPolicy{
		MaxPolls:        c.MaxPolls,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
		Multiplier:      c.Multiplier,
	}
}

func (p PollPolicy) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * p.Multiplier)
	if n > p.MaxInterval {
		return p.MaxInterval
	}
	return n
}

// Dispatcher sends one prompt to an agent and waits for the reply.
type Dispatcher struct {
	client Client
	policy PollPolicy
	logger *zap.Logger
}

func NewDispatcher(client Client, policy PollPolicy, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxPolls <= 0 {
		policy.MaxPolls = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	return &Dispatcher{client: client, policy: policy, logger: logger}
}

// Dispatch starts a run and polls it with a growing interval. A run still
// pending after MaxPolls is cancelled remotely and reported as ErrTimeout;
// any other unusable outcome wraps ErrFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, agentID, prompt string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("%w: no session", ErrFailed)
	}
	run, err := d.client.StartRun(ctx, sessionID, agentID, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: start run: %v", ErrFailed, err)
	}
	log := d.logger.With(zap.String("session_id", sessionID), zap.String("agent_id", agentID), zap.String("run_id", run.ID))
	log.Debug("run started", zap.String("status", string(run.Status)))

	interval := d.policy.InitialInterval
	for poll := 0; !run.Status.Terminal(); poll++ {
		if poll >= d.policy.MaxPolls {
			d.cancel(sessionID, run.ID, log)
			log.Warn("run timed out", zap.Int("polls", poll))
			return "", fmt.Errorf("%w after %d polls", ErrTimeout, poll)
		}
		if err := wait(ctx, interval); err != nil {
			d.cancel(sessionID, run.ID, log)
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		interval = d.policy.next(interval)
		next, err := d.client.GetRun(ctx, sessionID, run.ID)
		if err != nil {
			// A failed poll counts against the bound; the run may still finish.
			log.Warn("poll run", zap.Int("poll", poll+1), zap.Error(err))
			continue
		}
		run = next
	}

	switch run.Status {
	case StatusCompleted:
		if strings.TrimSpace(run.Output) == "" {
			return "", fmt.Errorf("%w: empty reply", ErrFailed)
		}
		log.Debug("run completed", zap.Int("reply_len", len(run.Output)))
		return run.Output, nil
	default:
		reason := run.Error
		if reason == "" {
			reason = "no reason given"
		}
		return "", fmt.Errorf("%w: run %s: %s", ErrFailed, run.Status, reason)
	}
}

// cancel uses its own context so a cancelled caller still reaches the service.
func (d *Dispatcher) cancel(sessionID, runID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := d.client.CancelRun(ctx, sessionID, runID); err != nil {
		log.Warn("cancel run", zap.Error(err))
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
