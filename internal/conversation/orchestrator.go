// Package conversation runs one user turn end to end: stage resolution,
// session continuity, agent dispatch and persistence of both sides of the
// exchange.
package conversation

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"storyforge/internal/config"
	"storyforge/internal/domain"
	"storyforge/internal/persist"
	"storyforge/internal/session"
	"storyforge/internal/stage"
	"storyforge/internal/transcript"
)

// FoundationStore is the slice of foundation storage a turn needs.
type FoundationStore interface {
	GetFoundation(ctx context.Context, id string) (domain.Foundation, error)
	SetCurrentStage(ctx context.Context, id string, st domain.Stage) error
	SetStageSession(ctx context.Context, id string, st domain.Stage, sessionID string) error
	CompleteStage(ctx context.Context, id string, st domain.Stage) (domain.Foundation, error)
}

type MessageQueue interface {
	Save(foundationID string, role domain.Role, content string) <-chan persist.Result
}

type SessionManager interface {
	Ensure(ctx context.Context, existingID string) session.Result
}

type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, agentID, prompt string) (string, error)
}

// CompletionDetector decides from an agent reply whether the current
// stage has gathered everything it needs. It returns the reply as it
// should be shown.
type CompletionDetector interface {
	Detect(reply string) (visible string, complete bool)
}

// MarkerDetector reports completion when the reply carries Marker.
type MarkerDetector struct {
	Marker string
}

func (d MarkerDetector) Detect(reply string) (string, bool) {
	if d.Marker == "" || !strings.Contains(reply, d.Marker) {
		return reply, false
	}
	return strings.TrimSpace(strings.ReplaceAll(reply, d.Marker, "")), true
}

const stageWrapUp = "That wraps up this stage."

type Deps struct {
	Store      FoundationStore
	Resolver   stage.Resolver
	Sessions   SessionManager
	Dispatcher Dispatcher
	Queue      MessageQueue
	Detector   CompletionDetector
	Logger     *zap.Logger
	Now        func() time.Time
}

type Orchestrator struct {
	deps    Deps
	apology string
	logger  *zap.Logger
}

func New(deps Deps, cfg config.ConversationConfig) *Orchestrator {
	if deps.Detector == nil {
		deps.Detector = MarkerDetector{Marker: cfg.CompleteMarker}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	apology := strings.TrimSpace(cfg.Apology)
	if apology == "" {
		apology = config.Default().Conversation.Apology
	}
	return &Orchestrator{deps: deps, apology: apology, logger: logger}
}

// TurnResult describes one completed turn. Failed is set when the agent
// produced no reply and the apology was used instead; Cause carries the
// reason for operators. UserSaved and ReplySaved resolve once the queue has
// delivered each message.
type TurnResult struct {
	Stage          domain.Stage
	AgentID        string
	SessionID      string
	UserMessage    domain.Message
	ReplyMessage   domain.Message
	Reply          string
	Failed         bool
	Cause          error
	StageCompleted bool
	NextStage      domain.Stage
	UserSaved      <-chan persist.Result
	ReplySaved     <-chan persist.Result
}

// Turn processes one user utterance. It only returns an error for invalid
// input; every downstream failure is absorbed and reflected in the result.
// tr may be nil when no visible transcript is kept.
func (o *Orchestrator) Turn(ctx context.Context, tr *transcript.Transcript, foundationID, text string) (TurnResult, error) {
	text = strings.TrimSpace(text)
	if err := domain.ValidateMessage(foundationID, domain.RoleUser, text); err != nil {
		return TurnResult{}, err
	}
	log := o.logger.With(zap.String("foundation_id", foundationID))

	userMsg := o.message(foundationID, domain.RoleUser, text)
	if tr != nil {
		tr.Append(userMsg)
	}
	userSaved := o.deps.Queue.Save(foundationID, domain.RoleUser, text)

	f, loaded := o.loadFoundation(ctx, foundationID, log)
	st, agentID := o.deps.Resolver.Resolve(f.Flags)
	if loaded {
		if !stage.Consistent(f.Flags) {
			log.Warn("completion flags out of order, using earliest open stage",
				zap.Any("flags", f.Flags), zap.String("stage", string(st)))
		}
		if st != f.CurrentStage {
			if err := o.deps.Store.SetCurrentStage(ctx, foundationID, st); err != nil {
				log.Warn("persist current stage", zap.String("stage", string(st)), zap.Error(err))
			}
		}
	}
	log = log.With(zap.String("stage", string(st)), zap.String("agent_id", agentID))

	sess := o.deps.Sessions.Ensure(ctx, f.Sessions.For(st))
	if sess.Changed() && loaded {
		if err := o.deps.Store.SetStageSession(ctx, foundationID, st, sess.ID); err != nil {
			log.Warn("persist session id", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	res := TurnResult{
		Stage:       st,
		AgentID:     agentID,
		SessionID:   sess.ID,
		UserMessage: userMsg,
		NextStage:   st,
		UserSaved:   userSaved,
	}

	reply, err := o.deps.Dispatcher.Dispatch(ctx, sess.ID, agentID, text)
	complete := false
	if err != nil {
		if sess.Err != nil {
			err = sess.Err
		}
		log.Error("agent turn failed", zap.String("session_id", sess.ID), zap.Error(err))
		reply = o.apology
		res.Failed = true
		res.Cause = err
	} else {
		reply, complete = o.deps.Detector.Detect(reply)
		if complete && strings.TrimSpace(reply) == "" {
			reply = stageWrapUp
		}
	}

	res.Reply = reply
	res.ReplyMessage = o.message(foundationID, domain.RoleAssistant, reply)
	if tr != nil {
		tr.Append(res.ReplyMessage)
	}
	res.ReplySaved = o.deps.Queue.Save(foundationID, domain.RoleAssistant, reply)

	if complete && loaded {
		updated, err := o.deps.Store.CompleteStage(ctx, foundationID, st)
		if err != nil {
			log.Error("complete stage", zap.Error(err))
		} else {
			res.StageCompleted = true
			res.NextStage = stage.Resolve(updated.Flags)
			log.Info("stage completed", zap.String("next_stage", string(res.NextStage)))
		}
	}
	return res, nil
}

// loadFoundation falls back to a blank foundation, and so to the genre
// stage, when the record cannot be read.
func (o *Orchestrator) loadFoundation(ctx context.Context, id string, log *zap.Logger) (domain.Foundation, bool) {
	f, err := o.deps.Store.GetFoundation(ctx, id)
	if err != nil {
		log.Warn("foundation unavailable, falling back to genre stage", zap.Error(err))
		return domain.Foundation{ID: id, CurrentStage: domain.StageGenre}, false
	}
	return f, true
}

func (o *Orchestrator) message(foundationID string, role domain.Role, content string) domain.Message {
	return domain.Message{
		FoundationID: foundationID,
		Role:         role,
		Content:      content,
		CreatedAt:    o.deps.Now().UTC().Format(time.RFC3339Nano),
	}
}
