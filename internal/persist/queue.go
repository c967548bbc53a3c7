// Package persist delivers chat messages to storage at least once without
// blocking the conversation. Failed saves are retried inline with backoff
// and then, if still failing, by a slow background sweep that only ever
// touches the oldest undelivered message.
//
// The ordered list of undelivered messages is owned by a single goroutine.
// Callers reach it only through channels, so no lock guards it.
//
// Undelivered messages live in memory only: a process restart before the
// queue drains loses them.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storyforge/internal/config"
	"storyforge/internal/domain"
	"storyforge/internal/repo"
)

var ErrQueueClosed = errors.New("persistence queue closed")

// Saver performs one save over whatever transport backs the queue.
type Saver interface {
	SaveMessage(ctx context.Context, foundationID string, role domain.Role, content string) (domain.Message, error)
}

type SaverFunc func(ctx context.Context, foundationID string, role domain.Role, content string) (domain.Message, error)

func (f SaverFunc) SaveMessage(ctx context.Context, foundationID string, role domain.Role, content string) (domain.Message, error) {
	return f(ctx, foundationID, role, content)
}

// Result reports the fate of one Save call. Deferred is true when the
// message was only delivered by the background sweep.
type Result struct {
	Message  domain.Message
	Err      error
	Deferred bool
}

// Status is a snapshot for the soft warning shown to users. Pending counts
// messages that exhausted their inline retries; Queued counts every
// undelivered message.
type Status struct {
	Pending   int
	Queued    int
	InFlight  bool
	Warning   bool
	LastError string
}

type Options struct {
	Attempts       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryInterval  time.Duration
	AttemptTimeout time.Duration
	// OnStatus runs on the queue goroutine after every status change. It
	// must return quickly and must not call back into the queue.
	OnStatus func(Status)
	Logger   *zap.Logger
}

func OptionsFromConfig(c config.QueueConfig) Options {
	return Options{
		Attempts:      c.Attempts,
		BaseDelay:     c.BaseDelay,
		MaxDelay:      c.MaxDelay,
		RetryInterval: c.RetryInterval,
	}
}

type entry struct {
	foundationID string
	role         domain.Role
	content      string
	pending      bool
	reply        chan Result
}

type attemptResult struct {
	entry *entry
	msg   domain.Message
	err   error
}

type Queue struct {
	saver  Saver
	opts   Options
	logger *zap.Logger

	inbox     chan *entry
	results   chan attemptResult
	statusReq chan chan Status
	idleReq   chan chan struct{}
	done      chan struct{}
	stopped   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// New starts the queue goroutine. Close must be called to stop it.
func New(saver Saver, opts Options) *Queue {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		saver:     saver,
		opts:      opts,
		logger:    logger,
		inbox:     make(chan *entry),
		results:   make(chan attemptResult, 1),
		statusReq: make(chan chan Status),
		idleReq:   make(chan chan struct{}),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	go q.run()
	return q
}

// Save enqueues a message and returns immediately. The returned channel
// yields exactly one Result, once the message is stored, rejected as
// invalid, or abandoned because the queue closed.
func (q *Queue) Save(foundationID string, role domain.Role, content string) <-chan Result {
	reply := make(chan Result, 1)
	if err := domain.ValidateMessage(foundationID, role, content); err != nil {
		reply <- Result{Err: err}
		close(reply)
		return reply
	}
	e := &entry{foundationID: foundationID, role: role, content: content, reply: reply}
	select {
	case q.inbox <- e:
	case <-q.done:
		reply <- Result{Err: ErrQueueClosed}
		close(reply)
	}
	return reply
}

// Status returns the current queue state; a closed queue reports zero.
func (q *Queue) Status() Status {
	ch := make(chan Status, 1)
	select {
	case q.statusReq <- ch:
		return <-ch
	case <-q.done:
		return Status{}
	}
}

// Wait blocks until every accepted message has been resolved.
func (q *Queue) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	select {
	case q.idleReq <- ch:
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ch:
		select {
		case <-q.done:
			return ErrQueueClosed
		default:
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the queue goroutine and its retry ticker. Messages not yet
// delivered are resolved with ErrQueueClosed.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		q.cancel()
		<-q.stopped
		q.workers.Wait()
	})
	return nil
}

func (q *Queue) run() {
	defer close(q.stopped)
	var (
		entries  []*entry
		inFlight bool
		ticker   *time.Ticker
		tick     <-chan time.Time
		waiters  []chan struct{}
		lastErr  string
		reported Status
	)

	status := func() Status {
		s := Status{Queued: len(entries), InFlight: inFlight, LastError: lastErr}
		for _, e := range entries {
			if e.pending {
				s.Pending++
			}
		}
		s.Warning = s.Pending > 0
		return s
	}
	publish := func() {
		s := status()
		if s == reported {
			return
		}
		reported = s
		if q.opts.OnStatus != nil {
			q.opts.OnStatus(s)
		}
	}
	syncTicker := func() {
		hasPending := len(entries) > 0 && entries[0].pending
		switch {
		case hasPending && ticker == nil:
			ticker = time.NewTicker(q.opts.RetryInterval)
			tick = ticker.C
		case !hasPending && ticker != nil:
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	start := func(e *entry, tries int) {
		inFlight = true
		q.workers.Add(1)
		go q.attempt(e, tries)
	}
	// advance starts work on the head unless it is waiting for a tick.
	advance := func() {
		if inFlight || len(entries) == 0 {
			return
		}
		if !entries[0].pending {
			start(entries[0], q.opts.Attempts)
		}
	}
	notifyIdle := func() {
		if len(entries) > 0 || inFlight {
			return
		}
		for _, w := range waiters {
			close(w)
		}
		waiters = nil
	}

	for {
		select {
		case e := <-q.inbox:
			entries = append(entries, e)
			advance()
			publish()

		case r := <-q.results:
			inFlight = false
			head := entries[0]
			switch {
			case r.err == nil:
				entries = entries[1:]
				head.reply <- Result{Message: r.msg, Deferred: head.pending}
				close(head.reply)
				if head.pending {
					q.logger.Info("deferred message saved", zap.String("foundation_id", head.foundationID), zap.Int("remaining", len(entries)))
				}
				lastErr = ""
				// Drain the backlog without waiting for the next tick.
				if len(entries) > 0 && entries[0].pending {
					start(entries[0], 1)
				} else {
					advance()
				}
			case permanent(r.err):
				entries = entries[1:]
				head.reply <- Result{Err: r.err}
				close(head.reply)
				q.logger.Error("message rejected", zap.String("foundation_id", head.foundationID), zap.Error(r.err))
				if len(entries) > 0 && entries[0].pending {
					start(entries[0], 1)
				} else {
					advance()
				}
			default:
				lastErr = r.err.Error()
				if !head.pending {
					head.pending = true
					q.logger.Warn("message save failed, queued for retry",
						zap.String("foundation_id", head.foundationID),
						zap.Int("attempts", q.opts.Attempts),
						zap.Error(r.err))
				} else {
					q.logger.Debug("deferred save still failing", zap.String("foundation_id", head.foundationID), zap.Error(r.err))
				}
			}
			syncTicker()
			publish()
			notifyIdle()

		case <-tick:
			if !inFlight && len(entries) > 0 && entries[0].pending {
				start(entries[0], 1)
				publish()
			}

		case ch := <-q.statusReq:
			ch <- status()

		case w := <-q.idleReq:
			waiters = append(waiters, w)
			notifyIdle()

		case <-q.done:
			if ticker != nil {
				ticker.Stop()
			}
			for _, e := range entries {
				e.reply <- Result{Err: ErrQueueClosed}
				close(e.reply)
			}
			if len(entries) > 0 {
				q.logger.Warn("persistence queue closed with undelivered messages", zap.Int("count", len(entries)))
			}
			for _, w := range waiters {
				close(w)
			}
			return
		}
	}
}

// attempt runs up to tries saves with exponential backoff between them and
// reports the last outcome.
func (q *Queue) attempt(e *entry, tries int) {
	defer q.workers.Done()
	var (
		msg domain.Message
		err error
	)
	delay := q.opts.BaseDelay
	for i := 0; i < tries; i++ {
		if i > 0 {
			if werr := sleep(q.ctx, delay); werr != nil {
				err = fmt.Errorf("%w: %v", ErrQueueClosed, werr)
				break
			}
			delay *= 2
			if delay > q.opts.MaxDelay {
				delay = q.opts.MaxDelay
			}
		}
		ctx, cancel := context.WithTimeout(q.ctx, q.opts.AttemptTimeout)
		msg, err = q.saver.SaveMessage(ctx, e.foundationID, e.role, e.content)
		cancel()
		if err == nil || permanent(err) {
			break
		}
	}
	q.results <- attemptResult{entry: e, msg: msg, err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return true
	}
	if errors.Is(err, repo.ErrNotFound) {
		return true
	}
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
