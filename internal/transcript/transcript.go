package transcript

import (
	"context"
	"sync"

	"storyforge/internal/domain"
)

// HistorySource loads the stored conversation of a foundation.
type HistorySource interface {
	History(ctx context.Context, foundationID string) ([]domain.Message, error)
}

// Transcript is the visible conversation of one foundation at a time.
type Transcript struct {
	guard Guard

	mu           sync.Mutex
	foundationID string
	messages     []domain.Message
}

func New() *Transcript {
	return &Transcript{}
}

// Load fetches the history of foundationID and shows it, unless another
// Load or Reset started while this one was in flight; then the result,
// including any error, is dropped and applied is false.
func (t *Transcript) Load(ctx context.Context, src HistorySource, foundationID string) (applied bool, err error) {
	tok := t.guard.Begin()
	msgs, err := src.History(ctx, foundationID)
	if err != nil {
		if !t.guard.Current(tok) {
			return false, nil
		}
		return false, err
	}
	applied = t.guard.Commit(tok, func() {
		t.mu.Lock()
		t.foundationID = foundationID
		t.messages = append([]domain.Message(nil), msgs...)
		t.mu.Unlock()
	})
	return applied, nil
}

// Reset switches to foundationID with an empty transcript and supersedes
// loads still in flight.
func (t *Transcript) Reset(foundationID string) {
	tok := t.guard.Begin()
	t.guard.Commit(tok, func() {
		t.mu.Lock()
		t.foundationID = foundationID
		t.messages = nil
		t.mu.Unlock()
	})
}

// Append adds m when it belongs to the active foundation. Messages for a
// foundation the user has since left are not shown.
func (t *Transcript) Append(m domain.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.foundationID == "" {
		t.foundationID = m.FoundationID
	}
	if m.FoundationID != t.foundationID {
		return false
	}
	t.messages = append(t.messages, m)
	return true
}

func (t *Transcript) FoundationID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.foundationID
}

// Messages returns a copy of the visible conversation.
func (t *Transcript) Messages() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Message(nil), t.messages...)
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}
