package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storyforge/internal/domain"
	"storyforge/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTransport = errors.New("connection refused")

// memStore is a storage double. fail decides, per content and attempt
// number (1-based), whether a save fails.
type memStore struct {
	mu       sync.Mutex
	saved    []domain.Message
	attempts map[string]int
	active   int
	maxSeen  int
	fail     func(content string, attempt int) error
}

func newMemStore(fail func(content string, attempt int) error) *memStore {
	return &memStore{attempts: map[string]int{}, fail: fail}
}

func (s *memStore) SaveMessage(ctx context.Context, foundationID string, role domain.Role, content string) (domain.Message, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	s.attempts[content]++
	n := s.attempts[content]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()
	if s.fail != nil {
		if err := s.fail(content, n); err != nil {
			return domain.Message{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := domain.Message{ID: fmt.Sprintf("m-%d", len(s.saved)+1), FoundationID: foundationID, Role: role, Content: content}
	s.saved = append(s.saved, m)
	return m, nil
}

func (s *memStore) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.saved))
	for _, m := range s.saved {
		out = append(out, m.Content)
	}
	return out
}

func (s *memStore) attemptsFor(content string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[content]
}

func testOptions() Options {
	return Options{
		Attempts:      3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      4 * time.Millisecond,
		RetryInterval: 10 * time.Millisecond,
	}
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for save result")
		return Result{}
	}
}

func TestSaveImmediateSuccess(t *testing.T) {
	store := newMemStore(nil)
	q := New(store, testOptions())
	defer q.Close()

	res := await(t, q.Save("f-1", domain.RoleUser, "hello"))
	require.NoError(t, res.Err)
	assert.False(t, res.Deferred)
	assert.Equal(t, "hello", res.Message.Content)
	assert.Equal(t, Status{}, q.Status())
}

func TestSaveRecoversAfterThreeFailures(t *testing.T) {
	store := newMemStore(func(content string, attempt int) error {
		if attempt <= 3 {
			return errTransport
		}
		return nil
	})
	var mu sync.Mutex
	var warnings []bool
	opts := testOptions()
	opts.OnStatus = func(s Status) {
		mu.Lock()
		warnings = append(warnings, s.Warning)
		mu.Unlock()
	}
	q := New(store, opts)
	defer q.Close()

	res := await(t, q.Save("f-1", domain.RoleAssistant, "reply"))
	require.NoError(t, res.Err)
	assert.True(t, res.Deferred)
	assert.Equal(t, []string{"reply"}, store.contents(), "no duplicate delivery")
	assert.Equal(t, 4, store.attemptsFor("reply"))

	require.Eventually(t, func() bool {
		s := q.Status()
		return s.Pending == 0 && !s.Warning && !s.InFlight
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, warnings, true)
	assert.False(t, warnings[len(warnings)-1])
}

func TestFIFOUnderFailure(t *testing.T) {
	// A fails through tier 1 and its first two background retries; B never fails.
	store := newMemStore(func(content string, attempt int) error {
		if content == "A" && attempt <= 5 {
			return errTransport
		}
		return nil
	})
	q := New(store, testOptions())
	defer q.Close()

	a := q.Save("f-1", domain.RoleUser, "A")
	b := q.Save("f-1", domain.RoleAssistant, "B")

	require.Eventually(t, func() bool { return q.Status().Pending == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, store.contents(), "B must wait behind A")

	ra := await(t, a)
	rb := await(t, b)
	require.NoError(t, ra.Err)
	require.NoError(t, rb.Err)
	assert.Equal(t, []string{"A", "B"}, store.contents())
	assert.Equal(t, 1, store.attemptsFor("B"))
}

func TestLivenessAfterOutage(t *testing.T) {
	var mu sync.Mutex
	down := true
	store := newMemStore(func(string, int) error {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return errTransport
		}
		return nil
	})
	q := New(store, testOptions())
	defer q.Close()

	var results []<-chan Result
	for i := 0; i < 5; i++ {
		results = append(results, q.Save("f-1", domain.RoleUser, fmt.Sprintf("msg-%d", i)))
	}
	require.Eventually(t, func() bool { return q.Status().Warning }, time.Second, time.Millisecond)

	mu.Lock()
	down = false
	mu.Unlock()

	for _, ch := range results {
		require.NoError(t, await(t, ch).Err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2", "msg-3", "msg-4"}, store.contents())
	assert.Equal(t, 0, q.Status().Pending)
}

func TestOneAttemptInFlight(t *testing.T) {
	store := newMemStore(func(content string, attempt int) error {
		time.Sleep(time.Millisecond)
		if attempt == 1 {
			return errTransport
		}
		return nil
	})
	q := New(store, testOptions())
	defer q.Close()

	var results []<-chan Result
	for i := 0; i < 10; i++ {
		results = append(results, q.Save("f-1", domain.RoleUser, fmt.Sprintf("m%d", i)))
	}
	for _, ch := range results {
		require.NoError(t, await(t, ch).Err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.maxSeen)
}

func TestSaveRejectsInvalidInput(t *testing.T) {
	store := newMemStore(nil)
	q := New(store, testOptions())
	defer q.Close()

	res := await(t, q.Save("f-1", domain.RoleUser, "   "))
	var verr *domain.ValidationError
	require.ErrorAs(t, res.Err, &verr)
	res = await(t, q.Save("", domain.RoleUser, "hi"))
	require.ErrorAs(t, res.Err, &verr)
	assert.Empty(t, store.contents())
}

func TestPermanentErrorDoesNotBlockQueue(t *testing.T) {
	store := newMemStore(func(content string, attempt int) error {
		if content == "orphan" {
			return fmt.Errorf("foundation gone: %w", repo.ErrNotFound)
		}
		return nil
	})
	q := New(store, testOptions())
	defer q.Close()

	orphan := q.Save("f-deleted", domain.RoleUser, "orphan")
	next := q.Save("f-1", domain.RoleUser, "next")
	assert.ErrorIs(t, await(t, orphan).Err, repo.ErrNotFound)
	require.NoError(t, await(t, next).Err)
	assert.Equal(t, 1, store.attemptsFor("orphan"))
}

func TestCloseResolvesUndelivered(t *testing.T) {
	store := newMemStore(func(string, int) error { return errTransport })
	opts := testOptions()
	opts.RetryInterval = time.Hour
	q := New(store, opts)

	a := q.Save("f-1", domain.RoleUser, "A")
	b := q.Save("f-1", domain.RoleUser, "B")
	require.Eventually(t, func() bool { return q.Status().Pending == 1 }, time.Second, time.Millisecond)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, await(t, a).Err, ErrQueueClosed)
	assert.ErrorIs(t, await(t, b).Err, ErrQueueClosed)
	assert.ErrorIs(t, await(t, q.Save("f-1", domain.RoleUser, "late")).Err, ErrQueueClosed)
	assert.Equal(t, Status{}, q.Status())
	assert.ErrorIs(t, q.Wait(context.Background()), ErrQueueClosed)
	require.NoError(t, q.Close())
}
