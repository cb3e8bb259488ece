package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapture_AssignsID(t *testing.T) {
	s := NewStore(time.Hour, 5)

	record, err := s.Capture(context.Background(), "", Project{Name: "demo"}, nil, false)
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, 5, record.RemainingBudget)

	other, err := s.Capture(context.Background(), "", Project{Name: "demo2"}, nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, record.ID, other.ID)
}

func TestCapture_ReusesSuppliedID(t *testing.T) {
	s := NewStore(time.Hour, 5)

	record, err := s.Capture(context.Background(), "fixed-id", Project{Name: "demo"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", record.ID)
}

func TestAppend_BudgetMonotonicallyDecreases(t *testing.T) {
	s := NewStore(time.Hour, 3)
	record, err := s.Capture(context.Background(), "", Project{Name: "demo"}, nil, false)
	require.NoError(t, err)

	last := record.RemainingBudget
	for i := 0; i < 3; i++ {
		updated, err := s.Append(context.Background(), record.ID, Exchange{Prompt: "p", Response: "r", At: time.Now()})
		require.NoError(t, err)
		assert.Less(t, updated.RemainingBudget, last)
		last = updated.RemainingBudget
	}
	assert.Equal(t, 0, last)

	_, err = s.Append(context.Background(), record.ID, Exchange{Prompt: "p"})
	assert.ErrorIs(t, err, ErrBudgetExhausted)

	// Still retrievable read-only after exhaustion.
	got, err := s.Retrieve(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Len(t, got.Exchanges, 3)
}

func TestAppend_NotFound(t *testing.T) {
	s := NewStore(time.Hour, 3)
	_, err := s.Append(context.Background(), "missing", Exchange{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetrieve_IdempotentWithoutAppend(t *testing.T) {
	s := NewStore(time.Hour, 3)
	record, err := s.Capture(context.Background(), "", Project{
		Name:      "demo",
		Decisions: []string{"Use CSS variables"},
	}, nil, false)
	require.NoError(t, err)

	first, err := s.Retrieve(context.Background(), record.ID)
	require.NoError(t, err)
	second, err := s.Retrieve(context.Background(), record.ID)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRetrieve_CopiesDoNotAliasStore(t *testing.T) {
	s := NewStore(time.Hour, 3)
	record, err := s.Capture(context.Background(), "", Project{
		Name:      "demo",
		Decisions: []string{"original"},
	}, nil, false)
	require.NoError(t, err)

	got, err := s.Retrieve(context.Background(), record.ID)
	require.NoError(t, err)
	got.Project.Decisions[0] = "mutated"

	again, err := s.Retrieve(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", again.Project.Decisions[0])
}

func TestTTL_ExpiryAndSweep(t *testing.T) {
	now := time.Now()
	s := NewStore(time.Hour, 3, WithClock(func() time.Time { return now }))

	ephemeral, err := s.Capture(context.Background(), "", Project{Name: "ephemeral"}, nil, false)
	require.NoError(t, err)

	// Lazy expiry on access.
	now = now.Add(2 * time.Hour)
	_, err = s.Retrieve(context.Background(), ephemeral.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Sweep removes without access.
	now = now.Add(-2 * time.Hour)
	other, err := s.Capture(context.Background(), "", Project{Name: "other"}, nil, false)
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, s.Sweep())
	_, err = s.Retrieve(context.Background(), other.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersist_RequiresBackend(t *testing.T) {
	s := NewStore(time.Hour, 3)
	_, err := s.Capture(context.Background(), "", Project{Name: "demo"}, nil, true)
	assert.ErrorIs(t, err, ErrNoPersister)
}

func TestRetrieveByName(t *testing.T) {
	s := NewStore(time.Hour, 3)
	_, err := s.Capture(context.Background(), "", Project{Name: "dark-mode-feature"}, nil, false)
	require.NoError(t, err)

	record, err := s.RetrieveByName(context.Background(), "dark-mode-feature")
	require.NoError(t, err)
	assert.Equal(t, "dark-mode-feature", record.Project.Name)

	_, err = s.RetrieveByName(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppend_ConcurrentChainsStayConsistent(t *testing.T) {
	const budget = 20
	s := NewStore(time.Hour, budget)
	record, err := s.Capture(context.Background(), "", Project{Name: "demo"}, nil, false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Append(context.Background(), record.ID, Exchange{Prompt: "p"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	exhausted := 0
	for err := range errs {
		require.ErrorIs(t, err, ErrBudgetExhausted)
		exhausted++
	}
	assert.Equal(t, 50-budget, exhausted)

	got, err := s.Retrieve(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RemainingBudget)
	assert.Len(t, got.Exchanges, budget)
}

// recordingPersister captures every saved snapshot, optionally delaying or
// failing saves to exercise ordering under concurrent appends.
type recordingPersister struct {
	mu      sync.Mutex
	saves   []Record
	saveErr error
	delay   time.Duration
}

func (p *recordingPersister) Save(_ context.Context, record Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
		p.delay = 0
	}
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saves = append(p.saves, record)
	return nil
}

func (p *recordingPersister) Load(context.Context, string) (Record, bool, error) {
	return Record{}, false, nil
}

func (p *recordingPersister) LoadByName(context.Context, string) (Record, bool, error) {
	return Record{}, false, nil
}

func (p *recordingPersister) List(context.Context) ([]Summary, error) { return nil, nil }

func (p *recordingPersister) Delete(context.Context, string) error { return nil }

func (p *recordingPersister) lastSave(t *testing.T) Record {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.saves)
	return p.saves[len(p.saves)-1]
}

func TestAppend_DurableWritesFollowMutationOrder(t *testing.T) {
	backend := &recordingPersister{}
	s := NewStore(time.Hour, 10, WithPersister(backend))

	record, err := s.Capture(context.Background(), "", Project{Name: "demo"}, nil, true)
	require.NoError(t, err)

	// Stall the next durable write; the slow append must still commit its
	// snapshot before the fast one.
	backend.mu.Lock()
	backend.delay = 20 * time.Millisecond
	backend.mu.Unlock()

	var wg sync.WaitGroup
	for _, prompt := range []string{"first", "second"} {
		wg.Add(1)
		go func(prompt string) {
			defer wg.Done()
			_, err := s.Append(context.Background(), record.ID, Exchange{Prompt: prompt})
			assert.NoError(t, err)
		}(prompt)
	}
	wg.Wait()

	got, err := s.Retrieve(context.Background(), record.ID)
	require.NoError(t, err)
	require.Len(t, got.Exchanges, 2)
	assert.Equal(t, 8, got.RemainingBudget)

	last := backend.lastSave(t)
	assert.Len(t, last.Exchanges, 2)
	assert.Equal(t, 8, last.RemainingBudget)
}

func TestAppend_FailedDurableWriteLeavesMemoryUntouched(t *testing.T) {
	backend := &recordingPersister{}
	s := NewStore(time.Hour, 10, WithPersister(backend))

	record, err := s.Capture(context.Background(), "", Project{Name: "demo"}, nil, true)
	require.NoError(t, err)

	backend.mu.Lock()
	backend.saveErr = errors.New("disk full")
	backend.mu.Unlock()

	_, err = s.Append(context.Background(), record.ID, Exchange{Prompt: "p"})
	require.Error(t, err)

	got, err := s.Retrieve(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Exchanges)
	assert.Equal(t, 10, got.RemainingBudget)

	// A retry after the backend recovers records the exchange exactly once.
	backend.mu.Lock()
	backend.saveErr = nil
	backend.mu.Unlock()

	updated, err := s.Append(context.Background(), record.ID, Exchange{Prompt: "p"})
	require.NoError(t, err)
	assert.Len(t, updated.Exchanges, 1)
	assert.Equal(t, 9, updated.RemainingBudget)
}

func TestList_OrdersByRecency(t *testing.T) {
	now := time.Now()
	s := NewStore(time.Hour, 3, WithClock(func() time.Time { return now }))

	_, err := s.Capture(context.Background(), "a", Project{Name: "first"}, nil, false)
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = s.Capture(context.Background(), "b", Project{Name: "second"}, nil, false)
	require.NoError(t, err)

	summaries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "second", summaries[0].ProjectName)
	assert.Equal(t, "memory", summaries[0].Source)
}
