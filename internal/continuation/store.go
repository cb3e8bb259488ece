package continuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the continuation id is absent or expired.
var ErrNotFound = errors.New("continuation not found")

// ErrBudgetExhausted indicates the record accepts no further exchanges.
var ErrBudgetExhausted = errors.New("continuation budget exhausted")

// ErrNoPersister indicates persist=true was requested without a durable
// backend configured.
var ErrNoPersister = errors.New("durable persistence is not configured")

// Exchange is one request/result pair in a continuation history. The history
// is append-only.
type Exchange struct {
	Prompt   string    `json:"prompt,omitempty"`
	Response string    `json:"response,omitempty"`
	Model    string    `json:"model,omitempty"`
	At       time.Time `json:"at"`
}

// Project holds the structured context captured for cross-session handoffs.
type Project struct {
	Name       string   `json:"name"`
	Context    string   `json:"context,omitempty"`
	Decisions  []string `json:"decisions,omitempty"`
	Blockers   []string `json:"blockers,omitempty"`
	NextSteps  []string `json:"next_steps,omitempty"`
	FocusAreas []string `json:"focus_areas,omitempty"`
}

// Record is the continuation state owned exclusively by the store. Callers
// receive deep copies and never mutate the stored record directly.
type Record struct {
	ID              string     `json:"id"`
	Project         Project    `json:"project"`
	Exchanges       []Exchange `json:"exchanges,omitempty"`
	RemainingBudget int        `json:"remaining_budget"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	Persisted       bool       `json:"persisted"`
}

// Summary is a lightweight listing entry.
type Summary struct {
	ID          string    `json:"id"`
	ProjectName string    `json:"project_name"`
	UpdatedAt   time.Time `json:"updated_at"`
	Source      string    `json:"source"`
}

// Persister is the durable backend behind persist=true records.
type Persister interface {
	Save(ctx context.Context, record Record) error
	Load(ctx context.Context, id string) (Record, bool, error)
	LoadByName(ctx context.Context, name string) (Record, bool, error)
	List(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, id string) error
}

// Store is the in-memory continuation store with TTL expiry and an optional
// durable backend. A single mutex serializes appends, which keeps the
// remaining-budget decrement monotonic under concurrent chains sharing an id.
// Durable writes happen under the same mutex, before the in-memory commit, so
// snapshots reach the backend in mutation order and a failed write leaves the
// record untouched.
type Store struct {
	mu        sync.Mutex
	records   map[string]*Record
	ttl       time.Duration
	budget    int
	persister Persister
	now       func() time.Time
}

// Option customises store construction.
type Option func(*Store)

// WithPersister wires a durable backend for persist=true records.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore constructs a store. ttl bounds the life of non-persisted records;
// budget is the number of exchanges each record may still accept after
// capture.
func NewStore(ttl time.Duration, budget int, opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*Record),
		ttl:     ttl,
		budget:  budget,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture allocates a new record. When id is empty a fresh 128-bit random
// identifier is assigned. A non-nil first exchange becomes the start of the
// history. persist=true writes through to the durable backend and exempts
// the record from TTL eviction.
func (s *Store) Capture(ctx context.Context, id string, project Project, first *Exchange, persist bool) (Record, error) {
	if persist && s.persister == nil {
		return Record{}, ErrNoPersister
	}

	if id == "" {
		id = uuid.NewString()
	}

	now := s.now()
	record := &Record{
		ID:              id,
		Project:         project,
		RemainingBudget: s.budget,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
		Persisted:       persist,
	}
	if first != nil {
		record.Exchanges = append(record.Exchanges, *first)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if persist {
		if err := s.persister.Save(ctx, clone(record)); err != nil {
			return Record{}, fmt.Errorf("persist continuation %s: %w", id, err)
		}
	}
	s.records[id] = record

	slog.Debug("continuation captured", "id", id, "project", project.Name, "persisted", persist)
	return clone(record), nil
}

// Append adds one exchange to an existing record, decrementing its budget.
// It fails with ErrBudgetExhausted once the budget reaches zero and with
// ErrNotFound for absent or expired ids. Failures are never silent: the
// caller always learns whether the exchange was recorded. For persisted
// records the durable write commits before the in-memory state, so a failed
// write never diverges the two and a retry cannot double-record.
func (s *Store) Append(ctx context.Context, id string, exchange Exchange) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.lookupLocked(ctx, id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if record.RemainingBudget <= 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrBudgetExhausted, id)
	}

	updated := clone(record)
	updated.Exchanges = append(updated.Exchanges, exchange)
	updated.RemainingBudget--
	updated.UpdatedAt = s.now()

	if record.Persisted {
		if err := s.persister.Save(ctx, clone(&updated)); err != nil {
			return Record{}, fmt.Errorf("persist continuation %s: %w", id, err)
		}
	}

	*record = updated
	return clone(record), nil
}

// Retrieve returns a copy of the record. Zero-budget records remain
// retrievable until expiry or deletion. Misses in memory fall through to the
// durable backend; hits there are cached back into memory.
func (s *Store) Retrieve(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	if record, ok := s.lookupLocked(ctx, id); ok {
		copied := clone(record)
		s.mu.Unlock()
		return copied, nil
	}
	s.mu.Unlock()

	if s.persister != nil {
		record, found, err := s.persister.Load(ctx, id)
		if err != nil {
			return Record{}, fmt.Errorf("load continuation %s: %w", id, err)
		}
		if found {
			s.cache(record)
			return record, nil
		}
	}

	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// RetrieveByName finds a record by its project name, memory first.
func (s *Store) RetrieveByName(ctx context.Context, name string) (Record, error) {
	s.mu.Lock()
	for id, record := range s.records {
		if record.Project.Name == name {
			if fresh, ok := s.lookupLocked(ctx, id); ok {
				copied := clone(fresh)
				s.mu.Unlock()
				return copied, nil
			}
		}
	}
	s.mu.Unlock()

	if s.persister != nil {
		record, found, err := s.persister.LoadByName(ctx, name)
		if err != nil {
			return Record{}, fmt.Errorf("load continuation by name %q: %w", name, err)
		}
		if found {
			s.cache(record)
			return record, nil
		}
	}

	return Record{}, fmt.Errorf("%w: project %q", ErrNotFound, name)
}

// List summarises live records across memory and the durable backend.
// Memory entries win on id collisions.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	seen := make(map[string]Summary)

	s.mu.Lock()
	now := s.now()
	for id, record := range s.records {
		if s.expired(record, now) {
			continue
		}
		seen[id] = Summary{
			ID:          id,
			ProjectName: record.Project.Name,
			UpdatedAt:   record.UpdatedAt,
			Source:      "memory",
		}
	}
	s.mu.Unlock()

	if s.persister != nil {
		durable, err := s.persister.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list persisted continuations: %w", err)
		}
		for _, summary := range durable {
			if _, ok := seen[summary.ID]; !ok {
				seen[summary.ID] = summary
			}
		}
	}

	result := make([]Summary, 0, len(seen))
	for _, summary := range seen {
		result = append(result, summary)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// Delete removes a record from memory and the durable backend.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, existed := s.records[id]
	delete(s.records, id)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete persisted continuation %s: %w", id, err)
		}
		return nil
	}

	if !existed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Sweep drops expired non-persisted records and reports how many were
// removed. Persisted records are exempt from TTL eviction.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, record := range s.records {
		if s.expired(record, now) {
			delete(s.records, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("continuation sweep", "removed", removed)
	}
	return removed
}

// lookupLocked resolves a live in-memory record, lazily dropping it when
// expired. Caller holds s.mu.
func (s *Store) lookupLocked(_ context.Context, id string) (*Record, bool) {
	record, ok := s.records[id]
	if !ok {
		return nil, false
	}
	if s.expired(record, s.now()) {
		delete(s.records, id)
		return nil, false
	}
	return record, true
}

func (s *Store) expired(record *Record, now time.Time) bool {
	return !record.Persisted && now.After(record.ExpiresAt)
}

func (s *Store) cache(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := record
	s.records[record.ID] = &stored
}

func clone(record *Record) Record {
	copied := *record
	if record.Exchanges != nil {
		copied.Exchanges = make([]Exchange, len(record.Exchanges))
		copy(copied.Exchanges, record.Exchanges)
	}
	copied.Project = cloneProject(record.Project)
	return copied
}

func cloneProject(p Project) Project {
	out := p
	out.Decisions = cloneStrings(p.Decisions)
	out.Blockers = cloneStrings(p.Blockers)
	out.NextSteps = cloneStrings(p.NextSteps)
	out.FocusAreas = cloneStrings(p.FocusAreas)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
