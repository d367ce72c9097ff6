package correlate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/empi/empi/internal/domain/person"
	"github.com/empi/empi/internal/platform/similarity"
)

// fakeStore serves canned persons and records cursor open/close counts so
// tests can verify resource discipline.
type fakeStore struct {
	persons []*person.Person
	// failAfter makes each cursor error out after that many rows; negative
	// disables the failure.
	failAfter int

	lastFilter *person.SearchFilter
	opened     int
	closed     int
}

func newFakeStore(persons ...*person.Person) *fakeStore {
	return &fakeStore{persons: persons, failAfter: -1}
}

func (s *fakeStore) Query(ctx context.Context, f *person.SearchFilter) ([]*person.Person, error) {
	cur, err := s.QueryIterator(ctx, f)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []*person.Person
	for cur.Next() {
		out = append(out, cur.Person())
	}
	return out, cur.Err()
}

func (s *fakeStore) QueryIterator(ctx context.Context, f *person.SearchFilter) (person.Cursor, error) {
	s.lastFilter = f
	s.opened++
	var matched []*person.Person
	for _, p := range s.persons {
		if f.Matches(p) {
			matched = append(matched, p)
		}
	}
	return &fakeCursor{store: s, persons: matched, failAfter: s.failAfter}, nil
}

func (s *fakeStore) GetByOID(ctx context.Context, oid uuid.UUID) (*person.Person, error) {
	for _, p := range s.persons {
		if p.OID == oid {
			return p, nil
		}
	}
	return nil, person.ErrNotFound
}

func (s *fakeStore) GetByCorpID(ctx context.Context, domain, corpID string) (*person.Person, error) {
	return nil, person.ErrNotFound
}

func (s *fakeStore) AddPerson(ctx context.Context, p *person.Person) (uuid.UUID, error) {
	return uuid.Nil, errors.New("not implemented")
}

func (s *fakeStore) AddPersonInfo(ctx context.Context, p *person.Person) (uuid.UUID, error) {
	return uuid.Nil, errors.New("not implemented")
}

func (s *fakeStore) UpdatePerson(ctx context.Context, p *person.Person) error {
	return errors.New("not implemented")
}

func (s *fakeStore) MergePersons(ctx context.Context, persons []*person.Person) (*person.Person, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) SplitPerson(ctx context.Context, orig *person.Person, headers []person.DocumentHeader) (uuid.UUID, error) {
	return uuid.Nil, errors.New("not implemented")
}

func (s *fakeStore) RemovePerson(ctx context.Context, oid uuid.UUID) error {
	return errors.New("not implemented")
}

func (s *fakeStore) UpdateEID(ctx context.Context, domain, facility, oldLocalID, newLocalID, oldEID, newEID string) (int64, error) {
	return 0, errors.New("not implemented")
}

type fakeCursor struct {
	store     *fakeStore
	persons   []*person.Person
	i         int
	failAfter int
	err       error
	closed    bool
}

func (c *fakeCursor) Next() bool {
	if c.err != nil || c.closed {
		return false
	}
	if c.failAfter >= 0 && c.i >= c.failAfter {
		c.err = errors.New("simulated store failure")
		return false
	}
	if c.i >= len(c.persons) {
		return false
	}
	c.i++
	return true
}

func (c *fakeCursor) Person() *person.Person { return c.persons[c.i-1] }
func (c *fakeCursor) Err() error             { return c.err }

func (c *fakeCursor) Close() error {
	if !c.closed {
		c.closed = true
		c.store.closed++
	}
	return nil
}

func newTestEngine(store person.Store, idleTimeout time.Duration) *Engine {
	cmp := NewComparator(similarity.JaroWinkler{})
	return NewEngine(
		NewRetriever(store, 0),
		NewVectorBuilder(cmp),
		NewAggregator(StatMean, cmp),
		idleTimeout,
		zerolog.Nop(),
	)
}

func indexedPerson(first, last, ssn string) *person.Person {
	p := &person.Person{
		OID:   uuid.New(),
		Names: []person.PersonName{{First: first, Last: last}},
	}
	if ssn != "" {
		p.SSNs = []string{ssn}
	}
	return p
}

func TestLookupReturnsFastMatchesAndClosesCursor(t *testing.T) {
	match := indexedPerson("John", "Smith", "123456789")
	other := indexedPerson("Johan", "Smit", "987654321")
	store := newFakeStore(match, other)
	engine := newTestEngine(store, 0)

	query := indexedPerson("John", "Smith", "123456789")
	got, err := engine.Lookup(context.Background(), query, 0.99, 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 1 || got[0].OID != match.OID {
		t.Fatalf("Lookup = %d matches, want the fast-matched person", len(got))
	}
	if store.opened != 1 || store.closed != 1 {
		t.Errorf("cursor open/close = %d/%d, want 1/1", store.opened, store.closed)
	}
}

func TestLookupCapsMatches(t *testing.T) {
	var persons []*person.Person
	for i := 0; i < 5; i++ {
		persons = append(persons, indexedPerson("John", "Smith", "123456789"))
	}
	store := newFakeStore(persons...)
	engine := newTestEngine(store, 0)

	query := indexedPerson("John", "Smith", "123456789")
	got, err := engine.Lookup(context.Background(), query, 0.9, 2)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Lookup with maxMatches=2 returned %d", len(got))
	}
	if store.closed != 1 {
		t.Errorf("cursor not closed after capped lookup")
	}
}

func TestLookupZeroConfidenceAcceptsAll(t *testing.T) {
	store := newFakeStore(
		indexedPerson("John", "Smith", ""),
		indexedPerson("Jane", "Smith", ""),
	)
	engine := newTestEngine(store, 0)

	// Same search-key bucket, wildly different first names; threshold 0
	// accepts them all unscored.
	query := indexedPerson("Zachary", "Smith", "")
	got, err := engine.Lookup(context.Background(), query, 0, 0)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Lookup with confidence 0 = %d matches, want all candidates", len(got))
	}
}

func TestLookupSessionLifecycle(t *testing.T) {
	store := newFakeStore(
		indexedPerson("John", "Smith", "123456789"),
		indexedPerson("John", "Smith", "123456789"),
		indexedPerson("John", "Smith", "123456789"),
	)
	engine := newTestEngine(store, 0)
	query := indexedPerson("John", "Smith", "123456789")

	sid, err := engine.LookupStart(context.Background(), query, 0.9)
	if err != nil {
		t.Fatalf("LookupStart: %v", err)
	}

	page, err := engine.LookupNext(context.Background(), sid, 2)
	if err != nil {
		t.Fatalf("LookupNext: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("first page = %d, want 2", len(page))
	}

	page, err = engine.LookupNext(context.Background(), sid, 2)
	if err != nil {
		t.Fatalf("LookupNext: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("second page = %d, want 1", len(page))
	}

	if err := engine.LookupEnd(sid); err != nil {
		t.Fatalf("LookupEnd: %v", err)
	}
	if store.closed != 1 {
		t.Errorf("cursor closed %d times, want 1", store.closed)
	}

	// End is idempotent, Next after End errors.
	if err := engine.LookupEnd(sid); err != nil {
		t.Errorf("second LookupEnd: %v", err)
	}
	if _, err := engine.LookupNext(context.Background(), sid, 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Next after End = %v, want ErrSessionNotFound", err)
	}
}

func TestLookupEndAfterMidIterationError(t *testing.T) {
	store := newFakeStore(
		indexedPerson("John", "Smith", "123456789"),
		indexedPerson("John", "Smith", "123456789"),
	)
	store.failAfter = 1
	engine := newTestEngine(store, 0)
	query := indexedPerson("John", "Smith", "123456789")

	sid, err := engine.LookupStart(context.Background(), query, 0.9)
	if err != nil {
		t.Fatalf("LookupStart: %v", err)
	}
	if _, err := engine.LookupNext(context.Background(), sid, 10); err == nil {
		t.Fatal("expected mid-iteration error")
	}

	// End still succeeds and releases the cursor.
	if err := engine.LookupEnd(sid); err != nil {
		t.Fatalf("LookupEnd after error: %v", err)
	}
	if store.closed != 1 {
		t.Errorf("cursor closed %d times after error path, want 1", store.closed)
	}
}

func TestIdleReaperReleasesAbandonedSession(t *testing.T) {
	store := newFakeStore(indexedPerson("John", "Smith", "123456789"))
	engine := newTestEngine(store, 20*time.Millisecond)
	query := indexedPerson("John", "Smith", "123456789")

	sid, err := engine.LookupStart(context.Background(), query, 0.9)
	if err != nil {
		t.Fatalf("LookupStart: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.closed == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.closed != 1 {
		t.Fatal("reaper did not release the abandoned session")
	}
	if _, err := engine.LookupNext(context.Background(), sid, 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Next after reap = %v, want ErrSessionNotFound", err)
	}
}

func TestShutdownReleasesAllSessions(t *testing.T) {
	store := newFakeStore(indexedPerson("John", "Smith", "123456789"))
	engine := newTestEngine(store, 0)
	query := indexedPerson("John", "Smith", "123456789")

	for i := 0; i < 3; i++ {
		if _, err := engine.LookupStart(context.Background(), query, 0.9); err != nil {
			t.Fatalf("LookupStart: %v", err)
		}
	}
	engine.Shutdown()
	if store.closed != 3 {
		t.Errorf("Shutdown closed %d cursors, want 3", store.closed)
	}
}
