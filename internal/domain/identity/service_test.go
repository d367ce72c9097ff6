package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/empi/empi/internal/correlate"
	"github.com/empi/empi/internal/domain/person"
	"github.com/empi/empi/internal/domain/review"
	"github.com/empi/empi/internal/platform/similarity"
)

// memStore is an in-memory person.Store recording mutation counts.
type memStore struct {
	persons map[uuid.UUID]*person.Person

	adds     int
	addInfos int
	updates  int
	merges   int
	splits   int
	removes  int

	lastAddInfo *person.Person
}

func newMemStore(persons ...*person.Person) *memStore {
	s := &memStore{persons: make(map[uuid.UUID]*person.Person)}
	for _, p := range persons {
		if p.OID == uuid.Nil {
			p.OID = uuid.New()
		}
		s.persons[p.OID] = p
	}
	return s
}

func (s *memStore) mutations() int {
	return s.adds + s.addInfos + s.updates + s.merges + s.splits + s.removes
}

func (s *memStore) Query(ctx context.Context, f *person.SearchFilter) ([]*person.Person, error) {
	var out []*person.Person
	for _, p := range s.persons {
		if f.Matches(p) {
			out = append(out, p)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) QueryIterator(ctx context.Context, f *person.SearchFilter) (person.Cursor, error) {
	matched, _ := s.Query(ctx, f)
	return &memCursor{persons: matched}, nil
}

func (s *memStore) GetByOID(ctx context.Context, oid uuid.UUID) (*person.Person, error) {
	p, ok := s.persons[oid]
	if !ok {
		return nil, person.ErrNotFound
	}
	return p, nil
}

func (s *memStore) GetByCorpID(ctx context.Context, domain, corpID string) (*person.Person, error) {
	found, _ := s.Query(ctx, &person.SearchFilter{CorpID: corpID, CorpIDDomain: domain, Limit: 1})
	if len(found) == 0 {
		return nil, person.ErrNotFound
	}
	return found[0], nil
}

func (s *memStore) AddPerson(ctx context.Context, p *person.Person) (uuid.UUID, error) {
	s.adds++
	if p.OID == uuid.Nil {
		p.OID = uuid.New()
	}
	s.persons[p.OID] = p
	return p.OID, nil
}

func (s *memStore) AddPersonInfo(ctx context.Context, p *person.Person) (uuid.UUID, error) {
	s.addInfos++
	s.lastAddInfo = p
	existing, ok := s.persons[p.OID]
	if !ok {
		return uuid.Nil, person.ErrNotFound
	}
	existing.Names = append(existing.Names, p.Names...)
	existing.Addresses = append(existing.Addresses, p.Addresses...)
	existing.SSNs = append(existing.SSNs, p.SSNs...)
	existing.DatesOfBirth = append(existing.DatesOfBirth, p.DatesOfBirth...)
	existing.Identifiers = append(existing.Identifiers, p.Identifiers...)
	existing.DocumentHeaders = append(existing.DocumentHeaders, p.DocumentHeaders...)
	return p.OID, nil
}

func (s *memStore) UpdatePerson(ctx context.Context, p *person.Person) error {
	s.updates++
	existing, ok := s.persons[p.OID]
	if !ok {
		return person.ErrNotFound
	}
	existing.Nationality = p.Nationality
	existing.MaidenName = p.MaidenName
	existing.Expired = p.Expired
	return nil
}

func (s *memStore) MergePersons(ctx context.Context, persons []*person.Person) (*person.Person, error) {
	s.merges++
	survivor := s.persons[persons[0].OID]
	for _, absorbed := range persons[1:] {
		stored, ok := s.persons[absorbed.OID]
		if !ok {
			return nil, person.ErrConflict
		}
		// Everything except the triggering identifier re-parents to the
		// survivor.
		survivor.Identifiers = append(survivor.Identifiers, stored.Identifiers[1:]...)
		survivor.DocumentHeaders = append(survivor.DocumentHeaders, stored.DocumentHeaders...)
		delete(s.persons, absorbed.OID)
	}
	return survivor, nil
}

func (s *memStore) SplitPerson(ctx context.Context, orig *person.Person, headers []person.DocumentHeader) (uuid.UUID, error) {
	s.splits++
	stored := s.persons[orig.OID]
	split := &person.Person{
		OID:         uuid.New(),
		Nationality: stored.Nationality,
		MaidenName:  stored.MaidenName,
	}
	for _, h := range headers {
		moved := false
		for i, sh := range stored.DocumentHeaders {
			if sh.ID == h.ID {
				stored.DocumentHeaders = append(stored.DocumentHeaders[:i], stored.DocumentHeaders[i+1:]...)
				split.DocumentHeaders = append(split.DocumentHeaders, sh)
				moved = true
				break
			}
		}
		if !moved {
			return uuid.Nil, person.ErrConflict
		}
	}
	s.persons[split.OID] = split
	return split.OID, nil
}

func (s *memStore) RemovePerson(ctx context.Context, oid uuid.UUID) error {
	s.removes++
	if _, ok := s.persons[oid]; !ok {
		return person.ErrNotFound
	}
	delete(s.persons, oid)
	return nil
}

func (s *memStore) UpdateEID(ctx context.Context, domain, facility, oldLocalID, newLocalID, oldEID, newEID string) (int64, error) {
	var n int64
	for _, p := range s.persons {
		for i := range p.Identifiers {
			id := &p.Identifiers[i]
			if strings.EqualFold(id.AssigningAuthority.NamespaceID, domain) &&
				strings.EqualFold(id.AssigningFacility.NamespaceID, facility) &&
				strings.EqualFold(id.ID, oldLocalID) &&
				strings.EqualFold(id.VirtualEID(), oldEID) {
				id.ID = newLocalID
				id.UpdatedCorpID = newEID
				n++
			}
		}
	}
	return n, nil
}

type memCursor struct {
	persons []*person.Person
	i       int
	closed  bool
}

func (c *memCursor) Next() bool {
	if c.closed || c.i >= len(c.persons) {
		return false
	}
	c.i++
	return true
}

func (c *memCursor) Person() *person.Person { return c.persons[c.i-1] }
func (c *memCursor) Err() error             { return nil }
func (c *memCursor) Close() error           { c.closed = true; return nil }

// memQueue is an in-memory review.Queue.
type memQueue struct {
	reviews []*review.PersonReview
	failing bool
}

func (q *memQueue) Submit(ctx context.Context, r *review.PersonReview) error {
	if q.failing {
		return errors.New("queue unavailable")
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	q.reviews = append(q.reviews, r)
	return nil
}

func (q *memQueue) Exists(ctx context.Context, description string, personOID uuid.UUID) (bool, error) {
	for _, r := range q.reviews {
		if r.Description != description {
			continue
		}
		for _, oid := range r.PersonOIDs {
			if oid == personOID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (q *memQueue) Get(ctx context.Context, domain string) ([]*review.PersonReview, error) {
	var out []*review.PersonReview
	for _, r := range q.reviews {
		if strings.EqualFold(r.Domain, domain) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (q *memQueue) GetAll(ctx context.Context) ([]*review.PersonReview, error) {
	return q.reviews, nil
}

func (q *memQueue) GetSystem(ctx context.Context) ([]*review.PersonReview, error) {
	var out []*review.PersonReview
	for _, r := range q.reviews {
		if r.Domain == "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (q *memQueue) Delete(ctx context.Context, id uuid.UUID) error {
	for i, r := range q.reviews {
		if r.ID == id {
			q.reviews = append(q.reviews[:i], q.reviews[i+1:]...)
			return nil
		}
	}
	return review.ErrNotFound
}

func newTestService(store *memStore, queue review.Queue, eidDomains ...string) *Service {
	cmp := correlate.NewComparator(similarity.JaroWinkler{})
	retriever := correlate.NewRetriever(store, 0)
	engine := correlate.NewEngine(retriever,
		correlate.NewVectorBuilder(cmp),
		correlate.NewAggregator(correlate.StatMean, cmp),
		time.Minute, zerolog.Nop())
	return NewService(store, retriever, engine, queue,
		NewCache(time.Minute, 100), 0.75, 50, eidDomains, zerolog.Nop())
}

func inboundPerson(localID, first, last, ssn string) *person.Person {
	return &person.Person{
		Names: []person.PersonName{{First: first, Last: last}},
		SSNs:  []string{ssn},
		Identifiers: []person.PersonIdentifier{{
			ID:                 localID,
			AssigningAuthority: person.DomainIdentifier{NamespaceID: "HOSP-A"},
			AssigningFacility:  person.DomainIdentifier{NamespaceID: "LAB"},
		}},
		DocumentHeaders: []person.DocumentHeader{{
			ID:                 uuid.New(),
			SendingFacility:    "HOSP-A",
			SendingApplication: "ADT",
		}},
	}
}

func TestProcessInboundCreatesNewIdentity(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &memQueue{})

	got, err := svc.ProcessInbound(context.Background(), inboundPerson("MRN-1", "John", "Smith", "123456789"))
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if store.adds != 1 {
		t.Errorf("adds = %d, want 1", store.adds)
	}
	if got.OID == uuid.Nil {
		t.Error("resolved identity has no OID")
	}
}

func TestProcessInboundNoOpDuplicate(t *testing.T) {
	stored := inboundPerson("MRN-1", "John", "Smith", "123456789")
	store := newMemStore(stored)
	svc := newTestService(store, &memQueue{})

	inbound := inboundPerson("MRN-1", "John", "Smith", "123456789")
	got, err := svc.ProcessInbound(context.Background(), inbound)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}

	if got.OID != stored.OID {
		t.Error("duplicate did not resolve to the stored identity")
	}
	if n := store.mutations(); n != 0 {
		t.Errorf("no-op duplicate caused %d store mutations, want 0", n)
	}
	if inbound.Names != nil || inbound.SSNs != nil {
		t.Error("transient attribute lists not cleared on no-op duplicate")
	}
}

func TestProcessInboundNewDomainAttachesHeader(t *testing.T) {
	stored := inboundPerson("MRN-1", "John", "Smith", "123456789")
	store := newMemStore(stored)
	svc := newTestService(store, &memQueue{})

	// Identical attribute values, but the record comes from a source domain
	// the identity has never seen. The provenance header must still attach.
	inbound := inboundPerson("MRN-1", "John", "Smith", "123456789")
	inbound.DocumentHeaders[0].SendingFacility = "HOSP-B"
	newHeaderID := inbound.DocumentHeaders[0].ID

	got, err := svc.ProcessInbound(context.Background(), inbound)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if got.OID != stored.OID {
		t.Error("record did not resolve to the stored identity")
	}
	if store.addInfos != 1 {
		t.Fatalf("addInfos = %d, want 1 for a new-domain header attach", store.addInfos)
	}

	payload := store.lastAddInfo
	if len(payload.DocumentHeaders) != 1 || payload.DocumentHeaders[0].ID != newHeaderID {
		t.Error("attach payload does not carry the new-domain header")
	}
	if len(payload.Names) != 0 || len(payload.SSNs) != 0 || len(payload.Identifiers) != 0 {
		t.Errorf("known attribute values re-attached: %+v", payload)
	}

	found := false
	for _, h := range got.DocumentHeaders {
		if strings.EqualFold(h.SendingFacility, "HOSP-B") {
			found = true
		}
	}
	if !found {
		t.Error("new source domain missing from the resolved identity's headers")
	}
}

func TestAddPersonBypassesResolution(t *testing.T) {
	stored := inboundPerson("MRN-1", "John", "Smith", "123456789")
	store := newMemStore(stored)
	svc := newTestService(store, &memQueue{})

	// Direct add skips the exact-PID and demographic checks entirely, even
	// for a record that would otherwise resolve to the stored identity.
	added, err := svc.AddPerson(context.Background(), inboundPerson("MRN-1", "John", "Smith", "123456789"))
	if err != nil {
		t.Fatalf("AddPerson: %v", err)
	}
	if store.adds != 1 {
		t.Errorf("adds = %d, want 1", store.adds)
	}
	if added.OID == stored.OID || added.OID == uuid.Nil {
		t.Error("direct add did not create a distinct identity")
	}

	if _, err := svc.AddPerson(context.Background(), &person.Person{}); !errors.Is(err, person.ErrInvalidPerson) {
		t.Errorf("AddPerson = %v, want ErrInvalidPerson for a malformed record", err)
	}
}

func TestProcessInboundAttachesOnlyNewInfo(t *testing.T) {
	stored := inboundPerson("MRN-1", "John", "Smith", "123456789")
	store := newMemStore(stored)
	svc := newTestService(store, &memQueue{})

	inbound := inboundPerson("MRN-1", "John", "Smith", "123456789")
	inbound.Addresses = []person.Address{{City: "Springfield", Zip: "62704"}}

	if _, err := svc.ProcessInbound(context.Background(), inbound); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if store.addInfos != 1 {
		t.Fatalf("addInfos = %d, want 1", store.addInfos)
	}
	diff := store.lastAddInfo
	if len(diff.Addresses) != 1 {
		t.Error("new address missing from attach payload")
	}
	// Already-known attributes never re-attach.
	if len(diff.Names) != 0 || len(diff.SSNs) != 0 || len(diff.Identifiers) != 0 {
		t.Errorf("attach payload carries known attributes: %+v", diff)
	}
}

func TestProcessInboundDemographicAttach(t *testing.T) {
	stored := inboundPerson("MRN-1", "John", "Smith", "123456789")
	store := newMemStore(stored)
	svc := newTestService(store, &memQueue{})

	// Different identifier, same SSN + first + last: the demographic
	// fast-match path attaches instead of creating a second identity.
	inbound := inboundPerson("MRN-99", "John", "Smith", "123456789")
	inbound.Identifiers[0].AssigningAuthority.NamespaceID = "HOSP-B"

	got, err := svc.ProcessInbound(context.Background(), inbound)
	if err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}
	if got.OID != stored.OID {
		t.Error("demographic duplicate created a new identity")
	}
	if store.adds != 0 || store.addInfos != 1 {
		t.Errorf("adds/addInfos = %d/%d, want 0/1", store.adds, store.addInfos)
	}
}

func TestProcessInboundRejectsInvalid(t *testing.T) {
	svc := newTestService(newMemStore(), &memQueue{})
	_, err := svc.ProcessInbound(context.Background(), &person.Person{})
	if !errors.Is(err, person.ErrInvalidPerson) {
		t.Errorf("ProcessInbound = %v, want ErrInvalidPerson", err)
	}
}

func TestMergeEvictsCacheAndChecksEID(t *testing.T) {
	a := inboundPerson("MRN-1", "John", "Smith", "123456789")
	a.Identifiers[0].CorpID = "E-1"
	b := inboundPerson("MRN-2", "Johnny", "Smith", "123456789")
	b.Identifiers[0].CorpID = "E-2"
	// Second identifier on the absorbed person re-parents to the survivor.
	b.Identifiers = append(b.Identifiers, person.PersonIdentifier{
		ID:                 "MRN-3",
		AssigningAuthority: person.DomainIdentifier{NamespaceID: "HOSP-A"},
		AssigningFacility:  person.DomainIdentifier{NamespaceID: "ER"},
		CorpID:             "E-2",
	})
	store := newMemStore(a, b)
	queue := &memQueue{}
	svc := newTestService(store, queue, "HOSP-A")

	// Warm the cache with the absorbed identity.
	if _, err := svc.GetPersonByOID(context.Background(), b.OID); err != nil {
		t.Fatal(err)
	}

	merged, err := svc.MergePersons(context.Background(), []uuid.UUID{a.OID, b.OID})
	if err != nil {
		t.Fatalf("MergePersons: %v", err)
	}
	if merged.OID != a.OID {
		t.Error("survivor is not index 0")
	}
	if len(merged.Identifiers) != 2 {
		t.Errorf("survivor has %d identifiers, want the re-parented alias too", len(merged.Identifiers))
	}

	// The absorbed identity must not be reachable through the cache.
	if _, err := svc.GetPersonByOID(context.Background(), b.OID); !errors.Is(err, person.ErrNotFound) {
		t.Errorf("absorbed identity still resolves: %v", err)
	}

	// Conflicting virtual EIDs in an allow-listed domain raise exactly one
	// review.
	if len(queue.reviews) != 1 {
		t.Fatalf("reviews = %d, want 1", len(queue.reviews))
	}

	// Re-running the check must not duplicate the open review.
	svc.CheckEIDConsistency(context.Background(), merged)
	if len(queue.reviews) != 1 {
		t.Errorf("reviews after re-check = %d, want still 1", len(queue.reviews))
	}
}

func TestEIDConflictOutsideAllowListNotEscalated(t *testing.T) {
	p := inboundPerson("MRN-1", "John", "Smith", "123456789")
	p.Identifiers[0].CorpID = "E-1"
	p.Identifiers = append(p.Identifiers, person.PersonIdentifier{
		ID:                 "MRN-2",
		AssigningAuthority: person.DomainIdentifier{NamespaceID: "HOSP-A"},
		AssigningFacility:  person.DomainIdentifier{NamespaceID: "ER"},
		CorpID:             "E-2",
	})
	queue := &memQueue{}
	svc := newTestService(newMemStore(), queue) // empty allow-list

	svc.CheckEIDConsistency(context.Background(), p)
	if len(queue.reviews) != 0 {
		t.Errorf("reviews = %d, want 0 for non-escalated domain", len(queue.reviews))
	}
}

func TestEIDCheckFailureDoesNotAbort(t *testing.T) {
	a := inboundPerson("MRN-1", "John", "Smith", "123456789")
	a.Identifiers[0].CorpID = "E-1"
	a.Identifiers = append(a.Identifiers, person.PersonIdentifier{
		ID:                 "MRN-2",
		AssigningAuthority: person.DomainIdentifier{NamespaceID: "HOSP-A"},
		AssigningFacility:  person.DomainIdentifier{NamespaceID: "ER"},
		CorpID:             "E-2",
	})
	b := inboundPerson("MRN-9", "Johnny", "Smith", "123456789")
	store := newMemStore(a, b)
	svc := newTestService(store, &memQueue{failing: true}, "HOSP-A")

	// The queue is down, but the merge itself must still succeed.
	if _, err := svc.MergePersons(context.Background(), []uuid.UUID{a.OID, b.OID}); err != nil {
		t.Fatalf("merge failed because of review submission: %v", err)
	}
}

func TestSplitRejectsForeignHeader(t *testing.T) {
	p := inboundPerson("MRN-1", "John", "Smith", "123456789")
	store := newMemStore(p)
	svc := newTestService(store, &memQueue{})

	_, err := svc.SplitPerson(context.Background(), p.OID, []uuid.UUID{uuid.New()})
	if !errors.Is(err, person.ErrInvalidPerson) {
		t.Errorf("SplitPerson = %v, want ErrInvalidPerson for a foreign header", err)
	}
	if store.splits != 0 {
		t.Error("split reached the store despite failing validation")
	}
}

func TestSplitMovesHeaders(t *testing.T) {
	p := inboundPerson("MRN-1", "John", "Smith", "123456789")
	extra := person.DocumentHeader{ID: uuid.New(), SendingFacility: "HOSP-B"}
	p.DocumentHeaders = append(p.DocumentHeaders, extra)
	p.Nationality = "US"
	store := newMemStore(p)
	svc := newTestService(store, &memQueue{})

	newOID, err := svc.SplitPerson(context.Background(), p.OID, []uuid.UUID{extra.ID})
	if err != nil {
		t.Fatalf("SplitPerson: %v", err)
	}

	split, err := store.GetByOID(context.Background(), newOID)
	if err != nil {
		t.Fatal(err)
	}
	if len(split.DocumentHeaders) != 1 || split.DocumentHeaders[0].ID != extra.ID {
		t.Error("named header did not move to the split identity")
	}
	if split.Nationality != "US" {
		t.Error("singular attributes not inherited by the split identity")
	}
	if len(p.DocumentHeaders) != 1 {
		t.Error("original identity did not shed the moved header")
	}
}

func TestUpdateEIDPassthrough(t *testing.T) {
	p := inboundPerson("MRN-1", "John", "Smith", "123456789")
	p.Identifiers[0].CorpID = "E-1"
	store := newMemStore(p)
	svc := newTestService(store, &memQueue{})

	n, err := svc.UpdateEID(context.Background(), "HOSP-A", "LAB", "MRN-1", "MRN-1A", "E-1", "E-9")
	if err != nil {
		t.Fatalf("UpdateEID: %v", err)
	}
	if n != 1 {
		t.Errorf("rows updated = %d, want 1", n)
	}
	if got := p.Identifiers[0].VirtualEID(); got != "E-9" {
		t.Errorf("VirtualEID = %q after re-versioning, want E-9", got)
	}
}
