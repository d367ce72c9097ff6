package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/empi/empi/internal/correlate"
	"github.com/empi/empi/internal/domain/person"
	"github.com/empi/empi/internal/domain/review"
)

// Service resolves inbound demographic records against the index and owns
// the administrative identity operations: add, update, merge, split, EID
// consistency checking, and review-queue escalation.
type Service struct {
	store     person.Store
	retriever *correlate.Retriever
	engine    *correlate.Engine
	queue     review.Queue
	cache     *Cache
	log       zerolog.Logger

	confidence float64
	maxMatches int
	// eidDomains is the allow-list of assigning-authority domains subject
	// to EID mismatch escalation; conflicts in other domains are logged
	// but not queued for review.
	eidDomains map[string]bool
}

func NewService(store person.Store, retriever *correlate.Retriever, engine *correlate.Engine,
	queue review.Queue, cache *Cache, confidence float64, maxMatches int,
	eidDomains []string, log zerolog.Logger) *Service {

	allowed := make(map[string]bool, len(eidDomains))
	for _, d := range eidDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			allowed[d] = true
		}
	}
	return &Service{
		store:      store,
		retriever:  retriever,
		engine:     engine,
		queue:      queue,
		cache:      cache,
		log:        log,
		confidence: confidence,
		maxMatches: maxMatches,
		eidDomains: allowed,
	}
}

// ProcessInbound resolves one inbound demographic record: exact-PID check
// first, then demographic correlation, then insert as a new identity. The
// returned Person is the resolved identity as stored.
func (s *Service) ProcessInbound(ctx context.Context, p *person.Person) (*person.Person, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for i := range p.DatesOfBirth {
		p.DatesOfBirth[i] = person.NormalizeDOB(p.DatesOfBirth[i])
	}

	existing, err := s.findByIdentifiers(ctx, p)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.attach(ctx, existing, p)
	}

	match, err := s.findDemographicMatch(ctx, p)
	if err != nil {
		return nil, err
	}
	if match != nil {
		s.log.Info().Stringer("oid", match.OID).Msg("demographic duplicate, attaching as alias")
		p.OID = match.OID
		if _, err := s.store.AddPersonInfo(ctx, p); err != nil {
			return nil, err
		}
		return s.refresh(ctx, match.OID, true)
	}

	oid, err := s.store.AddPerson(ctx, p)
	if err != nil {
		return nil, err
	}
	s.log.Info().Stringer("oid", oid).Msg("new identity created")
	return s.refresh(ctx, oid, false)
}

// findByIdentifiers runs the exact-PID check: cache first, then one store
// query OR'd across every searchable identifier on the record.
func (s *Service) findByIdentifiers(ctx context.Context, p *person.Person) (*person.Person, error) {
	ids := p.SearchableIdentifiers()
	if len(ids) == 0 {
		return nil, nil
	}
	for _, id := range ids {
		if cached := s.cache.GetByIdentifier(id); cached != nil {
			return cached, nil
		}
	}
	found, err := s.store.Query(ctx, &person.SearchFilter{Identifiers: ids, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// findDemographicMatch pages through the exact-demographic candidates and
// returns the first fast-match, if any.
func (s *Service) findDemographicMatch(ctx context.Context, p *person.Person) (*person.Person, error) {
	cur, err := s.retriever.SearchExact(ctx, p)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	for cur.Next() {
		cand := cur.Person()
		if s.engine.Match(p, cand) {
			return cand, nil
		}
	}
	return nil, cur.Err()
}

// attach handles an exact-PID hit. Stored attributes are never blindly
// overwritten: only inbound values absent on the stored identity attach as
// new info. A record from a source domain the identity has never seen is
// never a pure no-op: even when every attribute value is already known, its
// provenance header still attaches so the domain appears on the identity.
// Only when nothing differs and every inbound domain is already known is
// the record a no-op duplicate; then its transient lists are cleared and
// the stored identity returns unchanged, with zero store mutations.
func (s *Service) attach(ctx context.Context, existing, inbound *person.Person) (*person.Person, error) {
	diff := newInfo(existing, inbound)
	if diff == nil {
		headers := newDomainHeaders(existing.DocumentHeaders, inbound.DocumentHeaders)
		if len(headers) == 0 {
			s.log.Info().Stringer("oid", existing.OID).Msg("no-op duplicate record")
			inbound.ClearTransient()
			return existing, nil
		}
		s.log.Info().Stringer("oid", existing.OID).Msg("known attributes from new source domain, attaching header")
		diff = &person.Person{DocumentHeaders: headers}
	}
	diff.OID = existing.OID
	if _, err := s.store.AddPersonInfo(ctx, diff); err != nil {
		return nil, err
	}
	return s.refresh(ctx, existing.OID, true)
}

// refresh re-reads an identity after a mutation, refills the cache, and
// optionally runs the best-effort EID consistency check.
func (s *Service) refresh(ctx context.Context, oid uuid.UUID, checkEID bool) (*person.Person, error) {
	s.cache.Invalidate(oid)
	updated, err := s.store.GetByOID(ctx, oid)
	if err != nil {
		return nil, err
	}
	if checkEID {
		s.CheckEIDConsistency(ctx, updated)
	}
	s.cache.Put(updated)
	return updated, nil
}

// newDomainHeaders returns the inbound headers whose source domain
// (sending facility + application) appears on none of the stored headers.
func newDomainHeaders(stored, inbound []person.DocumentHeader) []person.DocumentHeader {
	var out []person.DocumentHeader
	for _, h := range inbound {
		known := false
		for _, sh := range stored {
			if sh.SameDomain(h) {
				known = true
				break
			}
		}
		if !known {
			out = append(out, h)
		}
	}
	return out
}

// newInfo builds the attach payload: the inbound record's headers plus
// every attribute value not already present on the stored identity. Nil
// when the inbound record carries nothing new.
func newInfo(stored, inbound *person.Person) *person.Person {
	diff := &person.Person{DocumentHeaders: inbound.DocumentHeaders}
	has := false

	for _, n := range inbound.Names {
		if !containsName(stored.Names, n) {
			diff.Names = append(diff.Names, n)
			has = true
		}
	}
	for _, a := range inbound.Addresses {
		if !containsAddress(stored.Addresses, a) {
			diff.Addresses = append(diff.Addresses, a)
			has = true
		}
	}
	for _, v := range inbound.SSNs {
		if !containsFold(stored.SSNs, v) {
			diff.SSNs = append(diff.SSNs, v)
			has = true
		}
	}
	for _, v := range inbound.DatesOfBirth {
		if !containsFold(stored.DatesOfBirth, v) {
			diff.DatesOfBirth = append(diff.DatesOfBirth, v)
			has = true
		}
	}
	for _, c := range inbound.Coded {
		if !containsCoded(stored.Coded, c) {
			diff.Coded = append(diff.Coded, c)
			has = true
		}
	}
	for _, ph := range inbound.Phones {
		if !containsPhone(stored.Phones, ph) {
			diff.Phones = append(diff.Phones, ph)
			has = true
		}
	}
	for _, v := range inbound.Emails {
		if !containsFold(stored.Emails, v) {
			diff.Emails = append(diff.Emails, v)
			has = true
		}
	}
	for _, dl := range inbound.DriversLicenses {
		if !containsLicense(stored.DriversLicenses, dl) {
			diff.DriversLicenses = append(diff.DriversLicenses, dl)
			has = true
		}
	}
	for _, id := range inbound.Identifiers {
		if !containsIdentifier(stored.Identifiers, id) {
			diff.Identifiers = append(diff.Identifiers, id)
			has = true
		}
	}
	for _, v := range inbound.AccountNumbers {
		if !containsFold(stored.AccountNumbers, v) {
			diff.AccountNumbers = append(diff.AccountNumbers, v)
			has = true
		}
	}

	if !has {
		return nil
	}
	return diff
}

// AddPerson persists a new identity directly, bypassing resolution. Used by
// the administrative surface.
func (s *Service) AddPerson(ctx context.Context, p *person.Person) (*person.Person, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	oid, err := s.store.AddPerson(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, oid, false)
}

// UpdatePerson rewrites an identity's singular attributes and re-checks
// EID consistency.
func (s *Service) UpdatePerson(ctx context.Context, p *person.Person) (*person.Person, error) {
	if err := s.store.UpdatePerson(ctx, p); err != nil {
		return nil, err
	}
	return s.refresh(ctx, p.OID, true)
}

// RemovePerson deletes an identity entirely.
func (s *Service) RemovePerson(ctx context.Context, oid uuid.UUID) error {
	s.cache.Invalidate(oid)
	return s.store.RemovePerson(ctx, oid)
}

// GetPersonByOID fetches one identity, cache first.
func (s *Service) GetPersonByOID(ctx context.Context, oid uuid.UUID) (*person.Person, error) {
	if cached := s.cache.GetByOID(oid); cached != nil {
		return cached, nil
	}
	p, err := s.store.GetByOID(ctx, oid)
	if err != nil {
		return nil, err
	}
	s.cache.Put(p)
	return p, nil
}

// GetPersonByCorpID fetches the identity carrying a corporate ID within an
// assigning-authority domain.
func (s *Service) GetPersonByCorpID(ctx context.Context, domain, corpID string) (*person.Person, error) {
	return s.store.GetByCorpID(ctx, domain, corpID)
}

// MergePersons merges the identities named by oids; index 0 survives.
// Affected cache entries are evicted synchronously before the merge so no
// caller can read a pre-merge identity afterward.
func (s *Service) MergePersons(ctx context.Context, oids []uuid.UUID) (*person.Person, error) {
	if len(oids) < 2 {
		return nil, fmt.Errorf("merge requires a survivor and at least one absorbed identity")
	}
	persons := make([]*person.Person, len(oids))
	for i, oid := range oids {
		s.cache.Invalidate(oid)
		p, err := s.store.GetByOID(ctx, oid)
		if err != nil {
			return nil, err
		}
		persons[i] = p
	}

	merged, err := s.store.MergePersons(ctx, persons)
	if err != nil {
		return nil, err
	}
	s.CheckEIDConsistency(ctx, merged)
	s.cache.Put(merged)
	return merged, nil
}

// SplitPerson moves the named document headers off an identity onto a new
// one inheriting the original's singular attributes.
func (s *Service) SplitPerson(ctx context.Context, oid uuid.UUID, headerIDs []uuid.UUID) (uuid.UUID, error) {
	s.cache.Invalidate(oid)
	orig, err := s.store.GetByOID(ctx, oid)
	if err != nil {
		return uuid.Nil, err
	}

	var headers []person.DocumentHeader
	for _, hid := range headerIDs {
		found := false
		for _, h := range orig.DocumentHeaders {
			if h.ID == hid {
				headers = append(headers, h)
				found = true
				break
			}
		}
		if !found {
			return uuid.Nil, fmt.Errorf("%w: document header %s does not belong to person %s",
				person.ErrInvalidPerson, hid, oid)
		}
	}

	newOID, err := s.store.SplitPerson(ctx, orig, headers)
	if err != nil {
		return uuid.Nil, err
	}
	s.cache.Invalidate(oid)
	return newOID, nil
}

// UpdateEID re-versions a local ID and enterprise ID within one
// (authority, facility) domain.
func (s *Service) UpdateEID(ctx context.Context, domain, facility, oldLocalID, newLocalID, oldEID, newEID string) (int64, error) {
	return s.store.UpdateEID(ctx, domain, facility, oldLocalID, newLocalID, oldEID, newEID)
}

// FindCandidates runs a one-shot lookup. Negative confidence or max selects
// the configured defaults; confidence zero accepts all candidates unscored.
func (s *Service) FindCandidates(ctx context.Context, p *person.Person, confidence float64, max int) ([]*person.Person, error) {
	if confidence < 0 {
		confidence = s.confidence
	}
	if max < 0 {
		max = s.maxMatches
	}
	for i := range p.DatesOfBirth {
		p.DatesOfBirth[i] = person.NormalizeDOB(p.DatesOfBirth[i])
	}
	return s.engine.Lookup(ctx, p, confidence, max)
}

// QueryStart opens a paged lookup session.
func (s *Service) QueryStart(ctx context.Context, p *person.Person, confidence float64) (string, error) {
	if confidence < 0 {
		confidence = s.confidence
	}
	for i := range p.DatesOfBirth {
		p.DatesOfBirth[i] = person.NormalizeDOB(p.DatesOfBirth[i])
	}
	return s.engine.LookupStart(ctx, p, confidence)
}

// QueryNext pulls the next page from a lookup session.
func (s *Service) QueryNext(ctx context.Context, sessionID string, n int) ([]*person.Person, error) {
	return s.engine.LookupNext(ctx, sessionID, n)
}

// QueryEnd releases a lookup session. Idempotent.
func (s *Service) QueryEnd(sessionID string) error {
	return s.engine.LookupEnd(sessionID)
}

// CheckEIDConsistency scans the identity's identifiers per assigning
// authority: more than one distinct virtual EID within one domain is a
// conflict escalated to the review queue, deduplicated against open
// reviews. Failures here are logged, never surfaced; review submission is
// a best-effort side channel.
func (s *Service) CheckEIDConsistency(ctx context.Context, p *person.Person) {
	byDomain := make(map[string]map[string]bool)
	for _, id := range p.Identifiers {
		domain := strings.ToLower(id.AssigningAuthority.NamespaceID)
		eid := strings.ToLower(id.VirtualEID())
		if domain == "" || eid == "" {
			continue
		}
		if byDomain[domain] == nil {
			byDomain[domain] = make(map[string]bool)
		}
		byDomain[domain][eid] = true
	}

	for domain, eids := range byDomain {
		if len(eids) < 2 {
			continue
		}
		if !s.eidDomains[domain] {
			s.log.Debug().Str("domain", domain).Stringer("oid", p.OID).
				Msg("EID conflict in domain not subject to escalation")
			continue
		}
		desc := eidConflictDescription(domain, eids)
		exists, err := s.queue.Exists(ctx, desc, p.OID)
		if err != nil {
			s.log.Error().Err(err).Stringer("oid", p.OID).Msg("review dedup check failed")
			continue
		}
		if exists {
			continue
		}
		r := &review.PersonReview{
			PersonOIDs:  []uuid.UUID{p.OID},
			Description: desc,
			Domain:      domain,
			SubmittedBy: "system",
		}
		if err := s.queue.Submit(ctx, r); err != nil {
			s.log.Error().Err(err).Stringer("oid", p.OID).Msg("review submission failed")
		}
	}
}

func eidConflictDescription(domain string, eids map[string]bool) string {
	values := make([]string, 0, len(eids))
	for eid := range eids {
		values = append(values, eid)
	}
	sort.Strings(values)
	return fmt.Sprintf("conflicting enterprise identifiers in domain %s: %s",
		domain, strings.Join(values, ", "))
}

// Review-queue administration.

func (s *Service) SubmitReview(ctx context.Context, r *review.PersonReview) error {
	return s.queue.Submit(ctx, r)
}

func (s *Service) DeleteReview(ctx context.Context, id uuid.UUID) error {
	return s.queue.Delete(ctx, id)
}

func (s *Service) GetReviews(ctx context.Context, domain string) ([]*review.PersonReview, error) {
	return s.queue.Get(ctx, domain)
}

func (s *Service) GetAllReviews(ctx context.Context) ([]*review.PersonReview, error) {
	return s.queue.GetAll(ctx)
}

func (s *Service) GetSystemReviews(ctx context.Context) ([]*review.PersonReview, error) {
	return s.queue.GetSystem(ctx)
}

func (s *Service) HasReviews(ctx context.Context, description string, oid uuid.UUID) (bool, error) {
	return s.queue.Exists(ctx, description, oid)
}

// Attribute containment helpers used by the attach diff.

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func containsName(list []person.PersonName, n person.PersonName) bool {
	for _, s := range list {
		if strings.EqualFold(s.First, n.First) &&
			strings.EqualFold(s.Second, n.Second) &&
			strings.EqualFold(s.Last, n.Last) &&
			strings.EqualFold(s.Suffix, n.Suffix) {
			return true
		}
	}
	return false
}

func containsAddress(list []person.Address, a person.Address) bool {
	for _, s := range list {
		if strings.EqualFold(s.Street, a.Street) &&
			strings.EqualFold(s.City, a.City) &&
			strings.EqualFold(s.State, a.State) &&
			strings.EqualFold(s.Zip, a.Zip) {
			return true
		}
	}
	return false
}

func containsPhone(list []person.Phone, p person.Phone) bool {
	for _, s := range list {
		if s.AreaCode == p.AreaCode && s.Number == p.Number && s.Extension == p.Extension {
			return true
		}
	}
	return false
}

func containsCoded(list []person.CodedAttribute, c person.CodedAttribute) bool {
	for _, s := range list {
		if s.Kind == c.Kind && strings.EqualFold(s.Value, c.Value) {
			return true
		}
	}
	return false
}

func containsLicense(list []person.DriversLicense, dl person.DriversLicense) bool {
	for _, s := range list {
		if strings.EqualFold(s.Number, dl.Number) && strings.EqualFold(s.State, dl.State) {
			return true
		}
	}
	return false
}

func containsIdentifier(list []person.PersonIdentifier, id person.PersonIdentifier) bool {
	for _, s := range list {
		if s.Equal(id) {
			return true
		}
	}
	return false
}
