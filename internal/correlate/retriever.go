package correlate

import (
	"context"

	"github.com/empi/empi/internal/domain/person"
	"github.com/empi/empi/internal/platform/similarity"
)

// Retriever translates a query Person's populated attributes into one
// bounded, conjunctive candidate query against the store. Repeated
// instances within a category are OR'd, categories are AND'd, and the
// whole thing runs as a single server-side query returning a lazy cursor.
type Retriever struct {
	store person.Store
	// maxCandidates bounds the candidate set size before scoring; zero
	// means unbounded.
	maxCandidates int
}

func NewRetriever(store person.Store, maxCandidates int) *Retriever {
	return &Retriever{store: store, maxCandidates: maxCandidates}
}

// Search returns the fuzzy candidate cursor: names pre-filter through
// search-key ranges, everything else filters exactly. The caller must
// close the cursor on every exit path.
func (r *Retriever) Search(ctx context.Context, query *person.Person) (person.Cursor, error) {
	f := r.baseFilter(query)
	for _, n := range query.Names {
		if rg := similarity.RangeFor(n.Last); !rg.Empty() {
			f.NameRanges = append(f.NameRanges, rg)
		}
	}
	r.finishFilter(f, query)
	return r.run(ctx, f)
}

// SearchExact is the stricter variant used by the identity service for
// exact-PID dedup: names filter on exact (last, first) equality instead of
// fuzzy key ranges.
func (r *Retriever) SearchExact(ctx context.Context, query *person.Person) (person.Cursor, error) {
	f := r.baseFilter(query)
	for _, n := range query.Names {
		if !n.Empty() {
			f.NameExacts = append(f.NameExacts, n)
		}
	}
	r.finishFilter(f, query)
	return r.run(ctx, f)
}

// SearchPrefix is the UI typeahead mode: a last/first prefix filter AND'd
// with any person identifier the query carries, so typeahead narrows
// aggressively.
func (r *Retriever) SearchPrefix(ctx context.Context, query *person.Person) (person.Cursor, error) {
	f := r.baseFilter(query)
	if len(query.Names) > 0 {
		n := query.Names[0]
		f.NamePrefix = &person.NamePrefix{Last: n.Last, First: n.First}
	}
	if ids := query.SearchableIdentifiers(); len(ids) > 0 {
		f.Identifiers = ids
	}
	return r.run(ctx, f)
}

// baseFilter builds the clauses shared by every search mode: exact filters
// for each populated non-name category.
func (r *Retriever) baseFilter(query *person.Person) *person.SearchFilter {
	f := &person.SearchFilter{Limit: r.maxCandidates}

	f.SSNs = append(f.SSNs, query.SSNs...)
	f.DOBs = append(f.DOBs, query.DatesOfBirth...)
	f.Genders = append(f.Genders, query.CodedValues(person.KindGender)...)
	for _, a := range query.Addresses {
		if a.Street != "" {
			f.Streets = append(f.Streets, a.Street)
		}
		if a.City != "" {
			f.Cities = append(f.Cities, a.City)
		}
		if a.State != "" {
			f.States = append(f.States, a.State)
		}
		if a.Zip != "" {
			f.Zips = append(f.Zips, a.Zip)
		}
	}
	for _, ph := range query.Phones {
		if ph.Number != "" {
			f.PhoneNumbers = append(f.PhoneNumbers, ph.Number)
		}
	}
	f.AccountNumbers = append(f.AccountNumbers, query.AccountNumbers...)
	for _, dl := range query.DriversLicenses {
		if dl.Number != "" {
			f.LicenseNumbers = append(f.LicenseNumbers, dl.Number)
		}
	}
	return f
}

// finishFilter adds the identifier clause when the query carries no name;
// with a name present the name filter already narrows the population and
// identifiers are left to the scoring pass.
func (r *Retriever) finishFilter(f *person.SearchFilter, query *person.Person) {
	if len(query.Names) == 0 {
		if ids := query.SearchableIdentifiers(); len(ids) > 0 {
			f.Identifiers = ids
		}
	}
}

func (r *Retriever) run(ctx context.Context, f *person.SearchFilter) (person.Cursor, error) {
	if f.Empty() {
		return emptyCursor{}, nil
	}
	return r.store.QueryIterator(ctx, f)
}

// emptyCursor is returned for a filter with no clause at all; running one
// would scan the whole population.
type emptyCursor struct{}

func (emptyCursor) Next() bool             { return false }
func (emptyCursor) Person() *person.Person { return nil }
func (emptyCursor) Err() error             { return nil }
func (emptyCursor) Close() error           { return nil }
