package person

import (
	"strings"

	"github.com/google/uuid"

	"github.com/empi/empi/internal/platform/similarity"
)

// NamePrefix is the UI-search (typeahead) name criterion: candidate last
// and first names must start with the given prefixes.
type NamePrefix struct {
	Last  string
	First string
}

// SearchFilter is a conjunctive candidate query: within a category the
// repeated values are OR'd, across categories the clauses are AND'd. Empty
// categories contribute no clause.
type SearchFilter struct {
	OIDs        []uuid.UUID
	Identifiers []PersonIdentifier

	// NameRanges pre-filters on the persisted fuzzy search key; NameExacts
	// filters on exact (last, first) equality; NamePrefix is the typeahead
	// variant. At most one of the three name modes is set.
	NameRanges []similarity.SearchRange
	NameExacts []PersonName
	NamePrefix *NamePrefix

	SSNs           []string
	DOBs           []string
	Genders        []string
	Streets        []string
	Cities         []string
	States         []string
	Zips           []string
	PhoneNumbers   []string
	AccountNumbers []string
	LicenseNumbers []string
	CorpID         string
	CorpIDDomain   string

	Limit int
}

// Empty reports whether the filter carries no clause at all; running an
// empty filter would scan the whole population.
func (f *SearchFilter) Empty() bool {
	return len(f.OIDs) == 0 &&
		len(f.Identifiers) == 0 &&
		len(f.NameRanges) == 0 &&
		len(f.NameExacts) == 0 &&
		f.NamePrefix == nil &&
		len(f.SSNs) == 0 &&
		len(f.DOBs) == 0 &&
		len(f.Genders) == 0 &&
		len(f.Streets) == 0 &&
		len(f.Cities) == 0 &&
		len(f.States) == 0 &&
		len(f.Zips) == 0 &&
		len(f.PhoneNumbers) == 0 &&
		len(f.AccountNumbers) == 0 &&
		len(f.LicenseNumbers) == 0 &&
		f.CorpID == ""
}

// Matches evaluates the filter against an in-memory Person with the same
// AND-across-categories / OR-within-category semantics the SQL translation
// uses. In-memory store implementations (tests, fakes) share this one
// evaluation so filter behavior cannot drift between them.
func (f *SearchFilter) Matches(p *Person) bool {
	if len(f.OIDs) > 0 && !containsUUID(f.OIDs, p.OID) {
		return false
	}
	if len(f.Identifiers) > 0 {
		found := false
		for _, want := range f.Identifiers {
			for _, have := range p.Identifiers {
				if want.Equal(have) {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	if len(f.NameRanges) > 0 && !anyKeyInRanges(p.Names, f.NameRanges) {
		return false
	}
	if len(f.NameExacts) > 0 && !anyNameExact(p.Names, f.NameExacts) {
		return false
	}
	if f.NamePrefix != nil && !anyNamePrefix(p.Names, f.NamePrefix) {
		return false
	}
	if len(f.SSNs) > 0 && !anyFold(p.SSNs, f.SSNs) {
		return false
	}
	if len(f.DOBs) > 0 && !anyFold(p.DatesOfBirth, f.DOBs) {
		return false
	}
	if len(f.Genders) > 0 && !anyFold(p.CodedValues(KindGender), f.Genders) {
		return false
	}
	if len(f.Streets) > 0 && !anyFold(addressField(p, func(a Address) string { return a.Street }), f.Streets) {
		return false
	}
	if len(f.Cities) > 0 && !anyFold(addressField(p, func(a Address) string { return a.City }), f.Cities) {
		return false
	}
	if len(f.States) > 0 && !anyFold(addressField(p, func(a Address) string { return a.State }), f.States) {
		return false
	}
	if len(f.Zips) > 0 && !anyFold(addressField(p, func(a Address) string { return a.Zip }), f.Zips) {
		return false
	}
	if len(f.PhoneNumbers) > 0 {
		var nums []string
		for _, ph := range p.Phones {
			nums = append(nums, ph.Number)
		}
		if !anyFold(nums, f.PhoneNumbers) {
			return false
		}
	}
	if len(f.AccountNumbers) > 0 && !anyFold(p.AccountNumbers, f.AccountNumbers) {
		return false
	}
	if len(f.LicenseNumbers) > 0 {
		var nums []string
		for _, dl := range p.DriversLicenses {
			nums = append(nums, dl.Number)
		}
		if !anyFold(nums, f.LicenseNumbers) {
			return false
		}
	}
	if f.CorpID != "" {
		found := false
		for _, id := range p.Identifiers {
			if !equalFold(id.VirtualEID(), f.CorpID) {
				continue
			}
			if f.CorpIDDomain == "" || equalFold(id.AssigningAuthority.NamespaceID, f.CorpIDDomain) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// searchKeyFor derives the persisted fuzzy search key for a last name.
func searchKeyFor(last string) string { return similarity.Key(last) }

func containsUUID(list []uuid.UUID, v uuid.UUID) bool {
	for _, u := range list {
		if u == v {
			return true
		}
	}
	return false
}

func anyKeyInRanges(names []PersonName, ranges []similarity.SearchRange) bool {
	for _, n := range names {
		key := n.SearchKey
		if key == "" {
			key = similarity.Key(n.Last)
		}
		for _, r := range ranges {
			if r.Contains(key) {
				return true
			}
		}
	}
	return false
}

func anyNameExact(names []PersonName, wants []PersonName) bool {
	for _, n := range names {
		for _, w := range wants {
			if equalFold(n.Last, w.Last) && equalFold(n.First, w.First) {
				return true
			}
		}
	}
	return false
}

func anyNamePrefix(names []PersonName, p *NamePrefix) bool {
	for _, n := range names {
		if hasPrefixFold(n.Last, p.Last) && hasPrefixFold(n.First, p.First) {
			return true
		}
	}
	return false
}

func addressField(p *Person, get func(Address) string) []string {
	var out []string
	for _, a := range p.Addresses {
		out = append(out, get(a))
	}
	return out
}

func anyFold(haves, wants []string) bool {
	for _, h := range haves {
		for _, w := range wants {
			if equalFold(h, w) {
				return true
			}
		}
	}
	return false
}

func equalFold(a, b string) bool { return strings.EqualFold(a, b) }

func hasPrefixFold(s, prefix string) bool {
	if len(prefix) > len(s) {
		return false
	}
	return strings.EqualFold(s[:len(prefix)], prefix)
}
