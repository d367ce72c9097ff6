package correlate

import (
	"strings"

	"github.com/empi/empi/internal/domain/person"
	"github.com/empi/empi/internal/platform/similarity"
)

// Vector slot indexes, one per compared attribute category.
const (
	SlotName = iota
	SlotSSN
	SlotGender
	SlotDOB
	SlotAddress
	SlotBirthplace
	SlotMaiden
	SlotPhone
	SlotLicense

	numSlots
)

// Vector is the fixed-length per-category correlation of one
// (query, candidate) pair. Each slot is in [0,1], with Unknown (0.5) where
// the category is absent on either side. Ephemeral, computed per pair.
type Vector [numSlots]float64

// VectorBuilder produces correlation vectors from Person pairs.
type VectorBuilder struct {
	cmp *Comparator
}

func NewVectorBuilder(cmp *Comparator) *VectorBuilder {
	return &VectorBuilder{cmp: cmp}
}

// Build compares every (query-instance, candidate-instance) pair within
// each repeatable category and takes the maximum correlation as the
// category's slot. Best matching instance wins: either side may carry
// historical or alias values. An empty category on either side scores
// Unknown.
func (b *VectorBuilder) Build(query, candidate *person.Person) Vector {
	return b.build(query, candidate, false)
}

// BuildSearch is the typeahead variant: the name slot is 1.0 when any
// candidate name starts with the query name (case-insensitive), falling
// back to the graded comparison otherwise.
func (b *VectorBuilder) BuildSearch(query, candidate *person.Person) Vector {
	return b.build(query, candidate, true)
}

func (b *VectorBuilder) build(query, candidate *person.Person, search bool) Vector {
	var v Vector

	v[SlotName] = b.compareNames(query.Names, candidate.Names, search)
	v[SlotSSN] = maxPair(query.SSNs, candidate.SSNs, func(a, c string) float64 {
		return b.cmp.Compare(a, c, similarity.KindNumeric)
	})
	v[SlotGender] = maxPair(query.CodedValues(person.KindGender), candidate.CodedValues(person.KindGender),
		func(a, c string) float64 { return b.cmp.Compare(a, c, similarity.KindAlpha) })
	v[SlotDOB] = maxPair(query.DatesOfBirth, candidate.DatesOfBirth, b.cmp.CompareDates)
	v[SlotAddress] = maxAddresses(b.cmp, query.Addresses, candidate.Addresses)
	v[SlotBirthplace] = singular(b.cmp, query.Birthplace, candidate.Birthplace, similarity.KindAlpha)
	// Maiden name compares against maiden name only, never against alias
	// primary names.
	v[SlotMaiden] = singular(b.cmp, query.MaidenName, candidate.MaidenName, similarity.KindName)
	v[SlotPhone] = maxPhones(b.cmp, query.Phones, candidate.Phones)
	v[SlotLicense] = maxPair(licenseNumbers(query), licenseNumbers(candidate),
		func(a, c string) float64 { return b.cmp.Compare(a, c, similarity.KindAlpha) })

	return v
}

// compareNames scores the concatenation of first+second+last+suffix across
// every name pair.
func (b *VectorBuilder) compareNames(qs, cs []person.PersonName, search bool) float64 {
	if len(qs) == 0 || len(cs) == 0 {
		return Unknown
	}
	best := NoMatch
	for _, q := range qs {
		qf := q.Full()
		if qf == "" {
			continue
		}
		for _, c := range cs {
			cf := c.Full()
			if cf == "" {
				continue
			}
			if search && hasPrefixFold(cf, qf) {
				return ExactMatch
			}
			if s := b.cmp.Compare(qf, cf, similarity.KindName); s > best {
				best = s
			}
		}
	}
	if best == NoMatch {
		return Unknown
	}
	return best
}

func maxPair(qs, cs []string, score func(a, b string) float64) float64 {
	if len(qs) == 0 || len(cs) == 0 {
		return Unknown
	}
	best := NoMatch
	for _, q := range qs {
		for _, c := range cs {
			if s := score(q, c); s > best {
				best = s
			}
		}
	}
	return best
}

func maxAddresses(cmp *Comparator, qs, cs []person.Address) float64 {
	if len(qs) == 0 || len(cs) == 0 {
		return Unknown
	}
	best := NoMatch
	for _, q := range qs {
		for _, c := range cs {
			if s := cmp.CompareAddresses(q, c); s > best {
				best = s
			}
		}
	}
	return best
}

func maxPhones(cmp *Comparator, qs, cs []person.Phone) float64 {
	if len(qs) == 0 || len(cs) == 0 {
		return Unknown
	}
	best := NoMatch
	for _, q := range qs {
		for _, c := range cs {
			if s := cmp.ComparePhones(q, c); s > best {
				best = s
			}
		}
	}
	return best
}

func singular(cmp *Comparator, q, c string, kind similarity.Kind) float64 {
	if q == "" || c == "" {
		return Unknown
	}
	return cmp.Compare(q, c, kind)
}

func licenseNumbers(p *person.Person) []string {
	var out []string
	for _, dl := range p.DriversLicenses {
		if dl.Number != "" {
			out = append(out, dl.Number)
		}
	}
	return out
}

func hasPrefixFold(s, prefix string) bool {
	if len(prefix) > len(s) {
		return false
	}
	return strings.EqualFold(s[:len(prefix)], prefix)
}
