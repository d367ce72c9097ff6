package correlate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/empi/empi/internal/domain/person"
	"github.com/empi/empi/internal/platform/similarity"
)

// Statistic selects how a correlation vector folds into one score.
type Statistic string

const (
	StatMean   Statistic = "mean"
	StatMedian Statistic = "median"
	StatMode   Statistic = "mode"
)

// ParseStatistic maps a configuration value to a Statistic.
func ParseStatistic(s string) (Statistic, error) {
	switch Statistic(strings.ToLower(s)) {
	case StatMean:
		return StatMean, nil
	case StatMedian:
		return StatMedian, nil
	case StatMode:
		return StatMode, nil
	}
	return "", fmt.Errorf("unknown aggregation statistic %q", s)
}

// Aggregator reduces a correlation vector to a scalar confidence and hosts
// the deterministic fast-path match rules evaluated before full scoring.
type Aggregator struct {
	stat Statistic
	cmp  *Comparator
}

func NewAggregator(stat Statistic, cmp *Comparator) *Aggregator {
	return &Aggregator{stat: stat, cmp: cmp}
}

// Aggregate folds the vector with the configured statistic.
func (a *Aggregator) Aggregate(v Vector) float64 {
	switch a.stat {
	case StatMedian:
		return median(v)
	case StatMode:
		return mode(v)
	default:
		return mean(v)
	}
}

// FastMatch applies the deterministic short-circuit rules in priority
// order; the first satisfied rule wins and the rest are skipped:
//
//  1. An identical PersonIdentifier (id + assigning-authority namespace,
//     case-insensitive) present on both sides.
//  2. Exact SSN, first name, and last name.
//  3. Exact SSN and fully equal date of birth.
//  4. Exact SSN, first name, year of birth, and zip.
//  5. Exact first name, last name, and fully equal date of birth.
func (a *Aggregator) FastMatch(query, candidate *person.Person) bool {
	if sharedIdentifier(query, candidate) {
		return true
	}
	return a.DemographicMatch(query, candidate)
}

// DemographicMatch applies fast-path rules 2 through 5 only, with the
// identifier rule excluded. The identity service uses it to decide whether
// an inbound record is a demographic duplicate requiring an alias attach.
func (a *Aggregator) DemographicMatch(query, candidate *person.Person) bool {
	ssn := a.exactSSN(query, candidate)
	first := exactNamePart(query.Names, candidate.Names, func(n person.PersonName) string { return n.First })
	last := exactNamePart(query.Names, candidate.Names, func(n person.PersonName) string { return n.Last })

	if ssn && first && last {
		return true
	}
	if ssn && sharedFullDOB(query, candidate) {
		return true
	}
	if ssn && first && sharedBirthYear(query, candidate) && a.exactZip(query, candidate) {
		return true
	}
	if first && last && sharedFullDOB(query, candidate) {
		return true
	}
	return false
}

func sharedIdentifier(query, candidate *person.Person) bool {
	for _, q := range query.Identifiers {
		if q.ID == "" {
			continue
		}
		for _, c := range candidate.Identifiers {
			if strings.EqualFold(q.ID, c.ID) &&
				q.AssigningAuthority.Equal(c.AssigningAuthority) {
				return true
			}
		}
	}
	return false
}

func (a *Aggregator) exactSSN(query, candidate *person.Person) bool {
	if len(query.SSNs) == 0 || len(candidate.SSNs) == 0 {
		return false
	}
	return maxPair(query.SSNs, candidate.SSNs, func(q, c string) float64 {
		return a.cmp.Compare(q, c, similarity.KindNumeric)
	}) == ExactMatch
}

func (a *Aggregator) exactZip(query, candidate *person.Person) bool {
	for _, q := range query.Addresses {
		if q.Zip == "" {
			continue
		}
		for _, c := range candidate.Addresses {
			if c.Zip != "" && a.cmp.Compare(q.Zip, c.Zip, similarity.KindNumeric) == ExactMatch {
				return true
			}
		}
	}
	return false
}

func exactNamePart(qs, cs []person.PersonName, part func(person.PersonName) string) bool {
	for _, q := range qs {
		qp := part(q)
		if qp == "" {
			continue
		}
		for _, c := range cs {
			if cp := part(c); cp != "" && strings.EqualFold(qp, cp) {
				return true
			}
		}
	}
	return false
}

func sharedFullDOB(query, candidate *person.Person) bool {
	return sharedDOB(query, candidate, func(qy, qm, qd, cy, cm, cd int) bool {
		return qy == cy && qm == cm && qd == cd
	})
}

func sharedBirthYear(query, candidate *person.Person) bool {
	return sharedDOB(query, candidate, func(qy, _, _, cy, _, _ int) bool {
		return qy == cy
	})
}

func sharedDOB(query, candidate *person.Person, eq func(qy, qm, qd, cy, cm, cd int) bool) bool {
	for _, q := range query.DatesOfBirth {
		qy, qm, qd, ok := person.SplitDOB(q)
		if !ok {
			continue
		}
		for _, c := range candidate.DatesOfBirth {
			cy, cm, cd, ok := person.SplitDOB(c)
			if !ok {
				continue
			}
			if eq(qy, qm, qd, cy, cm, cd) {
				return true
			}
		}
	}
	return false
}

func mean(v Vector) float64 {
	sum := 0.0
	for _, s := range v {
		sum += s
	}
	return sum / float64(len(v))
}

func median(v Vector) float64 {
	sorted := make([]float64, len(v))
	copy(sorted, v[:])
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// mode picks the most frequent slot value; ties resolve to the higher
// value so an ambiguous vector never scores below its strongest cluster.
func mode(v Vector) float64 {
	counts := make(map[float64]int, len(v))
	for _, s := range v {
		counts[s]++
	}
	best := 0.0
	bestCount := 0
	for val, count := range counts {
		if count > bestCount || (count == bestCount && val > best) {
			best = val
			bestCount = count
		}
	}
	return best
}
