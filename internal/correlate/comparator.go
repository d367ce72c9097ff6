// Package correlate implements probabilistic demographic matching: per
// attribute similarity scoring, correlation vectors, weighted aggregation
// with fast-path exact-match rules, bounded candidate retrieval, and the
// correlation engine with its paged lookup sessions.
package correlate

import (
	"strings"

	"github.com/empi/empi/internal/domain/person"
	"github.com/empi/empi/internal/platform/similarity"
)

const (
	// ExactMatch is the correlation of two equal, non-empty values.
	ExactMatch = 1.0
	// Unknown is the sentinel correlation when an attribute is absent on
	// either side. Absence is not evidence of mismatch, so it is never 0.
	Unknown = 0.5
	// NoMatch is the floor of the correlation scale.
	NoMatch = 0.0
)

// ambiguous band: similarity scores in this range carry no usable signal
// for dates and trigger the year re-examination rule.
const (
	dateBandLow  = 0.45
	dateBandHigh = 0.55
	dateTypo     = 0.8
)

// Comparator scores two values of one demographic attribute into [0,1].
type Comparator struct {
	sim similarity.Scorer
}

func NewComparator(sim similarity.Scorer) *Comparator {
	return &Comparator{sim: sim}
}

// Compare scores two values of the given kind. Empty on either side yields
// Unknown; exact case-insensitive equality yields ExactMatch; anything else
// is delegated to the similarity scorer.
func (c *Comparator) Compare(a, b string, kind similarity.Kind) float64 {
	if a == "" || b == "" {
		return Unknown
	}
	if strings.EqualFold(a, b) {
		return ExactMatch
	}
	return clamp01(c.sim.Score(a, b, kind))
}

// CompareDates scores two canonical YYYYMMDD dates. When the raw similarity
// lands in the ambiguous band, the year components are re-examined directly:
// a year difference of exactly 10 (decade typo), at most 2 (single-digit
// typo), or exactly 100 (century typo) bumps the correlation to 0.8. The
// generic similarity function cannot see these keyboarding errors.
func (c *Comparator) CompareDates(a, b string) float64 {
	if a == "" || b == "" {
		return Unknown
	}
	if strings.EqualFold(a, b) {
		return ExactMatch
	}
	raw := clamp01(c.sim.Score(a, b, similarity.KindNumeric))
	if raw < dateBandLow || raw > dateBandHigh {
		return raw
	}

	yearA, _, _, okA := person.SplitDOB(a)
	yearB, _, _, okB := person.SplitDOB(b)
	if !okA || !okB {
		return raw
	}
	diff := yearA - yearB
	if diff < 0 {
		diff = -diff
	}
	if diff == 10 || diff <= 2 || diff == 100 {
		return dateTypo
	}
	return raw
}

// CompareAddresses decomposes into street/city/state/zip sub-scores and
// averages only the sub-scores whose fields are present on both sides. A
// field absent on the query side never penalizes the candidate. With no
// field present on both sides the result is Unknown.
func (c *Comparator) CompareAddresses(a, b person.Address) float64 {
	sum := 0.0
	n := 0

	if a.Street != "" && b.Street != "" {
		sum += c.Compare(a.Street, b.Street, similarity.KindStreet)
		n++
	}
	if a.City != "" && b.City != "" {
		sum += c.Compare(a.City, b.City, similarity.KindAlpha)
		n++
	}
	if a.State != "" && b.State != "" {
		sum += c.Compare(a.State, b.State, similarity.KindAlpha)
		n++
	}
	if a.Zip != "" && b.Zip != "" {
		sum += c.Compare(a.Zip, b.Zip, similarity.KindNumeric)
		n++
	}

	if n == 0 {
		return Unknown
	}
	return sum / float64(n)
}

// ComparePhones decomposes into area-code/number/extension sub-scores,
// counting how many sub-fields were actually compared and averaging only
// over those.
func (c *Comparator) ComparePhones(a, b person.Phone) float64 {
	sum := 0.0
	n := 0

	if a.AreaCode != "" && b.AreaCode != "" {
		sum += c.Compare(a.AreaCode, b.AreaCode, similarity.KindNumeric)
		n++
	}
	if a.Number != "" && b.Number != "" {
		sum += c.Compare(a.Number, b.Number, similarity.KindNumeric)
		n++
	}
	if a.Extension != "" && b.Extension != "" {
		sum += c.Compare(a.Extension, b.Extension, similarity.KindNumeric)
		n++
	}

	if n == 0 {
		return Unknown
	}
	return sum / float64(n)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
