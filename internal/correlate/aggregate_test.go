package correlate

import (
	"testing"

	"github.com/empi/empi/internal/domain/person"
	"github.com/empi/empi/internal/platform/similarity"
)

func testAggregator(stat Statistic) *Aggregator {
	return NewAggregator(stat, NewComparator(similarity.JaroWinkler{}))
}

func TestParseStatistic(t *testing.T) {
	for _, s := range []string{"mean", "Median", "MODE"} {
		if _, err := ParseStatistic(s); err != nil {
			t.Errorf("ParseStatistic(%q) error: %v", s, err)
		}
	}
	if _, err := ParseStatistic("max"); err == nil {
		t.Error("ParseStatistic(max) expected error")
	}
}

func TestAggregateStatistics(t *testing.T) {
	v := Vector{1.0, 1.0, 0.5, 0.5, 0.5, 0.5, 0.5, 0.0, 0.0}

	if got := testAggregator(StatMean).Aggregate(v); got != 4.5/9 {
		t.Errorf("mean = %v, want %v", got, 4.5/9)
	}
	if got := testAggregator(StatMedian).Aggregate(v); got != 0.5 {
		t.Errorf("median = %v, want 0.5", got)
	}
	if got := testAggregator(StatMode).Aggregate(v); got != 0.5 {
		t.Errorf("mode = %v, want 0.5", got)
	}
}

func TestAggregateModeTieTakesHigherValue(t *testing.T) {
	v := Vector{1.0, 1.0, 1.0, 1.0, 0.2, 0.2, 0.2, 0.2, 0.5}
	if got := testAggregator(StatMode).Aggregate(v); got != 1.0 {
		t.Errorf("mode tie = %v, want 1.0", got)
	}
}

func demoPerson(ssn, first, last, dob, zip string) *person.Person {
	p := &person.Person{
		Names: []person.PersonName{{First: first, Last: last}},
	}
	if ssn != "" {
		p.SSNs = []string{ssn}
	}
	if dob != "" {
		p.DatesOfBirth = []string{dob}
	}
	if zip != "" {
		p.Addresses = []person.Address{{Zip: zip}}
	}
	return p
}

func TestFastMatchSSNAndName(t *testing.T) {
	agg := testAggregator(StatMean)

	a := demoPerson("123456789", "John", "Smith", "", "")
	b := demoPerson("123-45-6789", "JOHN", "SMITH", "", "")
	if !agg.FastMatch(a, b) {
		t.Error("expected fast match on identical SSN, first, and last name")
	}
}

func TestFastMatchIdentifierRulePrecedence(t *testing.T) {
	agg := testAggregator(StatMean)

	// Shared identifier but completely different demographics still
	// matches: rule 1 wins before any demographic rule runs.
	a := demoPerson("111111111", "John", "Smith", "19900101", "12345")
	b := demoPerson("222222222", "Mary", "Jones", "19550615", "99999")
	id := person.PersonIdentifier{
		ID:                 "MRN-1",
		AssigningAuthority: person.DomainIdentifier{NamespaceID: "HOSP-A"},
	}
	a.Identifiers = []person.PersonIdentifier{id}
	b.Identifiers = []person.PersonIdentifier{{
		ID:                 "mrn-1",
		AssigningAuthority: person.DomainIdentifier{NamespaceID: "hosp-a"},
	}}

	if !agg.FastMatch(a, b) {
		t.Error("expected fast match via shared identifier despite differing demographics")
	}
	// The demographic-only check must not fire for the same pair.
	if agg.DemographicMatch(a, b) {
		t.Error("demographic match should exclude the identifier rule")
	}
}

func TestFastMatchSSNAndFullDOB(t *testing.T) {
	agg := testAggregator(StatMean)

	a := demoPerson("123456789", "J", "S", "19900101", "")
	b := demoPerson("123456789", "Mary", "Jones", "19900101", "")
	if !agg.FastMatch(a, b) {
		t.Error("expected fast match on SSN + full date of birth")
	}
}

func TestFastMatchSSNFirstNameYearZip(t *testing.T) {
	agg := testAggregator(StatMean)

	a := demoPerson("123456789", "John", "Smythe", "19900101", "12345")
	b := demoPerson("123456789", "John", "Smith", "19900615", "12345")
	if !agg.FastMatch(a, b) {
		t.Error("expected fast match on SSN + first name + birth year + zip")
	}
}

func TestFastMatchNameAndFullDOB(t *testing.T) {
	agg := testAggregator(StatMean)

	a := demoPerson("", "John", "Smith", "19900101", "")
	b := demoPerson("", "John", "Smith", "19900101", "")
	if !agg.FastMatch(a, b) {
		t.Error("expected fast match on first + last + full date of birth")
	}
}

func TestFastMatchRejectsPartialEvidence(t *testing.T) {
	agg := testAggregator(StatMean)

	cases := []struct {
		name string
		a, b *person.Person
	}{
		{"name only", demoPerson("", "John", "Smith", "", ""), demoPerson("", "John", "Smith", "", "")},
		{"ssn only", demoPerson("123456789", "John", "Smith", "", ""), demoPerson("123456789", "Mary", "Jones", "", "")},
		{"name plus year only", demoPerson("", "John", "Smith", "19900101", ""), demoPerson("", "John", "Smith", "19900615", "")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if agg.FastMatch(tc.a, tc.b) {
				t.Error("unexpected fast match")
			}
		})
	}
}
