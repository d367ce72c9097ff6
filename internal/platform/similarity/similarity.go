// Package similarity provides the string-similarity capability used by the
// correlation engine: per-kind fuzzy scoring of demographic values and
// normalized search-key generation for candidate pre-filtering.
package similarity

import (
	"strings"
	"unicode"
)

// Kind selects the comparison algorithm for one demographic value type.
type Kind int

const (
	// KindName compares personal names.
	KindName Kind = iota
	// KindStreet compares street addresses (normalized before scoring).
	KindStreet
	// KindAlpha compares generic alphanumeric values.
	KindAlpha
	// KindNumeric compares digit-bearing values (SSNs, phone numbers); only
	// the digits participate in the comparison.
	KindNumeric
)

// Scorer scores two strings into [0,1]. The correlation engine is agnostic
// to the underlying algorithm.
type Scorer interface {
	Score(a, b string, kind Kind) float64
}

// JaroWinkler is the default Scorer. It applies kind-specific normalization
// and then Jaro-Winkler similarity.
type JaroWinkler struct{}

func (JaroWinkler) Score(a, b string, kind Kind) float64 {
	switch kind {
	case KindStreet:
		a, b = NormalizeStreet(a), NormalizeStreet(b)
	case KindNumeric:
		a, b = Digits(a), Digits(b)
	case KindAlpha:
		a, b = alnum(a), alnum(b)
	}
	return jaroWinkler(a, b)
}

// Digits returns only the digit characters of s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeStreet lowercases a street line and strips punctuation and
// redundant whitespace so that "123 Main St." and "123 main st" compare
// equal.
func NormalizeStreet(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if r == '.' || r == ',' || r == '#' {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func alnum(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// jaroWinkler computes the Jaro-Winkler similarity between two strings,
// case-insensitive, in [0,1].
func jaroWinkler(s1, s2 string) float64 {
	s1 = strings.ToLower(s1)
	s2 = strings.ToLower(s2)

	if len(s1) == 0 || len(s2) == 0 {
		return 0.0
	}
	if s1 == s2 {
		return 1.0
	}

	s1Len := len(s1)
	s2Len := len(s2)

	maxDist := s1Len
	if s2Len > maxDist {
		maxDist = s2Len
	}
	maxDist = maxDist/2 - 1
	if maxDist < 0 {
		maxDist = 0
	}

	s1Matches := make([]bool, s1Len)
	s2Matches := make([]bool, s2Len)

	matches := 0
	transpositions := 0

	for i := 0; i < s1Len; i++ {
		start := i - maxDist
		if start < 0 {
			start = 0
		}
		end := i + maxDist + 1
		if end > s2Len {
			end = s2Len
		}
		for j := start; j < end; j++ {
			if s2Matches[j] || s1[i] != s2[j] {
				continue
			}
			s1Matches[i] = true
			s2Matches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	k := 0
	for i := 0; i < s1Len; i++ {
		if !s1Matches[i] {
			continue
		}
		for !s2Matches[k] {
			k++
		}
		if s1[i] != s2[k] {
			transpositions++
		}
		k++
	}

	jaro := (float64(matches)/float64(s1Len) +
		float64(matches)/float64(s2Len) +
		float64(matches-transpositions/2)/float64(matches)) / 3.0

	// Winkler adjustment: boost for a common prefix of up to 4 chars.
	prefixLen := 0
	maxPrefix := 4
	if s1Len < maxPrefix {
		maxPrefix = s1Len
	}
	if s2Len < maxPrefix {
		maxPrefix = s2Len
	}
	for i := 0; i < maxPrefix; i++ {
		if s1[i] == s2[i] {
			prefixLen++
		} else {
			break
		}
	}

	return jaro + float64(prefixLen)*0.1*(1.0-jaro)
}
