package similarity

import (
	"strings"
	"unicode"
)

// SearchRange bounds a search-key range scan: candidate names whose
// precomputed key falls in [Start, End] share a fuzzy bucket with the query
// name and survive pre-filtering.
type SearchRange struct {
	Start string
	End   string
}

// soundexCode maps a letter to its Soundex digit class; vowels and the
// letters h, w, y map to 0 and are dropped.
var soundexCode = map[byte]byte{
	'b': '1', 'f': '1', 'p': '1', 'v': '1',
	'c': '2', 'g': '2', 'j': '2', 'k': '2', 'q': '2', 's': '2', 'x': '2', 'z': '2',
	'd': '3', 't': '3',
	'l': '4',
	'm': '5', 'n': '5',
	'r': '6',
}

// Key generates the normalized phonetic search key stored alongside a name.
// It is a Soundex-style code: the leading letter followed by up to three
// consonant-class digits, zero-padded. Empty input yields an empty key.
func Key(name string) string {
	cleaned := cleanName(name)
	if cleaned == "" {
		return ""
	}

	var b strings.Builder
	b.WriteByte(cleaned[0])

	prev := soundexCode[cleaned[0]]
	for i := 1; i < len(cleaned) && b.Len() < 4; i++ {
		code, ok := soundexCode[cleaned[i]]
		if !ok {
			prev = 0
			continue
		}
		if code != prev {
			b.WriteByte(code)
		}
		prev = code
	}
	for b.Len() < 4 {
		b.WriteByte('0')
	}
	return strings.ToUpper(b.String())
}

// RangeFor returns the key range that brackets all names sharing the query
// name's phonetic bucket. The end bound sorts after every key with the same
// prefix so a BETWEEN scan picks up the whole bucket.
func RangeFor(name string) SearchRange {
	k := Key(name)
	if k == "" {
		return SearchRange{}
	}
	return SearchRange{Start: k, End: k + "~"}
}

// Contains reports whether key falls inside the range.
func (r SearchRange) Contains(key string) bool {
	return r.Start != "" && key >= r.Start && key <= r.End
}

// Empty reports whether the range is unset (unusable as a filter).
func (r SearchRange) Empty() bool {
	return r.Start == ""
}

// cleanName lowercases a name and strips everything but letters.
func cleanName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) && r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
