package similarity

import "testing"

func TestKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Smith", "S530"},
		{"Smyth", "S530"}, // same phonetic bucket as Smith
		{"Jones", "J520"},
		{"Pfister", "P236"},   // leading same-class pair collapses
		{"Gutierrez", "G362"}, // double letter collapses
		{"O'Brien", "O165"},   // punctuation stripped
		{"Müller", "M460"},    // non-ASCII letters dropped
		{"Ñoño", "O000"},
		{"", ""},
		{"12345", ""}, // no letters, no key
	}
	for _, tc := range cases {
		if got := Key(tc.in); got != tc.want {
			t.Errorf("Key(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRangeFor(t *testing.T) {
	r := RangeFor("Smith")
	if r.Empty() {
		t.Fatal("range for a real name is empty")
	}
	if !r.Contains(Key("Smyth")) {
		t.Error("range excludes a same-bucket name")
	}
	if r.Contains(Key("Jones")) {
		t.Error("range includes a foreign bucket")
	}
}

func TestRangeForEmptyName(t *testing.T) {
	r := RangeFor("")
	if !r.Empty() {
		t.Errorf("range for empty name = %+v, want unset", r)
	}
	if r.Contains("S530") {
		t.Error("unset range must contain nothing")
	}
}
