package room

import "testing"

func TestClampPage(t *testing.T) {
	cases := []struct {
		limit, offset    string
		wantLim, wantOff int
	}{
		{"", "", 20, 0},
		{"abc", "xyz", 20, 0},
		{"0", "0", 20, 0},
		{"-5", "-3", 1, 0},
		{"10", "40", 10, 40},
		{"51", "1", 50, 1},
	}
	for _, tc := range cases {
		lim, off := ClampPage(tc.limit, tc.offset)
		if lim != tc.wantLim || off != tc.wantOff {
			t.Fatalf("ClampPage(%q, %q) = %d, %d; want %d, %d", tc.limit, tc.offset, lim, off, tc.wantLim, tc.wantOff)
		}
	}
}

func TestPartner(t *testing.T) {
	r := Room{Participants: []string{"a", "b"}}
	if r.Partner("a") != "b" || r.Partner("b") != "a" {
		t.Fatalf("wrong partner")
	}
}
