package normalize

import "testing"

func TestUsername(t *testing.T) {
	cases := map[string]string{
		"  Alice  ": "alice",
		"BOB":       "bob",
		"carol":     "carol",
		"   ":       "",
	}
	for in, want := range cases {
		if got := Username(in); got != want {
			t.Fatalf("Username(%q) = %q, want %q", in, got, want)
		}
	}
}
