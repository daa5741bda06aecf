package fingerprint

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Generate a USER Story\n\nfor login  ": "generate a user story for login",
		"one two":                                "one two",
		"":                                       "",
		"\t\n ":                                  "",
	}
	for input, want := range cases {
		if got := Normalize(input); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestHashStableAcrossWhitespace(t *testing.T) {
	a := Hash("Generate a user story for login")
	b := Hash("  generate a USER story\nfor login ")
	if a != b {
		t.Fatalf("equivalent payloads must share a fingerprint: %s vs %s", a, b)
	}
}

func TestHashDistinguishesContent(t *testing.T) {
	if Hash("story about login") == Hash("story about logout") {
		t.Fatalf("different payloads must not collide")
	}
}

func TestHashLength(t *testing.T) {
	if got := len(Hash("anything")); got != 64 {
		t.Fatalf("expected 64 hex chars, got %d", got)
	}
}
