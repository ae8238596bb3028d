package channel

import (
	"testing"

	"streams/internal/model"
)

func TestAncestorSelectorMatchesDescendantsOnly(t *testing.T) {
	sel := AncestorSelector("team/eng")
	cases := map[string]bool{
		"team/eng":        true,
		"team/eng/backend": true,
		"team":            false,
		"team/engineering": false,
	}
	for topic, want := range cases {
		if got := sel.matchesTopic(topic); got != want {
			t.Errorf("matchesTopic(%q) = %v, want %v", topic, got, want)
		}
	}
}

func TestAnySelectorMatchesEmptyIsUnconstrained(t *testing.T) {
	if !anySelectorMatches(nil, "anything", model.Identifier{}) {
		t.Fatalf("empty selector list should match everything")
	}
}

func TestIdentifierSelectorFiltersByPublisher(t *testing.T) {
	pub := testIdentifier(1)
	other := testIdentifier(2)
	sel := IdentifierSelector(pub)
	if !anySelectorMatches([]Selector{sel}, "root", pub) {
		t.Fatalf("identifier selector should match its own identifier")
	}
	if anySelectorMatches([]Selector{sel}, "root", other) {
		t.Fatalf("identifier selector should not match a different identifier")
	}
}

func testIdentifier(seed byte) model.Identifier {
	raw := make([]byte, 32)
	raw[0] = seed
	return model.NewEd25519Identifier(raw)
}
