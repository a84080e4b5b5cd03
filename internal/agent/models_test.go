package agent

import "testing"

func TestResolveModelIDRoundTrip(t *testing.T) {
	for _, m := range ModelOptions() {
		if got := ResolveModelID(m.Short); got != m.ID {
			t.Errorf("ResolveModelID(%q) = %q, want %q", m.Short, got, m.ID)
		}
		if got := ResolveModelID(m.ID); got != m.ID {
			t.Errorf("ResolveModelID(%q) = %q, want %q", m.ID, got, m.ID)
		}
		if got := ResolveModelID(ShortModelID(m.ID)); got != ResolveModelID(m.ID) {
			t.Errorf("round trip broken for %q", m.ID)
		}
		if got := ShortModelID(m.ID); got != m.Short {
			t.Errorf("ShortModelID(%q) = %q, want %q", m.ID, got, m.Short)
		}
	}
}

func TestResolveModelIDUnknownPassesThrough(t *testing.T) {
	if got := ResolveModelID("gpt-5"); got != "gpt-5" {
		t.Errorf("unknown id changed: %q", got)
	}
	if KnownModel("gpt-5") {
		t.Error("unknown id reported as known")
	}
}
