package address

import "testing"

func TestNewRequiresSelfInList(t *testing.T) {
	if _, err := New("d", []Address{"a", "b", "c"}); err == nil {
		t.Fatal("expected error when self is absent from address_list")
	}
}

func TestNewDeduplicates(t *testing.T) {
	m, err := New("a", []Address{"a", "b", "a", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(m.Addresses()); got != 3 {
		t.Fatalf("expected 3 unique addresses, got %d", got)
	}
}

func TestMinIsLexicographic(t *testing.T) {
	if got := Min([]Address{"c", "a", "b"}); got != "a" {
		t.Fatalf("expected a, got %s", got)
	}
	if got := Min(nil); got != "" {
		t.Fatalf("expected empty for no candidates, got %s", got)
	}
}

func TestResolveAdvertiseAddrReturnsHintUnchanged(t *testing.T) {
	got, err := ResolveAdvertiseAddr("host-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "host-a" {
		t.Fatalf("expected hint to pass through unchanged, got %s", got)
	}
}

func TestNickDefaultsToAddress(t *testing.T) {
	m, err := New("a", []Address{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Nick("b"); got != "b" {
		t.Fatalf("expected default nick to equal address, got %s", got)
	}
	m.SetNick("b", "bravo")
	if got := m.Nick("b"); got != "bravo" {
		t.Fatalf("expected bravo, got %s", got)
	}
	// SetNick on an unknown peer is a no-op.
	m.SetNick("z", "zulu")
	if got := m.Nick("z"); got != "z" {
		t.Fatalf("expected default for unknown peer, got %s", got)
	}
}
