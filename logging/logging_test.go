package logging

import "testing"

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "verbose"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNewAcceptsDefaults(t *testing.T) {
	log, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestNewAcceptsJSON(t *testing.T) {
	if _, err := New(Config{Level: "debug", Format: "json"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
