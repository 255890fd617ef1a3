package main

import "testing"

func TestParseHopsEmpty(t *testing.T) {
	hops, err := parseHops("")
	if err != nil {
		t.Fatalf("parseHops(\"\"): %v", err)
	}
	if hops != nil {
		t.Errorf("expected nil hops for empty input, got %v", hops)
	}
}

func TestParseHopsValid(t *testing.T) {
	hops, err := parseHops("127.0.0.1:9001,127.0.0.1:9002,127.0.0.1:9003")
	if err != nil {
		t.Fatalf("parseHops: %v", err)
	}
	if len(hops) != 3 {
		t.Fatalf("got %d hops, want 3", len(hops))
	}
	if !hops[2].IsExit {
		t.Error("expected last hop marked as exit")
	}
	if hops[0].IsExit {
		t.Error("expected first hop not marked as exit")
	}
}

func TestParseHopsInvalid(t *testing.T) {
	if _, err := parseHops("not-a-valid-address"); err == nil {
		t.Fatal("expected error for malformed hop address")
	}
}
