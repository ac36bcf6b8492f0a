package rfc9111

import (
	"testing"
	"time"
)

func TestToDeltaSeconds(t *testing.T) {
	fiveSeconds := 5 * time.Second
	if s := DeltaSeconds(fiveSeconds); s != "5" {
		t.Fatalf("Delta seconds is %s", s)
	}
	if s := DeltaSeconds(-time.Second); s != "0" {
		t.Fatalf("Negative delta seconds is %s", s)
	}
}

func TestDeltaSecondsOverflow(t *testing.T) {
	d, ok := deltaSeconds("99999999999999999999999")
	if !ok || d != maxDeltaSeconds*time.Second {
		t.Fatalf("Expected overflow to clamp, got %v %v", d, ok)
	}
	if _, ok := deltaSeconds("-1"); ok {
		t.Fatal("Negative values are not delta-seconds")
	}
}
