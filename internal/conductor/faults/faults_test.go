package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Classified(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{Auth(errors.New("bad signature")), KindAuth},
		{RateLimit(errors.New("slow down")), KindRateLimit},
		{Transient(errors.New("timeout")), KindTransient},
		{StateConflict(errors.New("busy")), KindStateConflict},
		{Terminal(errors.New("gave up")), KindTerminal},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.want {
			t.Errorf("KindOf(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestKindOf_UnclassifiedIsTransient(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindTransient {
		t.Fatalf("expected unclassified error to be transient, got %v", got)
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("minting token: %w", Auth(errors.New("expired key")))
	if !Is(err, KindAuth) {
		t.Fatal("expected auth kind to survive wrapping")
	}
	if Is(err, KindTerminal) {
		t.Fatal("did not expect terminal kind")
	}
}

func TestWrapNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Fatal("wrapping nil should return nil")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("inner")
	if !errors.Is(Terminal(fmt.Errorf("outer: %w", inner)), inner) {
		t.Fatal("expected errors.Is to reach the inner error")
	}
}
