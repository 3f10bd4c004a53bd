package timing

import (
	"errors"
	"testing"
)

func TestEngineErrorIsMatchesByKindOnly(t *testing.T) {
	a := newErr(TagConflict, "tag %q taken", "0000001")
	b := &EngineError{Kind: TagConflict}
	if !errors.Is(a, b) {
		t.Fatal("expected two EngineErrors with the same Kind to match via errors.Is")
	}

	c := newErr(EntrantNotFound, "entrant %d", 1)
	if errors.Is(a, c) {
		t.Fatal("expected EngineErrors with different Kinds not to match")
	}
}

func TestEngineErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := wrapErr(JournalUnavailable, cause, "flush failed")
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected errors.Is to follow Unwrap to the underlying cause")
	}
}
