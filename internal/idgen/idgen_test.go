package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q is not a UUID: %v", id, err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("wd_")
	if !strings.HasPrefix(id, "wd_") || len(id) != 3+24 {
		t.Errorf("WithPrefix = %q", id)
	}
}

func TestSortable_Monotonic(t *testing.T) {
	prev := Sortable()
	for i := 0; i < 1000; i++ {
		next := Sortable()
		if next <= prev {
			t.Fatalf("Sortable not increasing: %q then %q", prev, next)
		}
		prev = next
	}
}

func TestDerived_Stable(t *testing.T) {
	a := Derived("wd_", "user1", "key-1")
	b := Derived("wd_", "user1", "key-1")
	c := Derived("wd_", "user1", "key-2")
	d := Derived("wd_", "user1key-1")
	if a != b {
		t.Errorf("same parts gave %q and %q", a, b)
	}
	if a == c || a == d {
		t.Errorf("distinct parts collided: %q", a)
	}
}

func TestToken(t *testing.T) {
	tok := Token(8)
	if len(tok) != 8 {
		t.Fatalf("len = %d", len(tok))
	}
	for _, r := range tok {
		if !strings.ContainsRune(tokenAlphabet, r) {
			t.Errorf("unexpected rune %q in %q", r, tok)
		}
	}
}
