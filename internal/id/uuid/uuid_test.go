package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	t.Parallel()

	g := NewGenerator()
	a, err := g.NewID()
	if err != nil {
		t.Fatalf("NewID returned error: %v", err)
	}
	b, err := g.NewID()
	if err != nil {
		t.Fatalf("NewID returned error: %v", err)
	}
	if a == b {
		t.Fatalf("consecutive ids collided: %s", a)
	}

	parsed, err := guuid.Parse(a)
	if err != nil {
		t.Fatalf("id %q is not a valid uuid: %v", a, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("id version = %d, want 7", parsed.Version())
	}
}

func TestNewID_Ordered(t *testing.T) {
	t.Parallel()

	g := NewGenerator()
	prev, _ := g.NewID()
	for i := 0; i < 10; i++ {
		next, err := g.NewID()
		if err != nil {
			t.Fatalf("NewID returned error: %v", err)
		}
		if next < prev {
			t.Fatalf("ids not monotonic: %s before %s", prev, next)
		}
		prev = next
	}
}
