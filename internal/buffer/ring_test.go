package buffer

import "testing"

func TestRingOverwritesOldest(t *testing.T) {
	ring := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}
	got := ring.List()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestRingLast(t *testing.T) {
	ring := NewRing[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		ring.Add(s)
	}
	got := ring.Last(2)
	if len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Fatalf("unexpected tail: %v", got)
	}
	if tail := ring.Last(10); len(tail) != 4 {
		t.Fatalf("expected full buffer, got %d entries", len(tail))
	}
}

func TestRingNilSafe(t *testing.T) {
	var ring *Ring[int]
	ring.Add(1)
	if ring.Len() != 0 || ring.List() != nil || ring.Last(1) != nil {
		t.Fatal("nil ring must be inert")
	}
}
