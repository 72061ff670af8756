package listeners

import (
	"testing"
)

func TestEmitOrder(t *testing.T) {
	r := New[int]("test", nil)

	var got []string
	r.Add(func(v int) { got = append(got, "a") })
	r.Add(func(v int) { got = append(got, "b") })
	r.Add(func(v int) { got = append(got, "c") })

	r.Emit(1)

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("unexpected delivery order: %v", got)
	}
}

func TestRemoveByTokenKeepsOthers(t *testing.T) {
	r := New[string]("test", nil)

	var a, b, c int
	idA := r.Add(func(string) { a++ })
	idB := r.Add(func(string) { b++ })
	r.Add(func(string) { c++ })

	if !r.Remove(idB) {
		t.Fatal("Remove(idB) = false")
	}
	if r.Remove(idB) {
		t.Error("second Remove(idB) should report false")
	}

	r.Emit("x")
	if a != 1 || b != 0 || c != 1 {
		t.Errorf("after removing b: a=%d b=%d c=%d", a, b, c)
	}

	// Removing a must not disturb c.
	r.Remove(idA)
	r.Emit("y")
	if a != 1 || c != 2 {
		t.Errorf("after removing a: a=%d c=%d", a, c)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	r := New[int]("test", nil)

	var after int
	r.Add(func(int) { panic("boom") })
	r.Add(func(v int) { after = v })

	r.Emit(7)

	if after != 7 {
		t.Errorf("subscriber after a panicking one got %d, want 7", after)
	}
}

func TestRemoveDuringEmit(t *testing.T) {
	r := New[int]("test", nil)

	var second int
	var selfID ID
	selfID = r.Add(func(int) { r.Remove(selfID) })
	r.Add(func(int) { second++ })

	r.Emit(1)
	r.Emit(2)

	if second != 2 {
		t.Errorf("second subscriber called %d times, want 2", second)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestIDsAreUnique(t *testing.T) {
	r := New[int]("test", nil)
	seen := make(map[ID]bool)
	for i := 0; i < 100; i++ {
		id := r.Add(func(int) {})
		if id == 0 {
			t.Fatal("zero ID handed out")
		}
		if seen[id] {
			t.Fatalf("duplicate ID %d", id)
		}
		seen[id] = true
		if i%3 == 0 {
			r.Remove(id)
		}
	}
}
