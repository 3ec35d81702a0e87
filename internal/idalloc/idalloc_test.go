package idalloc

import "testing"

func TestAscending(t *testing.T) {
	a := New(100, false)
	want := []int64{100, 101, 102}
	for _, w := range want {
		if got := a.Next(); got != w {
			t.Fatalf("Next() = %d, want %d", got, w)
		}
	}
}

func TestDescending(t *testing.T) {
	a := New(100, true)
	want := []int64{-100, -101, -102}
	for _, w := range want {
		if got := a.Next(); got != w {
			t.Fatalf("Next() = %d, want %d", got, w)
		}
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	a := New(5, false)
	if p := a.Peek(); p != 5 {
		t.Fatalf("Peek() = %d, want 5", p)
	}
	if n := a.Next(); n != 5 {
		t.Fatalf("Next() after Peek() = %d, want 5", n)
	}
}
