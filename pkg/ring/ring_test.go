package ring

import (
	"testing"
)

func TestPushPopFIFO(t *testing.T) {
	r := New(8)
	for i := 0; i < 5; i++ {
		if !r.Push(Entry{Seq: uint32(i)}) {
			t.Fatalf("push %d failed", i)
		}
	}
	for i := 0; i < 5; i++ {
		e, ok := r.Pop()
		if !ok {
			t.Fatalf("pop %d failed", i)
		}
		if e.Seq != uint32(i) {
			t.Errorf("expected seq %d, got %d", i, e.Seq)
		}
	}
	if _, ok := r.Pop(); ok {
		t.Error("expected empty ring")
	}
}

func TestCapacityRoundedUp(t *testing.T) {
	cases := []struct{ in, want int }{
		{1, 2},
		{2, 2},
		{3, 4},
		{8, 8},
		{9, 16},
		{1000, 1024},
	}
	for _, c := range cases {
		if got := New(c.in).Cap(); got != c.want {
			t.Errorf("New(%d).Cap() = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFullDropsAtProducer(t *testing.T) {
	r := New(4)
	for i := 0; i < 4; i++ {
		if !r.Push(Entry{Seq: uint32(i)}) {
			t.Fatalf("push %d failed", i)
		}
	}
	if r.Push(Entry{Seq: 99}) {
		t.Error("expected push to fail when full")
	}
	// The rejected push must not have modified the ring.
	for i := 0; i < 4; i++ {
		e, ok := r.Pop()
		if !ok || e.Seq != uint32(i) {
			t.Fatalf("entry %d corrupted: %+v ok=%v", i, e, ok)
		}
	}
}

func TestWrapAround(t *testing.T) {
	r := New(4)
	for round := 0; round < 100; round++ {
		for i := 0; i < 3; i++ {
			if !r.Push(Entry{Seq: uint32(round*3 + i)}) {
				t.Fatalf("push failed at round %d", round)
			}
		}
		for i := 0; i < 3; i++ {
			e, ok := r.Pop()
			if !ok || e.Seq != uint32(round*3+i) {
				t.Fatalf("pop mismatch at round %d: %+v", round, e)
			}
		}
	}
}

func TestConcurrentSPSC(t *testing.T) {
	r := New(64)
	const total = 100000
	done := make(chan []uint32)

	go func() {
		got := make([]uint32, 0, total)
		for len(got) < total {
			if e, ok := r.Pop(); ok {
				got = append(got, e.Seq)
			}
		}
		done <- got
	}()

	for i := 0; i < total; {
		if r.Push(Entry{Seq: uint32(i)}) {
			i++
		}
	}

	got := <-done
	for i, seq := range got {
		if seq != uint32(i) {
			t.Fatalf("out of order at %d: %d", i, seq)
		}
	}
}
