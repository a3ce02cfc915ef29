package queue

import "testing"

func TestFIFOOrder(t *testing.T) {
	q := New(6)
	q.PutMany([]uint64{10, 11, 12})
	for _, want := range []uint64{10, 11, 12} {
		got, ok := q.Take()
		if !ok || got != want {
			t.Fatalf("Take() = (%d,%v), want (%d,true)", got, ok, want)
		}
	}
	if _, ok := q.Take(); ok {
		t.Fatal("expected empty queue")
	}
}

func TestCapacityAndFreeSpace(t *testing.T) {
	q := New(4)
	if fs := q.FreeSpace(); fs != 4 {
		t.Fatalf("FreeSpace() = %d, want 4", fs)
	}
	q.PutMany([]uint64{1, 2})
	if fs := q.FreeSpace(); fs != 2 {
		t.Fatalf("FreeSpace() = %d, want 2", fs)
	}
	if q.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", q.Size())
	}
}

func TestPutManyOverCapacityPanics(t *testing.T) {
	q := New(2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic admitting more than free space")
		}
	}()
	q.PutMany([]uint64{1, 2, 3})
}

func TestTakeManyBoundedBySize(t *testing.T) {
	q := New(10)
	q.PutMany([]uint64{1, 2, 3})
	got := q.TakeMany(10)
	if len(got) != 3 {
		t.Fatalf("TakeMany(10) returned %d items, want 3", len(got))
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New(4)
	q.Put(7)
	h, ok := q.Peek()
	if !ok || h != 7 {
		t.Fatalf("Peek() = (%d,%v), want (7,true)", h, ok)
	}
	if q.Size() != 1 {
		t.Fatalf("Peek should not remove; Size() = %d, want 1", q.Size())
	}
}

func TestFlushEmptiesQueue(t *testing.T) {
	q := New(4)
	q.PutMany([]uint64{1, 2, 3})
	q.Flush()
	if q.Size() != 0 {
		t.Fatalf("Size() after Flush = %d, want 0", q.Size())
	}
	if fs := q.FreeSpace(); fs != 4 {
		t.Fatalf("FreeSpace() after Flush = %d, want 4", fs)
	}
}

func TestWrapAroundAfterTakeAndPut(t *testing.T) {
	q := New(3)
	q.PutMany([]uint64{1, 2, 3})
	q.TakeMany(2) // head now at index 2, n=1
	q.PutMany([]uint64{4, 5})
	want := []uint64{3, 4, 5}
	got := q.TakeMany(3)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("TakeMany after wraparound = %v, want %v", got, want)
		}
	}
}
