package shmring

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOrderAcrossWrapWithPartialProgress(t *testing.T) {
	r := New(64)

	const N = 2000
	src := make([]byte, N)
	for i := range src {
		src[i] = byte(i)
	}

	// Small odd-sized steps on both sides force frequent wraps.
	p := src
	dst := make([]byte, 0, N)
	for len(dst) < N {
		if len(p) > 0 {
			step := 7
			if step > len(p) {
				step = len(p)
			}
			p = p[r.TryWriteFrom(p[:step]):]
		}
		var tmp [17]byte
		n := r.TryReadInto(tmp[:5])
		dst = append(dst, tmp[:n]...)
	}

	for i := 0; i < N; i++ {
		if dst[i] != src[i] {
			t.Fatalf("mismatch at %d: got=%d want=%d", i, dst[i], src[i])
		}
	}
}

func TestReadableWritableEdges(t *testing.T) {
	r := New(8)
	select {
	case <-r.Readable():
		t.Fatal("unexpected Readable on empty ring")
	default:
	}
	if n := r.TryWriteFrom([]byte{1, 2, 3}); n != 3 {
		t.Fatalf("write 3 -> %d", n)
	}
	select {
	case <-r.Readable():
	default:
		t.Fatal("expected Readable")
	}
	r.TryWriteFrom([]byte{4})
	select {
	case <-r.Readable():
		t.Fatal("unexpected extra Readable")
	default:
	}

	if n := r.TryWriteFrom(make([]byte, 10)); n != 4 {
		t.Fatalf("fill got %d want 4", n)
	}
	if r.Space() != 0 || r.Available() != 8 {
		t.Fatalf("space=%d avail=%d", r.Space(), r.Available())
	}
	r.TryReadInto(make([]byte, 1))
	select {
	case <-r.Writable():
	default:
		t.Fatal("expected Writable after full ring drained")
	}
}

func TestBlockingCalls(t *testing.T) {
	r := New(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan []byte)
	go func() {
		var got []byte
		buf := make([]byte, 3)
		for len(got) < 10 {
			n, err := r.ReadInto(ctx, buf)
			if err != nil {
				break
			}
			got = append(got, buf[:n]...)
		}
		done <- got
	}()

	n, err := r.WriteFrom(ctx, []byte("0123456789"))
	if err != nil || n != 10 {
		t.Fatalf("WriteFrom got %d,%v", n, err)
	}
	if got := string(<-done); got != "0123456789" {
		t.Fatalf("read %q", got)
	}

	short, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := r.ReadInto(short, make([]byte, 1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReadInto on empty ring got %v", err)
	}
}

func TestRegistryClose(t *testing.T) {
	h, r := NewRegistered(8)
	if Get(h) != r {
		t.Fatal("Get did not return the registered ring")
	}
	r.TryWriteFrom([]byte{9})
	Close(h)
	if Get(h) != nil {
		t.Fatal("handle still registered after Close")
	}
	if r.TryWriteFrom([]byte{1}) != 0 {
		t.Fatal("write accepted after Close")
	}
	buf := make([]byte, 2)
	if n, err := r.ReadInto(context.Background(), buf); n != 1 || err != nil {
		t.Fatalf("buffered read after Close got %d,%v", n, err)
	}
	if _, err := r.ReadInto(context.Background(), buf); !errors.Is(err, ErrClosed) {
		t.Fatalf("drained read got %v want ErrClosed", err)
	}
	if Get(0) != nil {
		t.Fatal("zero handle resolved")
	}
}

func TestSpansWrap(t *testing.T) {
	r := New(8)
	r.TryWriteFrom([]byte{0, 1, 2, 3, 4, 5})
	r.TryReadInto(make([]byte, 5))

	p1, p2 := r.WriteAcquire()
	if len(p1) != 2 || len(p2) != 5 {
		t.Fatalf("write spans got %d+%d want 2+5", len(p1), len(p2))
	}
	copy(p1, []byte{6, 7})
	copy(p2, []byte{8, 9, 10})
	r.WriteCommit(5)

	p1, p2 = r.ReadAcquire()
	got := append(append([]byte(nil), p1...), p2...)
	want := []byte{5, 6, 7, 8, 9, 10}
	if string(got) != string(want) {
		t.Fatalf("read spans got %v want %v", got, want)
	}
	r.ReadRelease(len(got))
	if r.Available() != 0 || r.Space() != 8 {
		t.Fatalf("after release avail=%d space=%d", r.Available(), r.Space())
	}
}
