package multipath

import (
	"bytes"
	"testing"
	"time"
)

func TestReorderInOrderPassThrough(t *testing.T) {
	t.Parallel()

	b := NewReorderBuffer(0, 8, time.Second)
	now := time.Now()

	for seq := uint64(0); seq < 5; seq++ {
		out := b.Insert(seq, []byte{byte(seq)}, now)
		if len(out) != 1 || out[0][0] != byte(seq) {
			t.Fatalf("seq %d: got %v", seq, out)
		}
	}
	if b.NextExpected() != 5 {
		t.Fatalf("cursor: got %d, want 5", b.NextExpected())
	}
}

func TestReorderHoleThenDrain(t *testing.T) {
	t.Parallel()

	b := NewReorderBuffer(0, 8, time.Second)
	now := time.Now()

	// 1, 2, 3 park behind the missing 0.
	for seq := uint64(1); seq <= 3; seq++ {
		if out := b.Insert(seq, []byte{byte(seq)}, now); out != nil {
			t.Fatalf("seq %d must park, got %v", seq, out)
		}
	}
	if b.PendingLen() != 3 {
		t.Fatalf("pending: got %d, want 3", b.PendingLen())
	}

	// 0 arrives: the whole run drains in order.
	out := b.Insert(0, []byte{0}, now)
	if len(out) != 4 {
		t.Fatalf("drain: got %d entries, want 4", len(out))
	}
	for i, data := range out {
		if data[0] != byte(i) {
			t.Fatalf("drain[%d]: got %d", i, data[0])
		}
	}
	if b.PendingLen() != 0 {
		t.Fatalf("pending after drain: %d", b.PendingLen())
	}
}

func TestReorderStaleDropped(t *testing.T) {
	t.Parallel()

	b := NewReorderBuffer(5, 8, time.Second)
	if out := b.Insert(3, []byte("old"), time.Now()); out != nil {
		t.Fatalf("stale insert must drop, got %v", out)
	}
	_, dropped, _ := b.Stats()
	if dropped != 1 {
		t.Fatalf("dropped: got %d, want 1", dropped)
	}
}

func TestReorderCapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	b := NewReorderBuffer(0, 3, time.Minute)
	base := time.Now()

	// Fill out-of-order slots with strictly increasing receive times.
	b.Insert(10, []byte("a"), base)
	b.Insert(11, []byte("b"), base.Add(time.Millisecond))
	b.Insert(12, []byte("c"), base.Add(2*time.Millisecond))

	// At capacity: the next insert evicts the oldest entry (seq 10).
	b.Insert(13, []byte("d"), base.Add(3*time.Millisecond))
	if b.PendingLen() != 3 {
		t.Fatalf("pending: got %d, want 3", b.PendingLen())
	}
	_, _, evicted := b.Stats()
	if evicted != 1 {
		t.Fatalf("evicted: got %d, want 1", evicted)
	}

	// Seq 10 is gone: skipping to 11 drains 11..13 only.
	out := b.SkipTo(11)
	if len(out) != 3 {
		t.Fatalf("skip drain: got %d, want 3 (10 evicted)", len(out))
	}
}

func TestReorderExpire(t *testing.T) {
	t.Parallel()

	b := NewReorderBuffer(0, 8, 50*time.Millisecond)
	base := time.Now()

	b.Insert(5, []byte("late"), base)
	b.Insert(6, []byte("fresh"), base.Add(40*time.Millisecond))

	expired := b.Expire(base.Add(60 * time.Millisecond))
	if len(expired) != 1 {
		t.Fatalf("expired: got %d entries, want 1", len(expired))
	}
	if expired[0].Key != 5 || !bytes.Equal(expired[0].Data, []byte("late")) {
		t.Fatalf("expired entry: %+v", expired[0])
	}
	if expired[0].Age < 50*time.Millisecond {
		t.Fatalf("expired age: %v", expired[0].Age)
	}
	if b.PendingLen() != 1 {
		t.Fatalf("pending after expire: got %d, want 1", b.PendingLen())
	}
}

func TestReorderDuplicateIdempotent(t *testing.T) {
	t.Parallel()

	b := NewReorderBuffer(0, 8, time.Second)
	now := time.Now()

	b.Insert(2, []byte("first"), now)
	b.Insert(2, []byte("second"), now)
	if b.PendingLen() != 1 {
		t.Fatalf("duplicate must not add entries: %d", b.PendingLen())
	}

	out := b.Insert(0, []byte("0"), now)
	if len(out) != 1 {
		t.Fatalf("insert 0: got %d entries", len(out))
	}
	out = b.Insert(1, []byte("1"), now)
	if len(out) != 2 || !bytes.Equal(out[1], []byte("first")) {
		t.Fatalf("the first copy of a duplicate must win: %q", out)
	}
}

func TestOffsetReorderContiguousBytes(t *testing.T) {
	t.Parallel()

	b := NewOffsetReorderBuffer(8, time.Second)
	now := time.Now()

	// Segment at offset 5 parks; segment at 0 drains both.
	if out := b.Insert(5, []byte("world"), now); out != nil {
		t.Fatalf("offset 5 must park, got %q", out)
	}
	out := b.Insert(0, []byte("hello"), now)
	if len(out) != 2 {
		t.Fatalf("drain: got %d segments, want 2", len(out))
	}
	if !bytes.Equal(out[0], []byte("hello")) || !bytes.Equal(out[1], []byte("world")) {
		t.Fatalf("drain order: %q", out)
	}
	if b.NextOffset() != 10 {
		t.Fatalf("next offset: got %d, want 10", b.NextOffset())
	}
}

func TestOffsetReorderOverlapTrimmed(t *testing.T) {
	t.Parallel()

	b := NewOffsetReorderBuffer(8, time.Second)
	now := time.Now()

	b.Insert(0, []byte("abcde"), now)

	// Retransmission overlapping the delivered prefix: only the unseen
	// suffix is emitted.
	out := b.Insert(3, []byte("defgh"), now)
	if len(out) != 1 || !bytes.Equal(out[0], []byte("fgh")) {
		t.Fatalf("overlap trim: got %q, want [fgh]", out)
	}
	if b.NextOffset() != 8 {
		t.Fatalf("next offset: got %d, want 8", b.NextOffset())
	}

	// Fully stale segment drops.
	if out := b.Insert(0, []byte("abc"), now); out != nil {
		t.Fatalf("stale segment: got %q", out)
	}
}
