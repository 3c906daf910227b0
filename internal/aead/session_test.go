package aead

import (
	"bytes"
	"errors"
	"testing"
)

func testKey(v byte) (k [KeySize]byte) {
	for i := range k {
		k[i] = v
	}
	return k
}

func testNonce(v byte) (n [NonceSize]byte) {
	for i := range n {
		n[i] = v
	}
	return n
}

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := NewSession(SuiteChaCha20Poly1305, testKey(9), testNonce(0), WithDirectionID(1))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	aad := []byte("aad")
	seq0, ct0, err := s.SealNext(aad, []byte("m0"))
	if err != nil {
		t.Fatalf("SealNext: %v", err)
	}
	if seq0 != 0 {
		t.Fatalf("first seq: got %d, want 0", seq0)
	}
	seq1, ct1, err := s.SealNext(aad, []byte("m1"))
	if err != nil {
		t.Fatalf("SealNext: %v", err)
	}
	if seq1 != 1 {
		t.Fatalf("second seq: got %d, want 1", seq1)
	}

	pt0, err := s.OpenAt(seq0, aad, ct0)
	if err != nil {
		t.Fatalf("OpenAt(0): %v", err)
	}
	if !bytes.Equal(pt0, []byte("m0")) {
		t.Fatalf("pt0: got %q", pt0)
	}
	pt1, err := s.OpenAt(seq1, aad, ct1)
	if err != nil {
		t.Fatalf("OpenAt(1): %v", err)
	}
	if !bytes.Equal(pt1, []byte("m1")) {
		t.Fatalf("pt1: got %q", pt1)
	}
}

func TestSealRefusedAtMaxSeq(t *testing.T) {
	t.Parallel()

	s, err := NewSession(SuiteChaCha20Poly1305, testKey(1), testNonce(0),
		WithMaxSeq(2), WithDirectionID(1))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if _, _, err := s.SealNext(nil, []byte("a")); err != nil {
		t.Fatalf("seal 0: %v", err)
	}
	if _, _, err := s.SealNext(nil, []byte("b")); err != nil {
		t.Fatalf("seal 1: %v", err)
	}
	if _, _, err := s.SealNext(nil, []byte("c")); !errors.Is(err, ErrSeqExhausted) {
		t.Fatalf("seal 2: got %v, want ErrSeqExhausted", err)
	}
}

func TestOpenFailsWithWrongSeq(t *testing.T) {
	t.Parallel()

	s, err := NewSession(SuiteChaCha20Poly1305, testKey(1), testNonce(0), WithDirectionID(7))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	seq, ct, err := s.SealNext([]byte("aad"), []byte("m"))
	if err != nil {
		t.Fatalf("SealNext: %v", err)
	}
	if seq != 0 {
		t.Fatalf("seq: got %d", seq)
	}
	if _, err := s.OpenAt(1, []byte("aad"), ct); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("wrong seq: got %v, want ErrOpenFailed", err)
	}
}

func TestOpenFailsOnMutation(t *testing.T) {
	t.Parallel()

	s, err := NewSession(SuiteChaCha20Poly1305, testKey(5), testNonce(2), WithDirectionID(3))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	seq, ct, err := s.SealNext([]byte("aad"), []byte("payload"))
	if err != nil {
		t.Fatalf("SealNext: %v", err)
	}

	mutated := bytes.Clone(ct)
	mutated[0] ^= 0x01
	if _, err := s.OpenAt(seq, []byte("aad"), mutated); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("mutated ct: got %v, want ErrOpenFailed", err)
	}
	if _, err := s.OpenAt(seq, []byte("AAD"), ct); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("mutated aad: got %v, want ErrOpenFailed", err)
	}
}

func TestInputLimits(t *testing.T) {
	t.Parallel()

	s, err := NewSession(SuiteChaCha20Poly1305, testKey(2), testNonce(0), WithDirectionID(3))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	longPT := make([]byte, MaxPlaintextLen+1)
	if _, _, err := s.SealNext([]byte("ok"), longPT); !errors.Is(err, ErrPlaintextTooLong) {
		t.Fatalf("long pt: got %v", err)
	}

	longAAD := make([]byte, MaxAADLen+1)
	if _, _, err := s.SealNext(longAAD, []byte("ok")); !errors.Is(err, ErrAADTooLong) {
		t.Fatalf("long aad: got %v", err)
	}

	if _, err := s.OpenAt(0, nil, make([]byte, TagSize-1)); !errors.Is(err, ErrCiphertextTooShort) {
		t.Fatalf("short ct: got %v", err)
	}
	if _, err := s.OpenAt(0, nil, make([]byte, MaxPlaintextLen+TagSize+1)); !errors.Is(err, ErrCiphertextTooLong) {
		t.Fatalf("long ct: got %v", err)
	}
}

func TestNonceUniqueAcrossSequences(t *testing.T) {
	t.Parallel()

	s, err := NewSession(SuiteChaCha20Poly1305, testKey(4), testNonce(7), WithDirectionID(0xAABBCCDD))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	seen := make(map[[NonceSize]byte]uint64)
	for seq := uint64(0); seq < 4096; seq++ {
		n := s.nonceAt(seq)
		if prev, dup := seen[n]; dup {
			t.Fatalf("nonce collision between seq %d and %d", prev, seq)
		}
		seen[n] = seq
	}
}

func TestDifferentDirectionIDFailsDecrypt(t *testing.T) {
	t.Parallel()

	a, err := NewSession(SuiteChaCha20Poly1305, testKey(33), testNonce(1), WithDirectionID(0x11111111))
	if err != nil {
		t.Fatalf("NewSession a: %v", err)
	}
	b, err := NewSession(SuiteChaCha20Poly1305, testKey(33), testNonce(1), WithDirectionID(0x22222222))
	if err != nil {
		t.Fatalf("NewSession b: %v", err)
	}

	seq, ct, err := a.SealNext([]byte("aad"), []byte("msg"))
	if err != nil {
		t.Fatalf("SealNext: %v", err)
	}
	if _, err := b.OpenAt(seq, []byte("aad"), ct); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("cross-direction open: got %v, want ErrOpenFailed", err)
	}
}

func TestRekeyResetsAndDiverges(t *testing.T) {
	t.Parallel()

	tx, err := NewSession(SuiteChaCha20Poly1305, testKey(7), testNonce(3),
		WithRekeyRecords(2), WithDirectionID(1))
	if err != nil {
		t.Fatalf("NewSession tx: %v", err)
	}
	rxOld, err := NewSession(SuiteChaCha20Poly1305, testKey(7), testNonce(3), WithDirectionID(1))
	if err != nil {
		t.Fatalf("NewSession rx: %v", err)
	}

	_, c0, err := tx.SealNext([]byte("aad"), []byte("m0"))
	if err != nil {
		t.Fatalf("seal m0: %v", err)
	}
	_, c1, err := tx.SealNext([]byte("aad"), []byte("m1"))
	if err != nil {
		t.Fatalf("seal m1: %v", err)
	}
	if !tx.NeedsRekey() {
		t.Fatal("two records must trip the rekey threshold")
	}

	// The un-rekeyed receiver still opens old ciphertexts.
	if pt, err := rxOld.OpenAt(0, []byte("aad"), c0); err != nil || !bytes.Equal(pt, []byte("m0")) {
		t.Fatalf("old rx open c0: %q %v", pt, err)
	}
	if pt, err := rxOld.OpenAt(1, []byte("aad"), c1); err != nil || !bytes.Equal(pt, []byte("m1")) {
		t.Fatalf("old rx open c1: %q %v", pt, err)
	}

	if err := tx.Rekey(); err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	if tx.Seq() != 0 {
		t.Fatalf("seq after rekey: got %d, want 0", tx.Seq())
	}
	if tx.NeedsRekey() {
		t.Fatal("rekey must reset the thresholds")
	}

	seq2, c2, err := tx.SealNext([]byte("aad"), []byte("m2"))
	if err != nil {
		t.Fatalf("seal m2: %v", err)
	}
	if seq2 != 0 {
		t.Fatalf("post-rekey seq: got %d, want 0", seq2)
	}
	// New-key ciphertext must not open under the old context.
	if _, err := rxOld.OpenAt(0, []byte("aad"), c2); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("old rx on new ct: got %v, want ErrOpenFailed", err)
	}
}

func TestRekeyBothSidesCompatible(t *testing.T) {
	t.Parallel()

	tx, err := NewSession(SuiteChaCha20Poly1305, testKey(11), testNonce(5),
		WithRekeyRecords(1), WithDirectionID(2))
	if err != nil {
		t.Fatalf("NewSession tx: %v", err)
	}
	rx, err := NewSession(SuiteChaCha20Poly1305, testKey(11), testNonce(5),
		WithRekeyRecords(1), WithDirectionID(2))
	if err != nil {
		t.Fatalf("NewSession rx: %v", err)
	}

	s0, c0, err := tx.SealNext([]byte("aad"), []byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if pt, err := rx.OpenAt(s0, []byte("aad"), c0); err != nil || !bytes.Equal(pt, []byte("hello")) {
		t.Fatalf("open: %q %v", pt, err)
	}
	if !tx.NeedsRekey() {
		t.Fatal("threshold of one record must trip")
	}

	if err := tx.Rekey(); err != nil {
		t.Fatalf("tx rekey: %v", err)
	}
	if err := rx.Rekey(); err != nil {
		t.Fatalf("rx rekey: %v", err)
	}

	s1, c1, err := tx.SealNext([]byte("aad"), []byte("world"))
	if err != nil {
		t.Fatalf("seal post-rekey: %v", err)
	}
	if s1 != 0 {
		t.Fatalf("post-rekey seq: got %d, want 0", s1)
	}
	if pt, err := rx.OpenAt(0, []byte("aad"), c1); err != nil || !bytes.Equal(pt, []byte("world")) {
		t.Fatalf("open post-rekey: %q %v", pt, err)
	}
}

func TestRekeyByBytesThreshold(t *testing.T) {
	t.Parallel()

	tx, err := NewSession(SuiteChaCha20Poly1305, testKey(22), testNonce(7),
		WithRekeyRecords(1<<40), WithRekeyBytes(20))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if tx.NeedsRekey() {
		t.Fatal("fresh session must not need rekey")
	}
	// Tag (16) + 5 payload bytes crosses the 20-byte threshold.
	if _, _, err := tx.SealNext([]byte("a"), []byte("hello")); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !tx.NeedsRekey() {
		t.Fatal("byte threshold must trip after first record")
	}

	if err := tx.Rekey(); err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	if tx.NeedsRekey() {
		t.Fatal("rekey must reset byte counter")
	}
}

func TestClosedSessionRefusesUse(t *testing.T) {
	t.Parallel()

	s, err := NewSession(SuiteChaCha20Poly1305, testKey(3), testNonce(0))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	s.Close()

	if _, _, err := s.SealNext(nil, []byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("seal on closed: got %v", err)
	}
	if _, err := s.OpenAt(0, nil, make([]byte, TagSize)); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("open on closed: got %v", err)
	}
	if err := s.Rekey(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("rekey on closed: got %v", err)
	}
}
