// Package aead implements record protection for Nyx sessions: keyed
// sealing/opening with sequence-derived nonces, direction separation,
// rekey thresholds, and the grace-window rekey state machine.
package aead

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// -------------------------------------------------------------------------
// Limits & Constants
// -------------------------------------------------------------------------

const (
	// KeySize is the AEAD key length in bytes.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the per-record nonce length in bytes.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the authentication tag length in bytes.
	TagSize = chacha20poly1305.Overhead

	// MaxPlaintextLen bounds a single record's plaintext (1 MiB).
	MaxPlaintextLen = 1024 * 1024

	// MaxAADLen bounds a single record's associated data (16 KiB).
	MaxAADLen = 16 * 1024

	// DefaultRekeyRecords is the default record-count rekey threshold.
	DefaultRekeyRecords = 1 << 20
)

// HKDF info strings for rekey derivation. Distinct labels keep the key
// and nonce schedules independent.
const (
	rekeyKeyInfo   = "nyx/aead/rekey/v1"
	rekeyNonceInfo = "nyx/aead/rekey/nonce/v1"
)

// -------------------------------------------------------------------------
// Suite
// -------------------------------------------------------------------------

// Suite selects the AEAD algorithm for a session.
type Suite uint8

const (
	// SuiteChaCha20Poly1305 is the default suite.
	SuiteChaCha20Poly1305 Suite = iota + 1
)

// String returns the human-readable suite name.
func (s Suite) String() string {
	switch s {
	case SuiteChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

func (s Suite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("suite %d: %w", s, ErrUnknownSuite)
	}
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for session operations.
var (
	// ErrSeqExhausted indicates the send sequence reached its cap.
	// Sending is refused to prevent nonce reuse; the caller must rekey
	// or terminate the session.
	ErrSeqExhausted = errors.New("aead sequence exhausted")

	// ErrPlaintextTooLong indicates a plaintext above MaxPlaintextLen.
	ErrPlaintextTooLong = errors.New("plaintext too long")

	// ErrAADTooLong indicates associated data above MaxAADLen.
	ErrAADTooLong = errors.New("aad too long")

	// ErrCiphertextTooShort indicates a ciphertext shorter than the tag.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrCiphertextTooLong indicates a ciphertext above the plaintext
	// limit plus tag overhead.
	ErrCiphertextTooLong = errors.New("ciphertext too long")

	// ErrUnknownSuite indicates an unrecognized AEAD suite selector.
	ErrUnknownSuite = errors.New("unknown aead suite")

	// ErrOpenFailed indicates authentication failure on open.
	ErrOpenFailed = errors.New("aead open failed")

	// ErrSessionClosed indicates use of a session after Close.
	ErrSessionClosed = errors.New("aead session closed")
)

// -------------------------------------------------------------------------
// Session
// -------------------------------------------------------------------------

// Session is a unidirectional AEAD record context.
//
// The per-record nonce is derived from the base nonce by XORing the
// 32-bit direction id (big-endian) into the first four bytes and the
// little-endian record sequence into the remaining eight. Equal keys
// with distinct direction ids therefore never collide on a nonce, and
// the sender needs no per-record randomness.
//
// A Session is owned by a single goroutine (the endpoint task); it is
// not safe for concurrent use.
type Session struct {
	suite     Suite
	key       [KeySize]byte
	baseNonce [NonceSize]byte
	aead      cipher.AEAD

	seq    uint64
	maxSeq uint64
	dirID  uint32

	rekeyRecords uint64
	rekeyBytes   uint64
	bytesSent    uint64

	closed bool
}

// Option configures optional Session parameters.
type Option func(*Session)

// WithMaxSeq sets an explicit sequence cap. Sending is refused once
// seq reaches the cap (nonce-reuse prevention).
func WithMaxSeq(maxSeq uint64) Option {
	return func(s *Session) { s.maxSeq = maxSeq }
}

// WithRekeyRecords sets the record-count rekey threshold. Values below
// one are raised to one.
func WithRekeyRecords(records uint64) Option {
	return func(s *Session) { s.rekeyRecords = max(records, 1) }
}

// WithRekeyBytes sets the byte-volume rekey threshold. Zero disables
// the byte criterion.
func WithRekeyBytes(bytes uint64) Option {
	return func(s *Session) { s.rekeyBytes = bytes }
}

// WithDirectionID sets the 32-bit direction identifier mixed into the
// first four nonce bytes. The two directions of a connection use
// distinct ids so they may share a traffic secret without overlap.
func WithDirectionID(dirID uint32) Option {
	return func(s *Session) { s.dirID = dirID }
}

// NewSession creates a unidirectional AEAD session from a 32-byte key
// and 12-byte base nonce.
func NewSession(suite Suite, key [KeySize]byte, baseNonce [NonceSize]byte, opts ...Option) (*Session, error) {
	s := &Session{
		suite:        suite,
		key:          key,
		baseNonce:    baseNonce,
		maxSeq:       math.MaxUint64,
		rekeyRecords: DefaultRekeyRecords,
	}
	for _, opt := range opts {
		opt(s)
	}

	aead, err := suite.newAEAD(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("new aead session: %w", err)
	}
	s.aead = aead
	return s, nil
}

// Seq returns the sequence number the next SealNext will use.
func (s *Session) Seq() uint64 { return s.seq }

// DirectionID returns the configured direction identifier.
func (s *Session) DirectionID() uint32 { return s.dirID }

// nonceAt derives the per-record nonce for seq: first 4 bytes are
// base XOR dir_id (big-endian), last 8 bytes are base XOR seq
// (little-endian, RFC 8439 counter style).
func (s *Session) nonceAt(seq uint64) [NonceSize]byte {
	n := s.baseNonce

	var dir [4]byte
	binary.BigEndian.PutUint32(dir[:], s.dirID)
	for i := range 4 {
		n[i] ^= dir[i]
	}

	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], seq)
	for i := range 8 {
		n[4+i] ^= ctr[i]
	}
	return n
}

// SealNext encrypts the next record. Returns the sequence number used
// and the ciphertext (payload plus tag).
//
// Fails with ErrSeqExhausted once seq reaches the cap; the caller must
// rekey or close. Oversized plaintext or AAD is rejected before any
// cipher work.
func (s *Session) SealNext(aad, plaintext []byte) (uint64, []byte, error) {
	if s.closed {
		return 0, nil, ErrSessionClosed
	}
	if s.seq >= s.maxSeq {
		return 0, nil, fmt.Errorf("seal at seq %d: %w", s.seq, ErrSeqExhausted)
	}
	if len(plaintext) > MaxPlaintextLen {
		return 0, nil, fmt.Errorf("seal: plaintext %d bytes: %w", len(plaintext), ErrPlaintextTooLong)
	}
	if len(aad) > MaxAADLen {
		return 0, nil, fmt.Errorf("seal: aad %d bytes: %w", len(aad), ErrAADTooLong)
	}

	nonce := s.nonceAt(s.seq)
	ct := s.aead.Seal(nil, nonce[:], plaintext, aad)

	used := s.seq
	s.seq++
	s.bytesSent += uint64(len(ct))
	return used, ct, nil
}

// OpenAt decrypts a record at the given sequence number. Late or
// reordered records may be presented at any sequence the peer has
// sent; replay and window policy belong to the stream layer.
func (s *Session) OpenAt(seq uint64, aad, ciphertext []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if len(aad) > MaxAADLen {
		return nil, fmt.Errorf("open: aad %d bytes: %w", len(aad), ErrAADTooLong)
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("open: ciphertext %d bytes: %w", len(ciphertext), ErrCiphertextTooShort)
	}
	if len(ciphertext) > MaxPlaintextLen+TagSize {
		return nil, fmt.Errorf("open: ciphertext %d bytes: %w", len(ciphertext), ErrCiphertextTooLong)
	}

	nonce := s.nonceAt(seq)
	pt, err := s.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("open at seq %d: %w", seq, ErrOpenFailed)
	}
	return pt, nil
}

// NeedsRekey reports whether the records-sent or bytes-sent threshold
// has been crossed since the last rekey.
func (s *Session) NeedsRekey() bool {
	if s.seq >= s.rekeyRecords {
		return true
	}
	return s.rekeyBytes > 0 && s.bytesSent >= s.rekeyBytes
}

// Rekey derives a fresh key and base nonce from the current key via
// HKDF-SHA256 with distinct info labels, then resets the sequence and
// byte counters. Both directions must rekey in lockstep; the previous
// context is retained by the RekeyManager for the grace window.
func (s *Session) Rekey() error {
	if s.closed {
		return ErrSessionClosed
	}

	var newKey [KeySize]byte
	if err := hkdfExpand(s.key[:], rekeyKeyInfo, newKey[:]); err != nil {
		return fmt.Errorf("rekey: %w", err)
	}
	var newNonce [NonceSize]byte
	if err := hkdfExpand(s.key[:], rekeyNonceInfo, newNonce[:]); err != nil {
		return fmt.Errorf("rekey nonce: %w", err)
	}

	aead, err := s.suite.newAEAD(newKey[:])
	if err != nil {
		return fmt.Errorf("rekey: %w", err)
	}

	zero(s.key[:])
	s.key = newKey
	s.baseNonce = newNonce
	s.aead = aead
	s.seq = 0
	s.bytesSent = 0
	return nil
}

// Close zeroes key material and refuses further use.
func (s *Session) Close() {
	if s.closed {
		return
	}
	zero(s.key[:])
	zero(s.baseNonce[:])
	s.aead = nil
	s.seq = 0
	s.maxSeq = 0
	s.bytesSent = 0
	s.closed = true
}

// hkdfExpand fills out with HKDF-SHA256 output keyed by secret under
// the given info label (empty salt, expand-only schedule).
func hkdfExpand(secret []byte, info string, out []byte) error {
	r := hkdf.Expand(sha256.New, secret, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
