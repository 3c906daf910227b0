package aead

import (
	"time"
)

// -------------------------------------------------------------------------
// Rekey Policy
// -------------------------------------------------------------------------

// RekeyPolicy drives the periodic rekey state machine.
type RekeyPolicy struct {
	// TimeInterval triggers a rekey after this much wall time on one key.
	TimeInterval time.Duration

	// PacketInterval triggers a rekey after this many protected packets.
	PacketInterval uint64

	// GracePeriod keeps the previous key valid for decryption after a
	// rekey, covering late packets still in flight.
	GracePeriod time.Duration

	// MinCooldown is the minimum enforced time between successive
	// rekeys. Suppresses rekey storms when thresholds are tiny or a
	// peer spams rekey triggers.
	MinCooldown time.Duration
}

// DefaultRekeyPolicy returns the production policy: 15 minutes or
// 100k packets per key, 30 second grace, 5 second cooldown.
func DefaultRekeyPolicy() RekeyPolicy {
	return RekeyPolicy{
		TimeInterval:   15 * time.Minute,
		PacketInterval: 100_000,
		GracePeriod:    30 * time.Second,
		MinCooldown:    5 * time.Second,
	}
}

// Decision is the outcome of evaluating the rekey policy.
type Decision uint8

const (
	// NoAction indicates no rekey is due.
	NoAction Decision = iota

	// Initiate indicates the caller should derive a new key, send a
	// Rekey frame, and install the key via InstallNewKey.
	Initiate
)

// String returns the human-readable decision name.
func (d Decision) String() string {
	switch d {
	case NoAction:
		return "NoAction"
	case Initiate:
		return "Initiate"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// SessionKey
// -------------------------------------------------------------------------

// SessionKey is a 32-byte traffic secret handed between the handshake
// layer and the rekey manager.
type SessionKey [KeySize]byte

// Zero wipes the key material in place.
func (k *SessionKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// -------------------------------------------------------------------------
// RekeyManager
// -------------------------------------------------------------------------

// RekeyManager is the periodic rekey state machine layered over two
// session contexts per direction: the current key and, during the
// grace window, the previous one.
//
// The manager performs no I/O. The endpoint calls OnPacketSent after
// protecting each outbound packet; an Initiate decision means it must
// derive a new key, emit a Rekey frame, and call InstallNewKey.
// Inbound rekeys are applied via AcceptRemoteRekey. TryDecrypt runs a
// caller-supplied attempt against the current key first, then the
// previous key while its grace window is open.
//
// Owned by the endpoint goroutine; not safe for concurrent use.
type RekeyManager struct {
	policy RekeyPolicy

	currentKey SessionKey

	previousKey   SessionKey
	previousValid bool
	graceExpiry   time.Time

	lastRekey        time.Time
	packetsSinceKey  uint64
	graceNotifier    func()
	graceUsedCount   uint64
	cooldownSuppress uint64

	// now is the clock source, replaceable for tests.
	now func() time.Time
}

// NewRekeyManager creates a rekey manager holding the initial traffic key.
func NewRekeyManager(policy RekeyPolicy, initial SessionKey) *RekeyManager {
	m := &RekeyManager{
		policy:     policy,
		currentKey: initial,
		now:        time.Now,
	}
	m.lastRekey = m.now()
	return m
}

// SetGraceExpiryNotifier registers a callback invoked exactly once
// when a previous key's grace window ends and the key is purged.
func (m *RekeyManager) SetGraceExpiryNotifier(f func()) {
	m.graceNotifier = f
}

// setClock replaces the clock source. Test hook.
func (m *RekeyManager) setClock(now func() time.Time) {
	m.now = now
	m.lastRekey = now()
}

// maintenance purges an expired previous key and fires the notifier.
func (m *RekeyManager) maintenance() {
	if m.previousValid && m.now().After(m.graceExpiry) {
		m.previousKey.Zero()
		m.previousValid = false
		if m.graceNotifier != nil {
			m.graceNotifier()
		}
	}
}

// OnPacketSent records one packet protected under the current key and
// evaluates the policy.
func (m *RekeyManager) OnPacketSent() Decision {
	m.maintenance()
	m.packetsSinceKey++
	return m.Evaluate()
}

// Evaluate applies the policy without touching counters.
func (m *RekeyManager) Evaluate() Decision {
	elapsed := m.now().Sub(m.lastRekey)
	due := elapsed >= m.policy.TimeInterval || m.packetsSinceKey >= m.policy.PacketInterval
	if !due {
		return NoAction
	}
	if elapsed < m.policy.MinCooldown {
		m.cooldownSuppress++
		return NoAction
	}
	return Initiate
}

// InstallNewKey applies a locally derived key after the Rekey frame
// has been sent. The old key enters its grace window.
func (m *RekeyManager) InstallNewKey(newKey SessionKey) {
	now := m.now()

	if m.previousValid {
		m.previousKey.Zero()
	}
	m.previousKey = m.currentKey
	m.previousValid = true
	m.graceExpiry = now.Add(m.policy.GracePeriod)

	m.currentKey = newKey
	m.lastRekey = now
	m.packetsSinceKey = 0
}

// AcceptRemoteRekey applies a key received from the peer. Semantics
// match InstallNewKey: the old key remains decryptable under grace.
func (m *RekeyManager) AcceptRemoteRekey(newKey SessionKey) {
	m.InstallNewKey(newKey)
}

// TryDecrypt runs attempt against the current key and, on failure,
// against the previous key while its grace window is open. Returns
// false when both fail or no previous key is available.
func (m *RekeyManager) TryDecrypt(attempt func(key *SessionKey) bool) bool {
	m.maintenance()
	if attempt(&m.currentKey) {
		return true
	}
	if m.previousValid && attempt(&m.previousKey) {
		m.graceUsedCount++
		return true
	}
	return false
}

// CurrentKey returns the active traffic key.
func (m *RekeyManager) CurrentKey() SessionKey { return m.currentKey }

// PreviousKeyActive reports whether a previous key is still within
// its grace window.
func (m *RekeyManager) PreviousKeyActive() bool {
	return m.previousValid && !m.now().After(m.graceExpiry)
}

// LastRekeyElapsed returns the time since the last key installation.
func (m *RekeyManager) LastRekeyElapsed() time.Duration {
	return m.now().Sub(m.lastRekey)
}

// GraceUsedCount returns how many decryptions fell back to the
// previous key.
func (m *RekeyManager) GraceUsedCount() uint64 { return m.graceUsedCount }

// CooldownSuppressedCount returns how many due rekeys the cooldown
// suppressed.
func (m *RekeyManager) CooldownSuppressedCount() uint64 { return m.cooldownSuppress }
