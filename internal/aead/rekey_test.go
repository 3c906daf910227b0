package aead

import (
	"testing"
	"time"
)

func sessionKey(v byte) (k SessionKey) {
	for i := range k {
		k[i] = v
	}
	return k
}

// fakeClock is a manually advanced clock for rekey timing tests.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRekeyDecisionPacketThreshold(t *testing.T) {
	t.Parallel()

	policy := RekeyPolicy{
		TimeInterval:   time.Hour,
		PacketInterval: 10,
		GracePeriod:    20 * time.Millisecond,
		MinCooldown:    0,
	}
	m := NewRekeyManager(policy, sessionKey(1))

	for i := range 9 {
		if d := m.OnPacketSent(); d != NoAction {
			t.Fatalf("packet %d: got %v, want NoAction", i+1, d)
		}
	}
	if d := m.OnPacketSent(); d != Initiate {
		t.Fatalf("packet 10: got %v, want Initiate", d)
	}
}

func TestRekeyDecisionTimeThreshold(t *testing.T) {
	t.Parallel()

	policy := RekeyPolicy{
		TimeInterval:   50 * time.Millisecond,
		PacketInterval: 1 << 30,
		GracePeriod:    time.Second,
		MinCooldown:    0,
	}
	m := NewRekeyManager(policy, sessionKey(1))
	clk := newFakeClock()
	m.setClock(clk.now)

	if d := m.OnPacketSent(); d != NoAction {
		t.Fatalf("before interval: got %v", d)
	}
	clk.advance(60 * time.Millisecond)
	if d := m.OnPacketSent(); d != Initiate {
		t.Fatalf("after interval: got %v, want Initiate", d)
	}
}

func TestRekeyCooldownSuppresses(t *testing.T) {
	t.Parallel()

	policy := RekeyPolicy{
		TimeInterval:   time.Millisecond,
		PacketInterval: 1,
		GracePeriod:    10 * time.Millisecond,
		MinCooldown:    50 * time.Millisecond,
	}
	m := NewRekeyManager(policy, sessionKey(9))
	clk := newFakeClock()
	m.setClock(clk.now)

	// Threshold is reached immediately but the cooldown holds it back.
	if d := m.OnPacketSent(); d != NoAction {
		t.Fatalf("within cooldown: got %v, want NoAction", d)
	}
	if got := m.CooldownSuppressedCount(); got != 1 {
		t.Fatalf("suppressed count: got %d, want 1", got)
	}

	clk.advance(55 * time.Millisecond)
	if d := m.OnPacketSent(); d != Initiate {
		t.Fatalf("after cooldown: got %v, want Initiate", d)
	}
}

func TestInstallAndGraceDecrypt(t *testing.T) {
	t.Parallel()

	policy := RekeyPolicy{
		TimeInterval:   time.Hour,
		PacketInterval: 1 << 30,
		GracePeriod:    30 * time.Millisecond,
		MinCooldown:    0,
	}
	m := NewRekeyManager(policy, sessionKey(1))
	clk := newFakeClock()
	m.setClock(clk.now)

	m.InstallNewKey(sessionKey(2))
	if !m.PreviousKeyActive() {
		t.Fatal("previous key must be active after install")
	}

	// A late packet decryptable only with the old key succeeds within grace.
	ok := m.TryDecrypt(func(k *SessionKey) bool { return k[0] == 1 })
	if !ok {
		t.Fatal("grace decrypt with previous key must succeed")
	}
	if got := m.GraceUsedCount(); got != 1 {
		t.Fatalf("grace used count: got %d, want 1", got)
	}

	// After grace expiry the previous key is purged.
	clk.advance(40 * time.Millisecond)
	ok = m.TryDecrypt(func(k *SessionKey) bool { return k[0] == 1 })
	if ok {
		t.Fatal("previous key must be rejected after grace expiry")
	}
	if m.PreviousKeyActive() {
		t.Fatal("previous key must be purged after grace expiry")
	}
}

func TestGraceNotifierFiresOnce(t *testing.T) {
	t.Parallel()

	policy := RekeyPolicy{
		TimeInterval:   time.Hour,
		PacketInterval: 1 << 30,
		GracePeriod:    5 * time.Millisecond,
		MinCooldown:    0,
	}
	m := NewRekeyManager(policy, sessionKey(11))
	clk := newFakeClock()
	m.setClock(clk.now)

	var fired int
	m.SetGraceExpiryNotifier(func() { fired++ })

	m.InstallNewKey(sessionKey(12))
	clk.advance(8 * time.Millisecond)

	// Multiple maintenance passes must fire the notifier exactly once.
	m.TryDecrypt(func(*SessionKey) bool { return false })
	m.TryDecrypt(func(*SessionKey) bool { return false })
	_ = m.OnPacketSent()

	if fired != 1 {
		t.Fatalf("notifier fired %d times, want exactly 1", fired)
	}
}

func TestAcceptRemoteRekeyReplacesKey(t *testing.T) {
	t.Parallel()

	m := NewRekeyManager(DefaultRekeyPolicy(), sessionKey(3))
	m.AcceptRemoteRekey(sessionKey(4))

	if got := m.CurrentKey(); got[0] != 4 {
		t.Fatalf("current key: got %d, want 4", got[0])
	}
	if !m.PreviousKeyActive() {
		t.Fatal("old key must remain under grace")
	}
}

func TestCurrentKeyPreferredOverPrevious(t *testing.T) {
	t.Parallel()

	m := NewRekeyManager(DefaultRekeyPolicy(), sessionKey(1))
	m.InstallNewKey(sessionKey(2))

	var tried []byte
	m.TryDecrypt(func(k *SessionKey) bool {
		tried = append(tried, k[0])
		return k[0] == 2
	})

	if len(tried) != 1 || tried[0] != 2 {
		t.Fatalf("attempt order: got %v, want current key first and only", tried)
	}
	if got := m.GraceUsedCount(); got != 0 {
		t.Fatalf("grace used count: got %d, want 0", got)
	}
}
