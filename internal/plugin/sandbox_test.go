package plugin

import (
	"errors"
	"testing"
)

func TestGuardCheckConnect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     GuardConfig
		target  string
		wantErr error
	}{
		{
			name:    "locked down denies all",
			cfg:     LockedDown(),
			target:  "example.org:443",
			wantErr: ErrNetworkDenied,
		},
		{
			name:   "permissive allows any host",
			cfg:    Permissive(),
			target: "example.org:443",
		},
		{
			name: "allow-listed host",
			cfg: GuardConfig{
				AllowNetwork:      true,
				AllowConnectHosts: []string{"relay.nyx.example"},
			},
			target: "relay.nyx.example:7000",
		},
		{
			name: "host not on allow-list",
			cfg: GuardConfig{
				AllowNetwork:      true,
				AllowConnectHosts: []string{"relay.nyx.example"},
			},
			target:  "evil.example:7000",
			wantErr: ErrHostDenied,
		},
		{
			name: "host match is case-insensitive",
			cfg: GuardConfig{
				AllowNetwork:      true,
				AllowConnectHosts: []string{"Relay.Nyx.Example"},
			},
			target: "relay.nyx.example:7000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := NewGuard(tt.cfg).CheckConnect(tt.target)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("got %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGuardCheckOpenPath(t *testing.T) {
	t.Parallel()

	prefixGuard := NewGuard(GuardConfig{
		FSPolicy:   FSPrefixes,
		FSPrefixes: []string{"/var/lib/nyx", "/tmp/nyx-plugins/"},
	})

	tests := []struct {
		name    string
		guard   *Guard
		path    string
		wantErr error
	}{
		{"full allows anything", NewGuard(GuardConfig{FSPolicy: FSFull}), "/etc/shadow", nil},
		{"none denies everything", NewGuard(GuardConfig{FSPolicy: FSNone}), "/tmp/x", ErrFilesystemDenied},
		{"exactly at prefix allowed", prefixGuard, "/var/lib/nyx", nil},
		{"inside prefix allowed", prefixGuard, "/var/lib/nyx/state.db", nil},
		{"trailing-slash prefix allowed", prefixGuard, "/tmp/nyx-plugins/a", nil},
		{"one byte outside denied", prefixGuard, "/var/lib/nyxx", ErrPathDenied},
		{"sibling denied", prefixGuard, "/var/lib/other", ErrPathDenied},
		{"parent denied", prefixGuard, "/var/lib", ErrPathDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.guard.CheckOpenPath(tt.path)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("got %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGuardWindowsCaseInsensitivePaths(t *testing.T) {
	t.Parallel()

	g := NewGuard(GuardConfig{
		FSPolicy:   FSPrefixes,
		FSPrefixes: []string{`C:\ProgramData\Nyx`},
	})
	// Simulate Windows path semantics regardless of the host platform.
	g.caseInsensitivePaths = true

	if err := g.CheckOpenPath(`c:\programdata\nyx\cache`); err != nil {
		t.Fatalf("case-insensitive match: %v", err)
	}
	if err := g.CheckOpenPath(`C:\ProgramData\NyxEvil`); !errors.Is(err, ErrPathDenied) {
		t.Fatalf("suffix escape: got %v, want ErrPathDenied", err)
	}
}

func TestPresets(t *testing.T) {
	t.Parallel()

	locked := LockedDown()
	if locked.AllowNetwork || locked.FSPolicy != FSNone {
		t.Fatalf("locked down preset: %+v", locked)
	}
	if locked.Limits.MaxMemoryBytes == 0 || locked.Limits.MaxCPUPercent == 0 {
		t.Fatalf("locked down must carry resource limits: %+v", locked.Limits)
	}

	perm := Permissive()
	if !perm.AllowNetwork || perm.FSPolicy != FSFull {
		t.Fatalf("permissive preset: %+v", perm)
	}
}

func TestNoopOSSandboxIdempotent(t *testing.T) {
	t.Parallel()

	var sb NoopOSSandbox
	first := sb.Apply(OSPolicyMinimal)
	second := sb.Apply(OSPolicyMinimal)
	if first != OSUnsupported || second != first {
		t.Fatalf("got %v then %v, want Unsupported twice", first, second)
	}
	if sb.Apply(OSPolicyStrict) != OSUnsupported {
		t.Fatal("strict policy must also report Unsupported")
	}
}
