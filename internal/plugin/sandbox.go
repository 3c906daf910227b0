package plugin

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// -------------------------------------------------------------------------
// Sandbox Errors
// -------------------------------------------------------------------------

// Sentinel errors for sandbox denials. These surface as failed plugin
// calls; the hosting session stays alive.
var (
	// ErrNetworkDenied indicates the guard blocks all network access.
	ErrNetworkDenied = errors.New("sandbox: network access denied")

	// ErrHostDenied indicates the connect target is not allow-listed.
	ErrHostDenied = errors.New("sandbox: connect host denied")

	// ErrPathDenied indicates the path is outside the allowed prefixes.
	ErrPathDenied = errors.New("sandbox: filesystem path denied")

	// ErrFilesystemDenied indicates the guard blocks all filesystem access.
	ErrFilesystemDenied = errors.New("sandbox: filesystem access denied")
)

// -------------------------------------------------------------------------
// Filesystem Policy
// -------------------------------------------------------------------------

// FSPolicy selects the filesystem access mode for a guard.
type FSPolicy uint8

const (
	// FSNone denies all filesystem access.
	FSNone FSPolicy = iota

	// FSPrefixes allows paths under an explicit prefix set.
	FSPrefixes

	// FSFull allows unrestricted filesystem access.
	FSFull
)

// String returns the human-readable policy name.
func (p FSPolicy) String() string {
	switch p {
	case FSNone:
		return "None"
	case FSPrefixes:
		return "Prefixes"
	case FSFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Resource Limits
// -------------------------------------------------------------------------

// ResourceLimits bounds a plugin's resource consumption. Enforcement
// of the memory and CPU limits belongs to the OS sandbox collaborator;
// the guard records them so both layers agree on the budget.
type ResourceLimits struct {
	// MaxMemoryBytes bounds plugin heap usage. Zero means unlimited.
	MaxMemoryBytes uint64

	// MaxCPUPercent bounds CPU share in [0, 100]. Zero means unlimited.
	MaxCPUPercent uint8

	// MaxPendingMessages records the plugin's channel depth budget. The
	// dispatcher sizes the channel from its default or WithCapacity and
	// does not read this field.
	MaxPendingMessages int
}

// -------------------------------------------------------------------------
// Guard
// -------------------------------------------------------------------------

// Guard is the per-plugin sandbox: what the plugin may connect to and
// which paths it may open. Guards are immutable after construction.
type Guard struct {
	allowNetwork      bool
	fsPolicy          FSPolicy
	fsPrefixes        []string
	allowConnectHosts map[string]struct{}
	limits            ResourceLimits

	// caseInsensitivePaths enables Windows path semantics for prefix
	// checks. Derived from the platform; overridable for tests.
	caseInsensitivePaths bool
}

// GuardConfig describes a sandbox guard.
type GuardConfig struct {
	AllowNetwork      bool
	FSPolicy          FSPolicy
	FSPrefixes        []string
	AllowConnectHosts []string
	Limits            ResourceLimits
}

// Permissive returns a guard config for trusted first-party plugins:
// network allowed to any host (no allow-list), full filesystem access.
func Permissive() GuardConfig {
	return GuardConfig{
		AllowNetwork: true,
		FSPolicy:     FSFull,
		Limits: ResourceLimits{
			MaxPendingMessages: defaultChannelCapacity,
		},
	}
}

// LockedDown returns a guard config for untrusted plugins: no network,
// no filesystem.
func LockedDown() GuardConfig {
	return GuardConfig{
		AllowNetwork: false,
		FSPolicy:     FSNone,
		Limits: ResourceLimits{
			MaxMemoryBytes:     64 * 1024 * 1024,
			MaxCPUPercent:      25,
			MaxPendingMessages: defaultChannelCapacity,
		},
	}
}

// NewGuard builds an immutable guard from the config.
func NewGuard(cfg GuardConfig) *Guard {
	hosts := make(map[string]struct{}, len(cfg.AllowConnectHosts))
	for _, h := range cfg.AllowConnectHosts {
		hosts[strings.ToLower(h)] = struct{}{}
	}
	prefixes := make([]string, len(cfg.FSPrefixes))
	copy(prefixes, cfg.FSPrefixes)

	return &Guard{
		allowNetwork:         cfg.AllowNetwork,
		fsPolicy:             cfg.FSPolicy,
		fsPrefixes:           prefixes,
		allowConnectHosts:    hosts,
		limits:               cfg.Limits,
		caseInsensitivePaths: runtime.GOOS == "windows",
	}
}

// Limits returns the guard's resource limits.
func (g *Guard) Limits() ResourceLimits { return g.limits }

// CheckConnect validates an outbound connect target ("host:port").
// An empty allow-list with network enabled permits any host.
func (g *Guard) CheckConnect(hostPort string) error {
	if !g.allowNetwork {
		return fmt.Errorf("connect %q: %w", hostPort, ErrNetworkDenied)
	}
	if len(g.allowConnectHosts) == 0 {
		return nil
	}
	host := hostPort
	if i := strings.LastIndex(hostPort, ":"); i >= 0 {
		host = hostPort[:i]
	}
	if _, ok := g.allowConnectHosts[strings.ToLower(host)]; !ok {
		return fmt.Errorf("connect %q: %w", hostPort, ErrHostDenied)
	}
	return nil
}

// CheckOpenPath validates a filesystem path against the guard policy.
// Prefix matching is component-aware: "/data/app" allows "/data/app"
// and "/data/app/x" but not "/data/appendix". Windows-style paths are
// compared case-insensitively on Windows.
func (g *Guard) CheckOpenPath(path string) error {
	switch g.fsPolicy {
	case FSFull:
		return nil
	case FSNone:
		return fmt.Errorf("open %q: %w", path, ErrFilesystemDenied)
	case FSPrefixes:
		for _, prefix := range g.fsPrefixes {
			if g.pathHasPrefix(path, prefix) {
				return nil
			}
		}
		return fmt.Errorf("open %q: %w", path, ErrPathDenied)
	default:
		return fmt.Errorf("open %q: %w", path, ErrFilesystemDenied)
	}
}

// pathHasPrefix reports whether path equals prefix or descends from it.
func (g *Guard) pathHasPrefix(path, prefix string) bool {
	p, pre := path, strings.TrimRight(prefix, "/\\")
	if g.caseInsensitivePaths {
		p = strings.ToLower(p)
		pre = strings.ToLower(pre)
	}
	if p == pre {
		return true
	}
	if !strings.HasPrefix(p, pre) {
		return false
	}
	// The byte after the prefix must be a separator: one byte outside
	// the prefix is denied.
	sep := p[len(pre)]
	return sep == '/' || sep == '\\'
}

// -------------------------------------------------------------------------
// OS Sandbox Collaborator
// -------------------------------------------------------------------------

// OSPolicy selects the strength of platform-level sandboxing.
type OSPolicy uint8

const (
	// OSPolicyMinimal applies baseline platform restrictions.
	OSPolicyMinimal OSPolicy = iota + 1

	// OSPolicyStrict applies the tightest supported restrictions.
	OSPolicyStrict
)

// OSStatus reports the outcome of applying an OS sandbox policy.
type OSStatus uint8

const (
	// OSApplied indicates the policy is in effect.
	OSApplied OSStatus = iota + 1

	// OSUnsupported indicates the platform offers no such mechanism.
	OSUnsupported

	// OSFailed indicates the platform mechanism errored.
	OSFailed
)

// String returns the human-readable status name.
func (s OSStatus) String() string {
	switch s {
	case OSApplied:
		return "Applied"
	case OSUnsupported:
		return "Unsupported"
	case OSFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// OSSandbox is the platform sandboxing collaborator (pledge/unveil,
// seccomp, Job Objects). Implementations must be idempotent: applying
// the same policy twice reports the first outcome.
type OSSandbox interface {
	Apply(policy OSPolicy) OSStatus
}

// NoopOSSandbox reports Unsupported for every policy. Used where no
// platform backend is wired in.
type NoopOSSandbox struct{}

// Apply implements OSSandbox.
func (NoopOSSandbox) Apply(OSPolicy) OSStatus { return OSUnsupported }
