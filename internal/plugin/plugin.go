// Package plugin implements the in-process extension dispatch fabric:
// a descriptor registry, a per-plugin bounded message channel with a
// worker task, per-frame permission checks, and sandbox guards that
// bound what loaded plugins may reach.
package plugin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// -------------------------------------------------------------------------
// Permissions
// -------------------------------------------------------------------------

// Permission is a capability bit granted to a plugin.
type Permission uint8

const (
	// PermReceiveFrames allows the plugin to receive dispatched frames.
	PermReceiveFrames Permission = 1 << iota

	// PermSendFrames allows the plugin to emit frames.
	PermSendFrames

	// PermHandshake allows plugin-handshake frames.
	PermHandshake

	// PermControl allows plugin-control frames.
	PermControl

	// PermDataAccess allows plugin-data frames.
	PermDataAccess
)

// String returns the human-readable permission set.
func (p Permission) String() string {
	if p == 0 {
		return "None"
	}
	var parts []string
	for _, e := range []struct {
		bit  Permission
		name string
	}{
		{PermReceiveFrames, "ReceiveFrames"},
		{PermSendFrames, "SendFrames"},
		{PermHandshake, "Handshake"},
		{PermControl, "Control"},
		{PermDataAccess, "DataAccess"},
	} {
		if p&e.bit != 0 {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether all bits of perm are granted.
func (p Permission) Has(perm Permission) bool { return p&perm == perm }

// -------------------------------------------------------------------------
// Descriptor
// -------------------------------------------------------------------------

// Descriptor identifies a plugin and its grants.
type Descriptor struct {
	// ID is the plugin's wire identifier carried in plugin headers.
	ID uint32

	// Name is the human-readable plugin name.
	Name string

	// Version is the plugin's semantic version string (e.g. "1.2.0").
	Version string

	// Permissions is the granted permission bitset.
	Permissions Permission

	// Metadata carries free-form descriptor annotations.
	Metadata map[string]string
}

// Validate checks descriptor invariants.
func (d Descriptor) Validate() error {
	if d.ID == 0 {
		return fmt.Errorf("plugin descriptor: %w", ErrInvalidDescriptor)
	}
	if d.Name == "" {
		return fmt.Errorf("plugin %d: empty name: %w", d.ID, ErrInvalidDescriptor)
	}
	if !validSemver(d.Version) {
		return fmt.Errorf("plugin %q: version %q: %w", d.Name, d.Version, ErrInvalidDescriptor)
	}
	return nil
}

// validSemver accepts MAJOR.MINOR.PATCH with numeric components.
func validSemver(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}

// -------------------------------------------------------------------------
// Plugin Header — CBOR wire format
// -------------------------------------------------------------------------

// Header is the CBOR header prefixed to every plugin frame body:
// {id: u32, flags: u8, data: bytes}.
type Header struct {
	// ID is the target plugin id.
	ID uint32 `cbor:"id"`

	// Flags carries frame-scoped plugin flags.
	Flags uint8 `cbor:"flags"`

	// Data is the plugin payload.
	Data []byte `cbor:"data"`
}

// MaxHeaderLen bounds an encoded plugin header (frame payloads are
// already bounded by the frame cap; this guards the CBOR parse).
const MaxHeaderLen = 64 * 1024

// EncodeHeader serializes a plugin header to CBOR.
func EncodeHeader(h Header) ([]byte, error) {
	out, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode plugin header: %w", err)
	}
	return out, nil
}

// DecodeHeader parses a plugin header from CBOR bytes.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) > MaxHeaderLen {
		return Header{}, fmt.Errorf("decode plugin header: %d bytes: %w",
			len(data), ErrHeaderTooLarge)
	}
	var h Header
	if err := cbor.Unmarshal(data, &h); err != nil {
		return Header{}, fmt.Errorf("decode plugin header: %w: %w", ErrHeaderDecode, err)
	}
	return h, nil
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for the plugin fabric.
var (
	// ErrInvalidDescriptor indicates a malformed plugin descriptor.
	ErrInvalidDescriptor = errors.New("invalid plugin descriptor")

	// ErrAlreadyRegistered indicates a duplicate plugin id.
	ErrAlreadyRegistered = errors.New("plugin already registered")

	// ErrPluginNotRegistered indicates dispatch to an unknown plugin id.
	ErrPluginNotRegistered = errors.New("plugin not registered")

	// ErrPermissionDenied indicates the plugin lacks the permission
	// required by the dispatched frame type.
	ErrPermissionDenied = errors.New("plugin permission denied")

	// ErrChannelFull indicates the plugin's bounded message channel is
	// full and the no-wait dispatch variant was used.
	ErrChannelFull = errors.New("plugin channel full")

	// ErrNotLoaded indicates an operation on a registered but unloaded plugin.
	ErrNotLoaded = errors.New("plugin not loaded")

	// ErrHeaderTooLarge indicates an oversized plugin header.
	ErrHeaderTooLarge = errors.New("plugin header too large")

	// ErrHeaderDecode indicates a malformed CBOR plugin header.
	ErrHeaderDecode = errors.New("plugin header decode failed")

	// ErrDispatcherClosed indicates use of a closed dispatcher.
	ErrDispatcherClosed = errors.New("plugin dispatcher closed")
)
