// Package capability implements the Nyx capability negotiation layer:
// CBOR-encoded required/optional capability exchange with fail-closed
// termination on unsupported required capabilities.
//
// Wire format: a CBOR array of maps {id: u32, flags: u8, data: bytes}.
// Bit 0 of flags marks the capability required. Negotiation failure
// instructs the session layer to send a Close frame carrying reason
// code 0x07 and the unsupported capability id.
package capability

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"github.com/seleniaproject/nyxd/internal/frame"
)

// -------------------------------------------------------------------------
// Capability IDs & Flags
// -------------------------------------------------------------------------

// Predefined capability ids.
const (
	// CapCore is the core protocol capability. Always advertised
	// required with empty data.
	CapCore uint32 = 0x0001

	// CapPluginFramework is the plugin framework capability. Its data
	// carries a 4-byte little-endian framework version.
	CapPluginFramework uint32 = 0x0002
)

// Capability flag bits.
const (
	// FlagRequired marks a capability the peer must support.
	FlagRequired uint8 = 0x01

	// FlagOptional marks a capability the peer may ignore.
	FlagOptional uint8 = 0x00
)

// Validation bounds.
const (
	// MaxEncodedLen bounds the whole CBOR capability payload (64 KiB),
	// checked before decoding.
	MaxEncodedLen = 64 * 1024

	// MaxDataLen bounds any single capability's data payload.
	MaxDataLen = 1024

	// MaxUnknownDataLen is the stricter bound for unknown capability ids.
	MaxUnknownDataLen = 512

	// MaxCapabilityID bounds the id namespace for v1.
	MaxCapabilityID = 0xFFFF

	// MaxPluginFrameworkVersion bounds the plugin framework version field.
	MaxPluginFrameworkVersion = 1000

	// pluginFrameworkDataMin is the minimum plugin-framework data
	// length: the 4-byte version field.
	pluginFrameworkDataMin = 4
)

// -------------------------------------------------------------------------
// Capability
// -------------------------------------------------------------------------

// Capability is a single negotiable feature.
type Capability struct {
	// ID is the 32-bit capability identifier.
	ID uint32 `cbor:"id"`

	// Flags is the flag byte; bit 0 set means required.
	Flags uint8 `cbor:"flags"`

	// Data carries versioning or parameters; may be empty.
	Data []byte `cbor:"data"`
}

// Required builds a required capability.
func Required(id uint32, data []byte) Capability {
	return Capability{ID: id, Flags: FlagRequired, Data: data}
}

// Optional builds an optional capability.
func Optional(id uint32, data []byte) Capability {
	return Capability{ID: id, Flags: FlagOptional, Data: data}
}

// IsRequired reports whether bit 0 of the flags is set.
func (c Capability) IsRequired() bool { return c.Flags&FlagRequired != 0 }

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for capability handling.
var (
	// ErrPayloadTooLarge indicates an encoded payload over MaxEncodedLen.
	ErrPayloadTooLarge = errors.New("capability payload too large")

	// ErrInvalidData indicates a capability with ill-formed data.
	ErrInvalidData = errors.New("invalid capability data")

	// ErrDecode indicates a CBOR decoding failure.
	ErrDecode = errors.New("capability decode failed")
)

// UnsupportedRequiredError reports a peer-required capability the
// local implementation does not support. Negotiation is fail-closed:
// the session layer must terminate with the close reason this error
// renders.
type UnsupportedRequiredError struct {
	// ID is the unsupported capability id.
	ID uint32
}

// Error implements the error interface.
func (e *UnsupportedRequiredError) Error() string {
	return fmt.Sprintf("unsupported required capability 0x%08x", e.ID)
}

// CloseReason renders the Close frame payload for this failure:
// 2-byte big-endian code 0x07 followed by the 4-byte big-endian
// capability id.
func (e *UnsupportedRequiredError) CloseReason() []byte {
	return frame.EncodeCloseReason(frame.CloseReasonUnsupportedCap, e.ID)
}

// -------------------------------------------------------------------------
// Codec
// -------------------------------------------------------------------------

//nolint:gochecknoglobals // Canonical CBOR modes shared by encode/decode.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

//nolint:gochecknoinits // Builds the CBOR codec modes once.
func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("capability: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capability: cbor dec mode: %v", err))
	}
}

// Encode serializes the capability list to canonical CBOR.
func Encode(caps []Capability) ([]byte, error) {
	out, err := encMode.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	return out, nil
}

// Decode parses a CBOR capability list. The total payload is bounded
// to MaxEncodedLen before any parsing.
func Decode(data []byte) ([]Capability, error) {
	if len(data) > MaxEncodedLen {
		return nil, fmt.Errorf("decode capabilities: %d bytes: %w",
			len(data), ErrPayloadTooLarge)
	}
	var caps []Capability
	if err := decMode.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w: %w", ErrDecode, err)
	}
	return caps, nil
}

// -------------------------------------------------------------------------
// Negotiation
// -------------------------------------------------------------------------

// Negotiate checks every peer capability marked required against the
// local supported set. Returns nil when every required peer capability
// is supported; otherwise an *UnsupportedRequiredError for the first
// unsupported one. Optional capabilities the local side does not
// support are ignored.
func Negotiate(localSupported []uint32, peerCaps []Capability) error {
	local := make(map[uint32]struct{}, len(localSupported))
	for _, id := range localSupported {
		local[id] = struct{}{}
	}

	for _, pc := range peerCaps {
		if !pc.IsRequired() {
			continue
		}
		if _, ok := local[pc.ID]; !ok {
			return &UnsupportedRequiredError{ID: pc.ID}
		}
	}
	return nil
}

// NegotiateLogged runs Negotiate and audits ignored optional
// capabilities on the given logger.
func NegotiateLogged(logger *slog.Logger, localSupported []uint32, peerCaps []Capability) error {
	local := make(map[uint32]struct{}, len(localSupported))
	for _, id := range localSupported {
		local[id] = struct{}{}
	}
	for _, pc := range peerCaps {
		if _, ok := local[pc.ID]; ok || pc.IsRequired() {
			continue
		}
		logger.Debug("ignoring unsupported optional capability",
			slog.Uint64("cap_id", uint64(pc.ID)),
		)
	}
	return Negotiate(localSupported, peerCaps)
}

// LocalIDs returns the capability ids this implementation supports.
func LocalIDs() []uint32 {
	return []uint32{CapCore, CapPluginFramework}
}

// LocalCapabilities returns the capability set advertised to peers:
// core required, plugin framework optional with framework version 1.
func LocalCapabilities() []Capability {
	version := make([]byte, 4)
	binary.LittleEndian.PutUint32(version, 1)
	return []Capability{
		Required(CapCore, nil),
		Optional(CapPluginFramework, version),
	}
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validate checks structure and data bounds for a single capability.
// Known ids must carry their expected formats; unknown ids are allowed
// for forward compatibility under a stricter data bound.
func Validate(c Capability) error {
	if len(c.Data) > MaxDataLen {
		return fmt.Errorf("capability 0x%08x: data %d bytes over %d: %w",
			c.ID, len(c.Data), MaxDataLen, ErrInvalidData)
	}
	if c.ID > MaxCapabilityID {
		return fmt.Errorf("capability id 0x%08x over 0x%04x: %w",
			c.ID, MaxCapabilityID, ErrInvalidData)
	}

	switch c.ID {
	case CapCore:
		// Core carries no data in v1.
		if len(c.Data) != 0 {
			return fmt.Errorf("core capability with %d data bytes: %w",
				len(c.Data), ErrInvalidData)
		}
	case CapPluginFramework:
		if len(c.Data) < pluginFrameworkDataMin {
			return fmt.Errorf("plugin framework data %d bytes, need %d: %w",
				len(c.Data), pluginFrameworkDataMin, ErrInvalidData)
		}
		version := binary.LittleEndian.Uint32(c.Data[:4])
		if version > MaxPluginFrameworkVersion {
			return fmt.Errorf("plugin framework version %d over %d: %w",
				version, MaxPluginFrameworkVersion, ErrInvalidData)
		}
	default:
		if len(c.Data) > MaxUnknownDataLen {
			return fmt.Errorf("unknown capability 0x%08x: data %d bytes over %d: %w",
				c.ID, len(c.Data), MaxUnknownDataLen, ErrInvalidData)
		}
	}
	return nil
}

// ValidateAll validates every capability in the list, returning the
// first failure.
func ValidateAll(caps []Capability) error {
	for _, c := range caps {
		if err := Validate(c); err != nil {
			return err
		}
	}
	return nil
}
