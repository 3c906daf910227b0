package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/seleniaproject/nyxd/internal/aead"
	"github.com/seleniaproject/nyxd/internal/padding"
)

// -------------------------------------------------------------------------
// Record Pipeline — padding + AEAD below the frame layer
// -------------------------------------------------------------------------

// RecordPipeline composes the padding system and the two directional
// AEAD sessions at the endpoint's wire boundary: outbound frames are
// padded to the uniform record size and sealed; inbound records are
// opened and unpadded before frame decode. Padding bytes therefore
// ride inside the AEAD plaintext, and every record on the wire has
// identical length.
//
// The sealed wire format prefixes the 8-byte big-endian record
// sequence so the receiver can derive the nonce; everything after it
// is ciphertext.
type RecordPipeline struct {
	padder *padding.Padder
	tx     *aead.Session
	rx     *aead.Session
}

// recordSeqLen is the cleartext sequence prefix on sealed records.
const recordSeqLen = 8

// NewRecordPipeline builds a pipeline from a padder and the two
// directional sessions. tx seals outbound records; rx opens inbound
// ones. The sessions must use distinct direction ids.
func NewRecordPipeline(padder *padding.Padder, tx, rx *aead.Session) *RecordPipeline {
	return &RecordPipeline{padder: padder, tx: tx, rx: rx}
}

// Seal pads and encrypts one encoded frame for the wire.
func (p *RecordPipeline) Seal(wire []byte) ([]byte, error) {
	padded, err := p.padder.Pad(wire)
	if err != nil {
		return nil, fmt.Errorf("seal record: %w", err)
	}

	seq, ct, err := p.tx.SealNext(nil, padded)
	if err != nil {
		return nil, fmt.Errorf("seal record: %w", err)
	}

	out := make([]byte, recordSeqLen+len(ct))
	binary.BigEndian.PutUint64(out[:recordSeqLen], seq)
	copy(out[recordSeqLen:], ct)
	return out, nil
}

// Open decrypts and unpads one wire record back to frame bytes.
func (p *RecordPipeline) Open(buf []byte) ([]byte, error) {
	if len(buf) < recordSeqLen {
		return nil, fmt.Errorf("open record: %d bytes: %w", len(buf), ErrProtocol)
	}
	seq := binary.BigEndian.Uint64(buf[:recordSeqLen])

	padded, err := p.rx.OpenAt(seq, nil, buf[recordSeqLen:])
	if err != nil {
		return nil, fmt.Errorf("open record at seq %d: %w", seq, err)
	}

	wire, err := p.padder.Unpad(padded)
	if err != nil {
		return nil, fmt.Errorf("open record: %w", err)
	}
	return wire, nil
}

// NeedsRekey reports whether the sending session crossed a rekey
// threshold.
func (p *RecordPipeline) NeedsRekey() bool { return p.tx.NeedsRekey() }

// Rekey rolls both directional sessions. It does not coordinate with
// the peer (no Rekey frame is sent), and the endpoint never calls it.
func (p *RecordPipeline) Rekey() error {
	if err := p.tx.Rekey(); err != nil {
		return err
	}
	return p.rx.Rekey()
}

// Close zeroes both sessions' key material.
func (p *RecordPipeline) Close() {
	p.tx.Close()
	p.rx.Close()
}
