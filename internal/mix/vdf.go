// Package mix implements the Nyx mix layer: packet batching with
// verifiable-delay release, and the adaptive cover-traffic controller
// that keeps the cover ratio on target under changing load and power
// conditions.
package mix

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// VDF — iterated hash chain
// -------------------------------------------------------------------------

// The delay function is an iterated SHA-256 chain: out_0 = H(seed ||
// iters), out_{i+1} = H(out_i || i) for i in [0, iters); the output is
// out_iters. Computing the chain is inherently
// sequential; verification recomputes it with the recorded iteration
// count. The batcher enforces the wall-clock delay independently with
// a timer, so the chain's job is binding the batch release to a
// deterministic, non-parallelizable computation over its contents --
// not precise timing.

// VDFIterationsPerMilli is the chain length charged per millisecond of
// configured delay.
const VDFIterationsPerMilli = 100

// Sentinel errors for VDF operations.
var (
	// ErrEmptySeed indicates an empty VDF input.
	ErrEmptySeed = errors.New("vdf seed is empty")

	// ErrVerifyFailed indicates the output does not match the seed and
	// iteration count.
	ErrVerifyFailed = errors.New("vdf verification failed")
)

// VDFOutput is the result of evaluating the delay function.
type VDFOutput struct {
	// Output is the final chain digest.
	Output [sha256.Size]byte

	// Iterations is the chain length used.
	Iterations uint32
}

// VDFIterations derives the chain length for a configured delay.
func VDFIterations(delayMillis uint32) uint32 {
	if delayMillis == 0 {
		return 1
	}
	return delayMillis * VDFIterationsPerMilli
}

// EvalVDF computes the iterated hash chain over seed. Deterministic:
// the same seed and iteration count always produce the same output.
func EvalVDF(seed []byte, iters uint32) (VDFOutput, error) {
	if len(seed) == 0 {
		return VDFOutput{}, ErrEmptySeed
	}

	h := sha256.New()
	var iterBuf [4]byte
	binary.LittleEndian.PutUint32(iterBuf[:], iters)

	h.Write(seed)
	h.Write(iterBuf[:])
	var out [sha256.Size]byte
	h.Sum(out[:0])

	var ctr [4]byte
	for i := uint32(0); i < iters; i++ {
		h.Reset()
		h.Write(out[:])
		binary.LittleEndian.PutUint32(ctr[:], i)
		h.Write(ctr[:])
		h.Sum(out[:0])
	}

	return VDFOutput{Output: out, Iterations: iters}, nil
}

// VerifyVDF recomputes the chain and compares. Verification costs the
// same chain but runs far below the enforced wall-clock delay, which
// the batcher guarantees by timer.
func VerifyVDF(seed []byte, out VDFOutput) error {
	recomputed, err := EvalVDF(seed, out.Iterations)
	if err != nil {
		return err
	}
	if recomputed.Output != out.Output {
		return fmt.Errorf("vdf output mismatch at %d iterations: %w",
			out.Iterations, ErrVerifyFailed)
	}
	return nil
}

// BatchSeed derives the VDF input from batch contents: the batch id
// and a digest over every packet, so the delay binds to exactly this
// batch.
func BatchSeed(batchID uint64, packets [][]byte) []byte {
	h := sha256.New()
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], batchID)
	h.Write(idBuf[:])
	var lenBuf [4]byte
	for _, p := range packets {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	return h.Sum(nil)
}
