package batchverify

import (
	"errors"

	blst "github.com/supranational/blst/bindings/go"
)

var (
	// ErrMalformedCheck is returned when a check's key or proof does
	// not decode to a valid curve point.
	ErrMalformedCheck = errors.New("malformed verification key or proof")

	// ErrInvalidProof is returned when a proof fails verification
	// against its statement.
	ErrInvalidProof = errors.New("proof verification failed")
)

// verifySingle runs one check in isolation. It is the ground truth the
// aggregate path falls back to, so it must agree with verifyBatch on every
// input.
func verifySingle(c *Check) error {
	key := new(blst.P1Affine).Uncompress(c.Key[:])
	if key == nil {
		return ErrMalformedCheck
	}

	proof := new(blst.P2Affine).Uncompress(c.Proof[:])
	if proof == nil {
		return ErrMalformedCheck
	}

	ok := proof.Verify(true, key, true, c.Message, c.Kind.DomainTag())
	if !ok {
		return ErrInvalidProof
	}

	return nil
}

// verifyBatch runs one aggregate check over same-kind checks: the proofs
// are aggregated into a single group element and verified against all
// (key, message) pairs in one multi-pairing. A false result says only that
// at least one member is bad; callers must re-verify individually to
// attribute the failure.
func verifyBatch(kind CheckKind, checks []*Check) bool {
	if len(checks) == 0 {
		return true
	}

	proofs := make([][]byte, len(checks))
	keys := make([]*blst.P1Affine, len(checks))
	msgs := make([]blst.Message, len(checks))

	for i, c := range checks {
		proofs[i] = c.Proof[:]

		keys[i] = new(blst.P1Affine).Uncompress(c.Key[:])
		if keys[i] == nil {
			return false
		}

		msgs[i] = c.Message
	}

	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(proofs, true) {
		return false
	}

	return agg.ToAffine().AggregateVerify(
		true, keys, true, msgs, kind.DomainTag(),
	)
}
