package batchverify

import (
	"github.com/cinderchain/cinderd/chain"
)

// CheckKind identifies which shielded verification routine a check runs
// under. The set of kinds is closed: consensus rules fix the supported
// proof systems, so new kinds only appear with a protocol upgrade.
type CheckKind uint8

const (
	// KindSpendProof verifies a shielded spend description.
	KindSpendProof CheckKind = iota

	// KindOutputProof verifies a shielded output description.
	KindOutputProof

	// KindBindingSig verifies a transaction binding signature.
	KindBindingSig
)

// numKinds is the number of distinct check kinds.
const numKinds = 3

// String returns a human readable name for the check kind.
func (k CheckKind) String() string {
	switch k {
	case KindSpendProof:
		return "SpendProof"
	case KindOutputProof:
		return "OutputProof"
	case KindBindingSig:
		return "BindingSig"
	default:
		return "Unknown"
	}
}

// DomainTag returns the domain separation tag the kind's proofs are hashed
// to the curve with. Aggregate checks can never span tags, which is why the
// scheduler buckets pending checks by kind.
func (k CheckKind) DomainTag() []byte {
	switch k {
	case KindSpendProof:
		return []byte("CINDER_SPEND_BLS12381G2_XMD:SHA-256_SSWU_RO_")
	case KindOutputProof:
		return []byte("CINDER_OUTPUT_BLS12381G2_XMD:SHA-256_SSWU_RO_")
	default:
		return []byte("CINDER_BIND_BLS12381G2_XMD:SHA-256_SSWU_RO_")
	}
}

// Check is one cryptographic verification request: a proof, the key it must
// verify under, and the statement digest it must attest to. The lifetime of
// a Check ends when the batch window that absorbed it resolves.
type Check struct {
	// Kind selects the verification routine.
	Kind CheckKind

	// Key is the compressed verification key.
	Key [chain.ShieldedKeySize]byte

	// Message is the statement digest the proof signs.
	Message []byte

	// Proof is the compressed proof.
	Proof [chain.ShieldedProofSize]byte
}
