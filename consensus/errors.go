package consensus

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the first consensus rule a block or transaction
// violated. Rule violations are permanent for the offending hash: the same
// bytes can never become valid later.
type ErrorCode int

const (
	// ErrMalformedStructure indicates a context-free structural defect:
	// duplicate inputs, out-of-range values, missing pieces, or size
	// violations.
	ErrMalformedStructure ErrorCode = iota

	// ErrScriptFailure indicates a transparent input script evaluated
	// to false or failed to execute.
	ErrScriptFailure

	// ErrSignatureInvalid indicates an invalid transparent signature or
	// an invalid binding signature.
	ErrSignatureInvalid

	// ErrProofInvalid indicates a shielded spend or output proof failed
	// verification.
	ErrProofInvalid

	// ErrValueImbalance indicates the transaction's value balance
	// equation does not hold.
	ErrValueImbalance

	// ErrTxExpired indicates the transaction's expiry height is below
	// the candidate block height.
	ErrTxExpired

	// ErrShieldedNotActive indicates shielded data appeared below the
	// shielded activation height.
	ErrShieldedNotActive

	// ErrDoubleSpend indicates a referenced transparent output does not
	// exist or is already spent on the branch under consideration.
	ErrDoubleSpend

	// ErrNullifierReuse indicates a shielded nullifier was already
	// revealed on the branch under consideration.
	ErrNullifierReuse

	// ErrImmatureSpend indicates a coinbase output was spent before
	// reaching maturity.
	ErrImmatureSpend

	// ErrBlockTooBig indicates the serialized block exceeds the maximum
	// block size.
	ErrBlockTooBig

	// ErrBadMerkleRoot indicates the header's merkle root does not
	// commit to the block's transactions, or the transaction list is
	// mutated.
	ErrBadMerkleRoot

	// ErrBadDiffBits indicates the header's claimed target differs from
	// the required target derived from recent history.
	ErrBadDiffBits

	// ErrHighHash indicates the block hash does not meet the claimed
	// target.
	ErrHighHash

	// ErrTimeTooOld indicates the header timestamp is not after the
	// median time of recent history.
	ErrTimeTooOld

	// ErrTimeTooNew indicates the header timestamp is too far ahead of
	// local time.
	ErrTimeTooNew

	// ErrMissingCoinbase indicates the block's first transaction is not
	// a coinbase, or the block has no transactions.
	ErrMissingCoinbase

	// ErrMultipleCoinbase indicates a transaction other than the first
	// is a coinbase.
	ErrMultipleCoinbase

	// ErrBadCoinbaseValue indicates the coinbase pays more than the
	// block subsidy plus collected fees.
	ErrBadCoinbaseValue
)

// errorCodeStrings maps error codes back to their constant names for
// pretty-printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrMalformedStructure: "ErrMalformedStructure",
	ErrScriptFailure:      "ErrScriptFailure",
	ErrSignatureInvalid:   "ErrSignatureInvalid",
	ErrProofInvalid:       "ErrProofInvalid",
	ErrValueImbalance:     "ErrValueImbalance",
	ErrTxExpired:          "ErrTxExpired",
	ErrShieldedNotActive:  "ErrShieldedNotActive",
	ErrDoubleSpend:        "ErrDoubleSpend",
	ErrNullifierReuse:     "ErrNullifierReuse",
	ErrImmatureSpend:      "ErrImmatureSpend",
	ErrBlockTooBig:        "ErrBlockTooBig",
	ErrBadMerkleRoot:      "ErrBadMerkleRoot",
	ErrBadDiffBits:        "ErrBadDiffBits",
	ErrHighHash:           "ErrHighHash",
	ErrTimeTooOld:         "ErrTimeTooOld",
	ErrTimeTooNew:         "ErrTimeTooNew",
	ErrMissingCoinbase:    "ErrMissingCoinbase",
	ErrMultipleCoinbase:   "ErrMultipleCoinbase",
	ErrBadCoinbaseValue:   "ErrBadCoinbaseValue",
}

// String returns the ErrorCode as a human readable name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}

	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a consensus rule violation. It has a code so callers
// can programmatically detect which rule fired first, and a human readable
// description carrying the specifics.
type RuleError struct {
	// ErrorCode is the rule that was violated.
	ErrorCode ErrorCode

	// Description is a human readable account of the violation.
	Description string
}

// Error satisfies the error interface.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}

// IsRuleErrorCode reports whether err is a RuleError with the given code.
func IsRuleErrorCode(err error, c ErrorCode) bool {
	var ruleErr RuleError
	if !errors.As(err, &ruleErr) {
		return false
	}

	return ruleErr.ErrorCode == c
}
