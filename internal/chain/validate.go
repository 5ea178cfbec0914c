package chain

import (
	"fmt"

	"github.com/tracechain/ledger-node/internal/cryptoutil"
)

// ValidationErrorKind names which of spec §4.2's structural checks failed.
type ValidationErrorKind string

const (
	KindHashMismatch      ValidationErrorKind = "hash-mismatch"
	KindLinkBreak         ValidationErrorKind = "link-break"
	KindBadPoW            ValidationErrorKind = "bad-pow"
	KindBadSignature      ValidationErrorKind = "bad-signature"
	KindSemanticViolation ValidationErrorKind = "semantic-violation"
)

// ValidationError reports the first block at which chain validation
// failed, and why (spec §4.2/§8).
type ValidationError struct {
	Index  uint64
	Kind   ValidationErrorKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("block %d: %s: %s", e.Index, e.Kind, e.Detail)
}

// SemanticChecker replays the per-batch action ordering invariant across a
// full candidate chain (spec §3 invariant 4, §4.3). internal/ledgerstate
// implements this; chain only depends on the interface to avoid an import
// cycle (ledgerstate needs chain's types).
type SemanticChecker interface {
	ValidateChain(blocks []*Block) *ValidationError
}

// Validate walks blocks checking genesis identity, recomputed hash,
// previous_hash linkage, proof-of-work difficulty, and transaction
// signatures (spec §4.2). Semantic action-order validation (invariant 4)
// is delegated to checker; pass nil to skip it, e.g. when only comparing
// candidate chain lengths before committing to a full semantic replay.
func Validate(blocks []*Block, difficulty int, registry *cryptoutil.Registry, checker SemanticChecker) *ValidationError {
	if len(blocks) == 0 {
		return &ValidationError{Index: 0, Kind: KindLinkBreak, Detail: "chain is empty"}
	}

	genesis, err := Genesis()
	if err != nil {
		return &ValidationError{Index: 0, Kind: KindHashMismatch, Detail: err.Error()}
	}
	first := blocks[0]
	if first.Hash != genesis.Hash || first.PreviousHash != "0" || len(first.Transactions) != 0 {
		return &ValidationError{Index: 0, Kind: KindHashMismatch, Detail: "genesis block does not match the canonical genesis"}
	}

	for i, b := range blocks {
		if uint64(i) != b.Index {
			return &ValidationError{Index: uint64(i), Kind: KindLinkBreak, Detail: "block index does not match its position in the chain"}
		}
		want, err := b.ComputeHash()
		if err != nil {
			return &ValidationError{Index: b.Index, Kind: KindHashMismatch, Detail: err.Error()}
		}
		if want != b.Hash {
			return &ValidationError{Index: b.Index, Kind: KindHashMismatch, Detail: "stored hash does not match the recomputed hash"}
		}
		if i > 0 {
			prev := blocks[i-1]
			if b.PreviousHash != prev.Hash {
				return &ValidationError{Index: b.Index, Kind: KindLinkBreak, Detail: "previous_hash does not match the prior block's hash"}
			}
			if !MeetsDifficulty(b.Hash, difficulty) {
				return &ValidationError{Index: b.Index, Kind: KindBadPoW, Detail: "hash does not satisfy the configured difficulty"}
			}
		}
		for _, tx := range b.Transactions {
			if err := tx.VerifySignature(registry); err != nil {
				return &ValidationError{Index: b.Index, Kind: KindBadSignature, Detail: err.Error()}
			}
		}
	}

	if checker != nil {
		if verr := checker.ValidateChain(blocks); verr != nil {
			return verr
		}
	}
	return nil
}
