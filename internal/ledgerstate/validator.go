package ledgerstate

import (
	"github.com/tracechain/ledger-node/internal/chain"
)

// ChainValidator implements chain.SemanticChecker by replaying every
// transaction on a candidate chain, in block then in-block order, through
// a fresh Machine. It is the semantic half of spec §3 invariant 4, plugged
// into internal/chain.Validate so that chain doesn't need to depend on
// ledgerstate directly.
type ChainValidator struct{}

func (ChainValidator) ValidateChain(blocks []*chain.Block) *chain.ValidationError {
	m := NewMachine()
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			if _, err := m.Apply(tx); err != nil {
				return &chain.ValidationError{
					Index:  b.Index,
					Kind:   chain.KindSemanticViolation,
					Detail: err.Error(),
				}
			}
		}
	}
	return nil
}

// BuildFromChain replays every block in order and returns the resulting
// Machine, used to answer /history and /verify queries and to seed the
// mempool's semantic-order check against on-chain history.
func BuildFromChain(blocks []*chain.Block) (*Machine, error) {
	m := NewMachine()
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			if _, err := m.Apply(tx); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// History returns every recorded transaction for batchID in chronological
// order, or nil if the batch is unknown (spec §6 GET /history/{batch_id}).
func (m *Machine) History(batchID string) []*chain.Transaction {
	state := m.Get(batchID)
	if state == nil {
		return nil
	}
	return state.History
}

// Status returns the current action and quality-failure flag for batchID
// (spec §6 GET /verify/{batch_id}).
func (m *Machine) Status(batchID string) (action chain.Action, qualityFailed bool, known bool) {
	state := m.Get(batchID)
	if state == nil {
		return "", false, false
	}
	return state.CurrentAction, state.QualityFailed, true
}
