// Package ledgerstate replays a chain's transactions into the per-batch
// state machine named in spec §3/§4.3: registered -> quality_checked ->
// shipped -> received -> stored -> delivered -> received_retail -> sold,
// with a failed quality check blocking the shipped transition. It is
// grounded on the per-item lifecycle tracking in the teacher repo's
// supply-chain module (fetch-mutate-save over a keyed store), generalized
// here from a single mutable record into a full ordered-transition replay
// suitable for both mempool admission checks and whole-chain validation.
package ledgerstate

import (
	"fmt"

	"github.com/tracechain/ledger-node/internal/chain"
)

// next maps each action to the set of actions legally allowed to follow
// it (spec §4.3). quality_checked with metadata["result"]=="failed" is a
// terminal failure state: it permits no further transitions.
var next = map[chain.Action][]chain.Action{
	chain.ActionRegistered:     {chain.ActionQualityChecked},
	chain.ActionQualityChecked: {chain.ActionShipped},
	chain.ActionShipped:        {chain.ActionReceived},
	chain.ActionReceived:       {chain.ActionStored},
	chain.ActionStored:         {chain.ActionDelivered},
	chain.ActionDelivered:      {chain.ActionReceivedRetail},
	chain.ActionReceivedRetail: {chain.ActionSold},
	chain.ActionSold:           {},
}

// BatchState is the replayed lifecycle state of a single batch.
type BatchState struct {
	BatchID        string
	CurrentAction  chain.Action
	QualityFailed  bool
	History        []*chain.Transaction
}

// quality reports whether a quality_checked transaction passed, defaulting
// to true when metadata omits the "result" field (spec §4.3 edge case).
// The wire shape names the field "result", holding the string "passed" or
// "failed" alongside an "inspector" actor id.
func quality(tx *chain.Transaction) bool {
	if tx.Metadata == nil {
		return true
	}
	result, ok := tx.Metadata["result"]
	if !ok {
		return true
	}
	s, ok := result.(string)
	if !ok {
		return true
	}
	return s != "failed"
}

// Apply validates tx against state's current action and, if legal,
// returns the new state. state may be nil, meaning the batch has no prior
// history yet (only chain.ActionRegistered is then legal).
func Apply(state *BatchState, tx *chain.Transaction) (*BatchState, error) {
	if !tx.Action.Valid() {
		return nil, fmt.Errorf("unknown action %q", tx.Action)
	}

	if state == nil {
		if tx.Action != chain.ActionRegistered {
			return nil, fmt.Errorf("batch %s: first transaction must be %q, got %q", tx.BatchID, chain.ActionRegistered, tx.Action)
		}
		return &BatchState{
			BatchID:       tx.BatchID,
			CurrentAction: tx.Action,
			QualityFailed: false,
			History:       []*chain.Transaction{tx},
		}, nil
	}

	if state.QualityFailed {
		return nil, fmt.Errorf("batch %s: quality check failed, no further transitions allowed", tx.BatchID)
	}

	allowed := next[state.CurrentAction]
	legal := false
	for _, a := range allowed {
		if a == tx.Action {
			legal = true
			break
		}
	}
	if !legal {
		return nil, fmt.Errorf("batch %s: %q cannot follow %q", tx.BatchID, tx.Action, state.CurrentAction)
	}

	newState := &BatchState{
		BatchID:       state.BatchID,
		CurrentAction: tx.Action,
		QualityFailed: state.QualityFailed,
		History:       append(append([]*chain.Transaction{}, state.History...), tx),
	}
	if tx.Action == chain.ActionQualityChecked && !quality(tx) {
		newState.QualityFailed = true
	}
	return newState, nil
}

// Machine replays transactions into per-batch state, in the order they
// are admitted or appear on-chain.
type Machine struct {
	batches map[string]*BatchState
}

// NewMachine returns an empty state machine.
func NewMachine() *Machine {
	return &Machine{batches: make(map[string]*BatchState)}
}

// Get returns the current state for batchID, or nil if unseen.
func (m *Machine) Get(batchID string) *BatchState {
	return m.batches[batchID]
}

// Apply validates tx against the batch's current state and, if legal,
// commits the transition and returns the new state.
func (m *Machine) Apply(tx *chain.Transaction) (*BatchState, error) {
	newState, err := Apply(m.batches[tx.BatchID], tx)
	if err != nil {
		return nil, err
	}
	m.batches[tx.BatchID] = newState
	return newState, nil
}

// Clone returns a deep-enough copy suitable for speculative replay (e.g.
// checking a pending transaction against committed state without mutating
// it).
func (m *Machine) Clone() *Machine {
	c := NewMachine()
	for k, v := range m.batches {
		copyState := *v
		c.batches[k] = &copyState
	}
	return c
}
