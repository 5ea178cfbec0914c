// Package miner performs the proof-of-work nonce search of spec §4.4:
// increment a candidate block's nonce until its hash satisfies the
// configured difficulty, checking for cancellation periodically rather
// than on every iteration so the check itself doesn't dominate the hash
// loop's cost.
package miner

import (
	"context"

	"github.com/tracechain/ledger-node/internal/apperr"
	"github.com/tracechain/ledger-node/internal/chain"
)

// cancelCheckInterval is how often, in nonce attempts, Mine polls ctx for
// cancellation (spec §4.4).
const cancelCheckInterval = 10000

// Miner seals blocks at a fixed difficulty.
type Miner struct {
	Difficulty int
}

// New returns a Miner sealing blocks at the given difficulty.
func New(difficulty int) *Miner {
	return &Miner{Difficulty: difficulty}
}

// Mine searches for a nonce producing a hash with Difficulty leading hex
// zero characters, returning the sealed block. It returns a
// MiningCancelled error if ctx is cancelled before a solution is found.
func (m *Miner) Mine(ctx context.Context, index uint64, timestamp string, txs []*chain.Transaction, previousHash string) (*chain.Block, error) {
	b := &chain.Block{
		Index:        index,
		Timestamp:    timestamp,
		Transactions: txs,
		PreviousHash: previousHash,
	}
	for nonce := uint64(0); ; nonce++ {
		if nonce%cancelCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.MiningCancelled, "mining was cancelled", ctx.Err())
			default:
			}
		}
		b.Nonce = nonce
		hash, err := b.ComputeHash()
		if err != nil {
			return nil, err
		}
		if chain.MeetsDifficulty(hash, m.Difficulty) {
			b.Hash = hash
			return b, nil
		}
	}
}
