// Package mempool implements the five-step transaction admission pipeline
// of spec §4.3: shape, signature, identity, duplicate, and semantic
// order, short-circuiting on the first failure. It is grounded on
// core/supply_chain.go's dedupe-before-insert pattern
// (`RegisterItem`'s store-lookup guard), generalized into a full ordered
// pipeline with a pluggable semantic checker.
package mempool

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tracechain/ledger-node/internal/apperr"
	"github.com/tracechain/ledger-node/internal/chain"
	"github.com/tracechain/ledger-node/internal/cryptoutil"
	"github.com/tracechain/ledger-node/internal/ledgerstate"
)

// seenCacheSize bounds the duplicate-detection cache independently of
// Config.Cap, so a very small mempool cap doesn't also shrink the window
// in which a just-drained transaction's key is remembered.
const seenCacheSize = 4096

// timestampLayout is the ISO-8601 microsecond UTC layout spec §3 mandates
// for every transaction timestamp.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Config bounds the pool's size and lifetime (spec §4.3, §4.4).
type Config struct {
	// Threshold is the pending-transaction count that makes the pool
	// "ready to mine" (spec §4.4).
	Threshold int
	// Cap is the hard maximum number of pending transactions the pool
	// will admit.
	Cap int
	// TTL is how long an admitted transaction may remain pending before
	// Sweep discards it.
	TTL time.Duration
}

type entry struct {
	tx       *chain.Transaction
	admitted time.Time
}

// Pool is the node's mutex-guarded mempool.
type Pool struct {
	mu       sync.Mutex
	cfg      Config
	registry *cryptoutil.Registry
	pending  []entry
	seen     *lru.Cache[chain.Key, time.Time]
	state    *ledgerstate.Machine
}

// New returns an empty Pool seeded from an empty ledger state. Call Seed
// once the chain's committed history is known.
func New(cfg Config, registry *cryptoutil.Registry) *Pool {
	seen, err := lru.New[chain.Key, time.Time](seenCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// seenCacheSize never is.
		panic(err)
	}
	return &Pool{
		cfg:      cfg,
		registry: registry,
		seen:     seen,
		state:    ledgerstate.NewMachine(),
	}
}

// Seed replaces the pool's speculative state machine with a clone of
// base, the committed on-chain state. Called after a block is sealed or
// the chain is replaced during sync (spec §4.6), so pending transactions
// are re-validated against the new committed history: each is replayed
// onto the clone in order, and one that no longer applies (for example
// because the new chain already contains it) is dropped from the pool.
func (p *Pool) Seed(base *ledgerstate.Machine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := base.Clone()
	kept := p.pending[:0]
	for _, e := range p.pending {
		if _, err := state.Apply(e.tx); err != nil {
			continue
		}
		kept = append(kept, e)
	}
	p.pending = kept
	p.state = state
}

func shapeCheck(tx *chain.Transaction) error {
	if tx.BatchID == "" {
		return apperr.New(apperr.BadRequest, "batch_id is required")
	}
	if !tx.Action.Valid() {
		return apperr.New(apperr.BadRequest, "action is not one of the known action kinds")
	}
	if tx.Actor == "" {
		return apperr.New(apperr.BadRequest, "actor is required")
	}
	if tx.Signature == "" || tx.PublicKey == "" {
		return apperr.New(apperr.BadRequest, "signature and public_key are required")
	}
	if _, err := time.Parse(timestampLayout, tx.Timestamp); err != nil {
		return apperr.Wrap(apperr.BadRequest, "timestamp is not a valid ISO-8601 microsecond UTC timestamp", err)
	}
	return nil
}

func (p *Pool) identityCheck(tx *chain.Transaction) error {
	if _, ok := p.registry.Lookup(tx.Actor); !ok {
		return apperr.New(apperr.UnknownActor, "actor "+tx.Actor+" is not a registered identity")
	}
	embedded, err := cryptoutil.DecodePublicKeyPEM(tx.PublicKey)
	if err != nil {
		return err
	}
	if !p.registry.MatchesRegistered(tx.Actor, embedded) {
		return apperr.New(apperr.InvalidSignature, "public key does not match the registered identity for actor "+tx.Actor)
	}
	return nil
}

func (p *Pool) duplicateCheck(tx *chain.Transaction) error {
	if _, ok := p.seen.Get(tx.Key()); ok {
		return apperr.New(apperr.DuplicateTransaction, "a transaction with the same batch_id, action, actor and timestamp was already admitted")
	}
	return nil
}

// Admit runs the five-step pipeline against tx and, if every step
// passes, adds it to the pool. It returns the first failing step's
// *apperr.Error.
func (p *Pool) Admit(tx *chain.Transaction) error {
	if err := shapeCheck(tx); err != nil {
		return err
	}
	if err := tx.VerifySignature(nil); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.identityCheck(tx); err != nil {
		return err
	}
	if err := p.duplicateCheck(tx); err != nil {
		return err
	}
	if len(p.pending) >= p.cfg.Cap {
		return apperr.New(apperr.BadRequest, "mempool is at capacity")
	}

	trial := p.state.Clone()
	if _, err := trial.Apply(tx); err != nil {
		return apperr.Wrap(apperr.InvalidOrder, "transaction violates the batch's action ordering", err)
	}

	now := time.Now()
	p.pending = append(p.pending, entry{tx: tx, admitted: now})
	p.seen.Add(tx.Key(), now)
	p.state = trial
	return nil
}

// Ready reports whether the pool holds at least Threshold transactions.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) >= p.cfg.Threshold
}

// Len returns the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Snapshot returns a copy of the currently pending transactions, in
// admission order (spec §6 GET /mempool).
func (p *Pool) Snapshot() []*chain.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*chain.Transaction, len(p.pending))
	for i, e := range p.pending {
		out[i] = e.tx
	}
	return out
}

// Drain removes and returns every pending transaction, for inclusion in a
// block about to be sealed. The caller is responsible for calling Seed
// with the post-block state afterwards.
func (p *Pool) Drain() []*chain.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*chain.Transaction, len(p.pending))
	for i, e := range p.pending {
		out[i] = e.tx
	}
	p.pending = nil
	return out
}

// Restore reinstates txs at the front of the pending queue without
// re-running admission checks or touching the duplicate-detection cache,
// which still holds their keys from their original Admit call. Used when
// a mining attempt that drained the pool is cancelled or fails, so the
// transactions are not lost (spec §8 property 7).
func (p *Pool) Restore(txs []*chain.Transaction) {
	if len(txs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	restored := make([]entry, len(txs))
	for i, tx := range txs {
		restored[i] = entry{tx: tx, admitted: now}
	}
	p.pending = append(restored, p.pending...)
}

// Sweep discards pending transactions admitted more than TTL ago and
// rebuilds the speculative state machine from the transactions that
// remain (spec §4.3).
func (p *Pool) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.TTL <= 0 {
		return 0
	}
	kept := p.pending[:0]
	removed := 0
	for _, e := range p.pending {
		if now.Sub(e.admitted) > p.cfg.TTL {
			p.seen.Remove(e.tx.Key())
			removed++
			continue
		}
		kept = append(kept, e)
	}
	p.pending = kept
	return removed
}
