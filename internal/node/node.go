// Package node wires together every other package into the running
// ledger node: persistence, chain state, mempool, mining, peer
// management, consensus resolution and metrics. It is the concrete
// type behind the chainsync.ChainProvider, api.Node and metrics.Source
// interfaces those packages depend on, grounded on core/ledger.go's
// role as the teacher's top-level orchestrator and cmd/cli/mining_node.go's
// startup/shutdown sequencing.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tracechain/ledger-node/internal/api"
	"github.com/tracechain/ledger-node/internal/apperr"
	"github.com/tracechain/ledger-node/internal/chain"
	"github.com/tracechain/ledger-node/internal/config"
	"github.com/tracechain/ledger-node/internal/cryptoutil"
	"github.com/tracechain/ledger-node/internal/ledgerstate"
	"github.com/tracechain/ledger-node/internal/mempool"
	"github.com/tracechain/ledger-node/internal/metrics"
	"github.com/tracechain/ledger-node/internal/miner"
	"github.com/tracechain/ledger-node/internal/peer"
	"github.com/tracechain/ledger-node/internal/store"
	chainsync "github.com/tracechain/ledger-node/internal/sync"
)

// blockTimestampLayout is the ISO-8601 microsecond UTC layout every
// mined block's timestamp uses (spec §3).
const blockTimestampLayout = "2006-01-02T15:04:05.000000Z"

// mempoolSweepInterval is how often the background sweeper discards
// expired pending transactions.
const mempoolSweepInterval = time.Minute

// chainValidatorInterval is how often the background validator re-checks
// local chain validity and attempts to auto-heal if it has drifted
// invalid (spec §4.6's background validator).
const chainValidatorInterval = 2 * time.Minute

// metricsCollectInterval is how often the metrics collector samples the
// node's gauges.
const metricsCollectInterval = 10 * time.Second

// Node is the node's top-level orchestrator. Its mutex guards chain and
// state; every other field is independently safe for concurrent use.
type Node struct {
	cfg *config.Config
	log *logrus.Logger

	store    *store.Store
	registry *cryptoutil.Registry
	pool     *mempool.Pool
	miner    *miner.Miner
	peers    *peer.Registry
	resolver *chainsync.Resolver
	metrics  *metrics.Collector

	mu    sync.RWMutex
	chain []*chain.Block
	state *ledgerstate.Machine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the node's durable store, rebuilds (or heals) chain state
// from it, and wires every subsystem together. It does not start the
// background workers; call Run for that.
func New(cfg *config.Config, log *logrus.Logger) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	registry := cryptoutil.NewRegistry()
	if err := registry.LoadDir(cfg.Node.KeysDir); err != nil {
		log.WithError(err).WithField("keys_dir", cfg.Node.KeysDir).Warn("could not load actor public key directory")
	}

	dbPath := config.DefaultDBPath(cfg)
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceError, "open ledger store", err)
	}
	loaded, err := store.Load(dbPath)
	if err != nil {
		st.Close()
		return nil, apperr.Wrap(apperr.PersistenceError, "load ledger store", err)
	}

	self := fmt.Sprintf("http://localhost:%d", cfg.Node.Port)
	peers := peer.NewRegistry(self, nil, log)
	for _, url := range loaded.PeerURLs {
		peers.Add(url)
	}

	n := &Node{
		cfg:      cfg,
		log:      log,
		store:    st,
		registry: registry,
		peers:    peers,
		miner:    miner.New(cfg.Node.Difficulty),
		metrics:  metrics.New(log),
	}
	n.resolver = chainsync.NewResolver(peers, nil, n, cfg.Node.Difficulty, registry, log)

	blocks := loaded.Blocks
	if len(blocks) == 0 {
		genesis, err := chain.Genesis()
		if err != nil {
			st.Close()
			return nil, apperr.Wrap(apperr.ChainInvalid, "build genesis block", err)
		}
		if err := st.AppendBlock(genesis); err != nil {
			st.Close()
			return nil, apperr.Wrap(apperr.PersistenceError, "persist genesis block", err)
		}
		blocks = []*chain.Block{genesis}
	}

	verr := chain.Validate(blocks, cfg.Node.Difficulty, registry, ledgerstate.ChainValidator{})
	n.chain = blocks
	if loaded.Corrupted || verr != nil {
		log.WithError(verr).Warn("local chain is corrupted or invalid; attempting auto-heal from peers")
		machine, healed, err := n.resolver.AutoHeal(context.Background())
		if err != nil {
			// No peer could offer a usable chain. The node still starts so
			// it can keep probing peers and serving reads, but requireChainValid
			// will reject writes until a later heal (see runChainValidator)
			// succeeds, since recomputing chain.Validate on this chain will
			// keep failing until then.
			log.WithError(err).Error("auto-heal found no usable peer chain; node will reject writes until healed")
			if fallback, buildErr := ledgerstate.BuildFromChain(blocks); buildErr == nil {
				n.state = fallback
			} else {
				n.state = ledgerstate.NewMachine()
			}
		} else {
			n.chain = healed
			n.state = machine
		}
	} else {
		machine, err := ledgerstate.BuildFromChain(blocks)
		if err != nil {
			st.Close()
			return nil, apperr.Wrap(apperr.ChainInvalid, "rebuild ledger state", err)
		}
		n.state = machine
	}

	if cfg.Node.Bootstrap != "" {
		if err := peers.Bootstrap(context.Background(), cfg.Node.Bootstrap); err != nil {
			log.WithError(err).Warn("bootstrap against the configured peer failed")
		}
	}

	// Normalize the on-disk record to the final chain and peer set
	// reached above, so a restart doesn't replay a growing backlog of
	// register-peer records for peers already known from a prior run.
	// Skipped when the chain is still invalid: rewriting now would
	// permanently discard whatever recoverable history the corrupted file
	// still holds before a heal has actually succeeded.
	if chain.Validate(n.chain, cfg.Node.Difficulty, registry, ledgerstate.ChainValidator{}) == nil {
		if err := st.Rewrite(n.chain, peers.List()); err != nil {
			log.WithError(err).Error("failed to normalize ledger store on startup")
		}
	}

	n.pool = mempool.New(mempool.Config{
		Threshold: cfg.Mempool.Threshold,
		Cap:       cfg.Mempool.Cap,
		TTL:       time.Duration(cfg.Mempool.TTLSeconds) * time.Second,
	}, registry)
	n.pool.Seed(n.state)

	return n, nil
}

// Metrics returns the node's metrics collector, for wiring into the API
// server and anything else that wants to read current gauges.
func (n *Node) Metrics() *metrics.Collector { return n.metrics }

// Run starts every background worker the configuration enables: peer
// health probing, auto-mining, periodic sync, mempool sweeping, chain
// revalidation and metrics collection. It returns immediately; Shutdown
// stops them.
func (n *Node) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if n.cfg.Peer.HealthProbeIntervalSeconds > 0 {
		n.wg.Add(1)
		go n.runHealthProbe(ctx)
	}
	if n.cfg.Miner.AutoMineIntervalSeconds > 0 {
		n.wg.Add(1)
		go n.runAutoMine(ctx)
	}
	if n.cfg.Sync.IntervalSeconds > 0 {
		n.wg.Add(1)
		go n.runPeriodicSync(ctx)
	}
	n.wg.Add(1)
	go n.runMempoolSweep(ctx)
	n.wg.Add(1)
	go n.runMetricsCollector(ctx)
	n.wg.Add(1)
	go n.runChainValidator(ctx)
}

// Shutdown stops every background worker and closes the durable store.
// It blocks until the workers exit or ctx is done, whichever comes
// first.
func (n *Node) Shutdown(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return n.store.Close()
}

func (n *Node) runHealthProbe(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.cfg.Peer.HealthProbeIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.peers.ProbeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) runAutoMine(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.cfg.Miner.AutoMineIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !n.pool.Ready() {
				continue
			}
			if _, err := n.Mine(ctx); err != nil && !errors.Is(err, api.ErrMempoolEmpty) {
				n.log.WithError(err).Warn("auto-mine attempt failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) runPeriodicSync(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.cfg.Sync.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.resolver.Resolve(ctx); err != nil {
				n.log.WithError(err).Warn("periodic chain resolution failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) runMempoolSweep(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(mempoolSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := n.pool.Sweep(time.Now()); removed > 0 {
				n.log.WithField("removed", removed).Info("swept expired mempool entries")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) runMetricsCollector(ctx context.Context) {
	defer n.wg.Done()
	n.metrics.Run(ctx, metricsCollectInterval, n)
}

// runChainValidator periodically revalidates the local chain and attempts
// to auto-heal it from peers if it has drifted invalid, so a corruption or
// fork left unresolved at startup does not block writes forever once a
// peer with a usable chain becomes reachable (spec §4.6's background
// validator).
func (n *Node) runChainValidator(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(chainValidatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.revalidateChain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) revalidateChain(ctx context.Context) {
	blocks := n.LocalChain()
	if chain.Validate(blocks, n.cfg.Node.Difficulty, n.registry, ledgerstate.ChainValidator{}) == nil {
		return
	}

	n.log.Warn("periodic chain validation failed; attempting auto-heal")
	machine, healed, err := n.resolver.AutoHeal(ctx)
	if err != nil {
		n.log.WithError(err).Error("auto-heal found no usable peer chain")
		return
	}

	n.mu.Lock()
	n.chain = healed
	n.state = machine
	n.mu.Unlock()

	if err := n.store.Rewrite(healed, n.peers.List()); err != nil {
		n.log.WithError(err).Error("failed to persist healed chain")
	}
	n.pool.Seed(machine)
	n.log.Info("local chain healed from peers")
}

// LocalChain implements chainsync.ChainProvider.
func (n *Node) LocalChain() []*chain.Block {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*chain.Block, len(n.chain))
	copy(out, n.chain)
	return out
}

// ApplyChain implements chainsync.ChainProvider: it replaces the local
// chain wholesale with candidate, which the caller (the resolver) has
// already validated and determined to be preferable.
func (n *Node) ApplyChain(candidate []*chain.Block) (*ledgerstate.Machine, error) {
	machine, err := ledgerstate.BuildFromChain(candidate)
	if err != nil {
		return nil, apperr.Wrap(apperr.ChainInvalid, "rebuild ledger state for candidate chain", err)
	}
	n.mu.Lock()
	n.chain = candidate
	n.state = machine
	n.mu.Unlock()

	if err := n.store.Rewrite(candidate, n.peers.List()); err != nil {
		n.log.WithError(err).Error("failed to persist resolved chain")
	}
	n.pool.Seed(machine)
	return machine, nil
}

// ExtendTip implements chainsync.ChainProvider: it appends b only if it
// legally follows the current tip, revalidating the whole chain before
// committing.
func (n *Node) ExtendTip(b *chain.Block) (*ledgerstate.Machine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.chain) == 0 {
		return nil, apperr.New(apperr.ChainInvalid, "local chain is empty")
	}
	tip := n.chain[len(n.chain)-1]
	if b.Index != tip.Index+1 || b.PreviousHash != tip.Hash {
		return nil, apperr.New(apperr.ChainInvalid, "block does not extend the local tip")
	}

	candidate := make([]*chain.Block, len(n.chain), len(n.chain)+1)
	copy(candidate, n.chain)
	candidate = append(candidate, b)
	if verr := chain.Validate(candidate, n.cfg.Node.Difficulty, n.registry, ledgerstate.ChainValidator{}); verr != nil {
		return nil, apperr.New(apperr.ChainInvalid, verr.Error())
	}
	machine, err := ledgerstate.BuildFromChain(candidate)
	if err != nil {
		return nil, apperr.Wrap(apperr.ChainInvalid, "rebuild ledger state", err)
	}

	n.chain = candidate
	n.state = machine
	if err := n.store.AppendBlock(b); err != nil {
		n.log.WithError(err).Error("failed to persist extended block")
	}
	n.pool.Seed(machine)
	return machine, nil
}

// requireChainValid rejects writes while the local chain fails
// revalidation (e.g. auto-heal found no usable peer chain on startup, or
// the periodic background validator detected drift). Writes stay
// rejected until a later heal restores validity (spec §4.6).
func (n *Node) requireChainValid() error {
	blocks := n.LocalChain()
	if verr := chain.Validate(blocks, n.cfg.Node.Difficulty, n.registry, ledgerstate.ChainValidator{}); verr != nil {
		return apperr.New(apperr.ChainInvalid, fmt.Sprintf("local chain is invalid (%s); rejecting writes until a successful heal", verr.Error()))
	}
	return nil
}

// AddTransaction implements api.Node.
func (n *Node) AddTransaction(tx *chain.Transaction) error {
	if err := n.requireChainValid(); err != nil {
		return err
	}
	if err := n.pool.Admit(tx); err != nil {
		return err
	}
	n.metrics.IncTransactionAdmitted()
	return nil
}

// validateBlockShape checks a gossiped block's own correctness
// (recomputed hash, proof-of-work, transaction signatures) independent
// of its position relative to the local tip. A block that fails this is
// malformed or forged outright, not merely the start of a fork.
func (n *Node) validateBlockShape(b *chain.Block) error {
	want, err := b.ComputeHash()
	if err != nil {
		return apperr.Wrap(apperr.BadRequest, "compute block hash", err)
	}
	if want != b.Hash {
		return apperr.New(apperr.BadRequest, "block hash does not match its recomputed hash")
	}
	if !chain.MeetsDifficulty(b.Hash, n.cfg.Node.Difficulty) {
		return apperr.New(apperr.BadRequest, "block hash does not satisfy the configured difficulty")
	}
	for _, tx := range b.Transactions {
		if err := tx.VerifySignature(n.registry); err != nil {
			return apperr.Wrap(apperr.BadRequest, "transaction signature invalid", err)
		}
	}
	return nil
}

// Mine implements api.Node: it drains the mempool, searches for a valid
// proof-of-work nonce, and on success seals and broadcasts the block. A
// cancelled or failed attempt restores the drained transactions to the
// pool rather than losing them.
func (n *Node) Mine(ctx context.Context) (*chain.Block, error) {
	if err := n.requireChainValid(); err != nil {
		return nil, err
	}
	txs := n.pool.Drain()
	if len(txs) == 0 {
		return nil, api.ErrMempoolEmpty
	}
	n.metrics.IncMiningAttempt()

	n.mu.RLock()
	tip := n.chain[len(n.chain)-1]
	index := tip.Index + 1
	prevHash := tip.Hash
	n.mu.RUnlock()

	timestamp := time.Now().UTC().Format(blockTimestampLayout)
	b, err := n.miner.Mine(ctx, index, timestamp, txs, prevHash)
	if err != nil {
		n.pool.Restore(txs)
		return nil, err
	}

	n.mu.Lock()
	currentTip := n.chain[len(n.chain)-1]
	if currentTip.Hash != b.PreviousHash {
		// The chain advanced (via gossip or sync) while this block was
		// being mined; it no longer extends the tip. Discard it and
		// return the transactions to the pool rather than forking.
		n.mu.Unlock()
		n.pool.Restore(txs)
		return nil, apperr.New(apperr.ChainInvalid, "local chain advanced during mining; discarding stale block")
	}
	candidate := append(append([]*chain.Block{}, n.chain...), b)
	machine, err := ledgerstate.BuildFromChain(candidate)
	if err != nil {
		n.mu.Unlock()
		n.pool.Restore(txs)
		return nil, apperr.Wrap(apperr.ChainInvalid, "replay mined block", err)
	}
	n.chain = candidate
	n.state = machine
	n.mu.Unlock()

	if err := n.store.AppendBlock(b); err != nil {
		n.log.WithError(err).Error("failed to persist mined block")
	}
	n.pool.Seed(machine)
	n.metrics.IncBlockMined()
	n.resolver.Broadcast(ctx, b)
	return b, nil
}

// Chain implements api.Node.
func (n *Node) Chain() api.ChainInfo {
	blocks := n.LocalChain()
	verr := chain.Validate(blocks, n.cfg.Node.Difficulty, n.registry, ledgerstate.ChainValidator{})
	info := api.ChainInfo{Blocks: blocks, Valid: verr == nil, Message: "ok"}
	if verr != nil {
		info.Message = verr.Error()
	}
	return info
}

// Mempool implements api.Node.
func (n *Node) Mempool() []*chain.Transaction { return n.pool.Snapshot() }

// Status implements api.Node.
func (n *Node) Status() api.StatusInfo {
	blocks := n.LocalChain()
	verr := chain.Validate(blocks, n.cfg.Node.Difficulty, n.registry, ledgerstate.ChainValidator{})
	st := api.StatusInfo{
		ChainLength:       uint64(len(blocks)),
		ChainValid:        verr == nil,
		ValidationMessage: "ok",
		Peers:             len(n.peers.List()),
		MempoolSize:       n.pool.Len(),
		Difficulty:        n.cfg.Node.Difficulty,
	}
	if verr != nil {
		st.ValidationMessage = verr.Error()
	}
	return st
}

// Peers implements api.Node.
func (n *Node) Peers() []string { return n.peers.List() }

// RegisterPeer implements api.Node.
func (n *Node) RegisterPeer(url string) error {
	if url == "" {
		return apperr.New(apperr.BadRequest, "url is required")
	}
	if n.peers.Add(url) {
		if err := n.store.AppendPeer(url); err != nil {
			n.log.WithError(err).Error("failed to persist newly registered peer")
		}
	}
	return nil
}

// ReceiveBlock implements api.Node: a structurally invalid block is
// rejected outright, a block that legally extends the tip is appended,
// and anything else triggers a background fork resolution.
func (n *Node) ReceiveBlock(ctx context.Context, b *chain.Block) (api.ReceiveOutcome, error) {
	if err := n.validateBlockShape(b); err != nil {
		return 0, err
	}
	if _, err := n.ExtendTip(b); err == nil {
		return api.ReceiveAppended, nil
	}
	go func() {
		if err := n.resolver.Resolve(context.Background()); err != nil {
			n.log.WithError(err).Warn("background chain resolution after a conflicting block failed")
		}
	}()
	return api.ReceiveConflict, nil
}

// Sync implements api.Node.
func (n *Node) Sync(ctx context.Context) (bool, int, error) {
	before := len(n.LocalChain())
	if err := n.resolver.Resolve(ctx); err != nil {
		return false, before, err
	}
	after := len(n.LocalChain())
	return after > before, after, nil
}

// History implements api.Node.
func (n *Node) History(batchID string) []*chain.Transaction {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.History(batchID)
}

// Verify implements api.Node: a batch is verified if its recorded
// history is known and has not been blocked by a failed quality check,
// regardless of how far through its lifecycle it has progressed.
func (n *Node) Verify(batchID string) (bool, []*chain.Transaction, string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	action, qualityFailed, known := n.state.Status(batchID)
	events := n.state.History(batchID)
	if !known {
		return false, nil, "batch not found"
	}
	if qualityFailed {
		return false, events, fmt.Sprintf("quality check failed at stage %s", action)
	}
	return true, events, fmt.Sprintf("provenance verified through stage %s", action)
}

// MetricsSnapshot implements metrics.Source.
func (n *Node) MetricsSnapshot() metrics.Snapshot {
	n.mu.RLock()
	var height uint64
	if len(n.chain) > 0 {
		height = n.chain[len(n.chain)-1].Index
	}
	n.mu.RUnlock()
	return metrics.Snapshot{
		Height:           height,
		MempoolSize:      n.pool.Len(),
		PeerCount:        len(n.peers.List()),
		HealthyPeerCount: len(n.peers.Healthy()),
	}
}
