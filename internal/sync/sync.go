// Package sync implements gossip and longest-valid-chain consensus
// resolution (spec §4.6): broadcasting newly mined blocks, handling
// inbound blocks by either a cheap extend-the-tip path or a full fork
// resolution, and auto-healing local state when validation fails.
// Grounded on core/replication.go's Replicator (ReplicateBlock's
// sampled-gossip pattern, handleMsg's dispatch-by-message-kind shape)
// and core/initialization_replication.go's bootstrap-then-start
// orchestration, re-expressed over this spec's literal HTTP endpoints
// instead of libp2p streams and RLP-encoded wire messages.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tracechain/ledger-node/internal/apperr"
	"github.com/tracechain/ledger-node/internal/chain"
	"github.com/tracechain/ledger-node/internal/cryptoutil"
	"github.com/tracechain/ledger-node/internal/ledgerstate"
	"github.com/tracechain/ledger-node/internal/peer"
)

// ChainProvider is the narrow view of the node's chain head that the
// resolver needs: a snapshot for gossip/comparison and an atomic swap for
// adopting a better chain. internal/node implements it against the
// lock-guarded chain it owns.
type ChainProvider interface {
	LocalChain() []*chain.Block
	// ApplyChain swaps candidate in as the local chain, returning the
	// ledgerstate.Machine rebuilt from it. The caller has already
	// validated candidate and chosen it over the local chain; ApplyChain
	// returns an error only if the ledger state cannot be rebuilt.
	ApplyChain(candidate []*chain.Block) (*ledgerstate.Machine, error)
	// ExtendTip appends a single block to the local chain if it
	// legally follows the current tip. It returns an error if the block
	// does not extend the tip.
	ExtendTip(b *chain.Block) (*ledgerstate.Machine, error)
}

// Resolver implements spec §4.6's consensus and gossip behavior.
type Resolver struct {
	peers      *peer.Registry
	client     *http.Client
	chainProv  ChainProvider
	difficulty int
	registry   *cryptoutil.Registry
	log        *logrus.Logger
}

// NewResolver returns a Resolver wired to peers, a ChainProvider and the
// node's identity registry (needed to re-verify signatures on any chain
// fetched from a peer).
func NewResolver(peers *peer.Registry, client *http.Client, chainProv ChainProvider, difficulty int, registry *cryptoutil.Registry, log *logrus.Logger) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{peers: peers, client: client, chainProv: chainProv, difficulty: difficulty, registry: registry, log: log}
}

type chainWire struct {
	Chain []*chain.Block `json:"chain"`
}

// fetchChain retrieves a peer's full chain via GET /chain.
func (r *Resolver) fetchChain(ctx context.Context, peerURL string) ([]*chain.Block, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL+"/chain", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var wire chainWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode chain from %s: %w", peerURL, err)
	}
	return wire.Chain, nil
}

// Resolve implements the longest-valid-chain rule: every healthy peer's
// chain is fetched and validated; the longest one that is strictly
// longer than the local chain and fully valid replaces it. Ties keep the
// local chain (spec §9 design-note decision).
func (r *Resolver) Resolve(ctx context.Context) error {
	local := r.chainProv.LocalChain()
	best := local

	for _, peerURL := range r.peers.Healthy() {
		candidate, err := r.fetchChain(ctx, peerURL)
		if err != nil {
			r.log.WithError(err).WithField("peer", peerURL).Warn("failed to fetch chain for resolution")
			continue
		}
		if len(candidate) <= len(best) {
			continue
		}
		if verr := chain.Validate(candidate, r.difficulty, r.registry, ledgerstate.ChainValidator{}); verr != nil {
			r.log.WithError(verr).WithField("peer", peerURL).Warn("rejected invalid candidate chain")
			continue
		}
		best = candidate
	}

	if len(best) <= len(local) {
		return nil // local chain already longest (or tied): nothing to do
	}
	if _, err := r.chainProv.ApplyChain(best); err != nil {
		return err
	}
	return nil
}

// ReceiveBlock handles an inbound gossiped block (spec §6 POST
// /receive-block). If it legally extends the local tip, it is appended
// directly; otherwise a full Resolve is triggered to reconcile a
// potential fork.
func (r *Resolver) ReceiveBlock(ctx context.Context, b *chain.Block) error {
	if _, err := r.chainProv.ExtendTip(b); err == nil {
		return nil
	}
	return r.Resolve(ctx)
}

// Broadcast gossips a newly sealed block to every healthy peer via POST
// /receive-block. Failures are logged and otherwise ignored: gossip is
// best-effort, and Resolve will reconcile any peer that misses it.
func (r *Resolver) Broadcast(ctx context.Context, b *chain.Block) {
	raw, err := json.Marshal(b)
	if err != nil {
		r.log.WithError(err).Error("failed to marshal block for broadcast")
		return
	}
	for _, peerURL := range r.peers.Healthy() {
		go func(url string) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/receive-block", bytes.NewReader(raw))
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := r.client.Do(req)
			if err != nil {
				r.log.WithError(err).WithField("peer", url).Warn("failed to broadcast block")
				return
			}
			resp.Body.Close()
		}(peerURL)
	}
}

// ErrNoUsableChain is returned by AutoHeal when no healthy peer offered a
// valid chain to heal from. The caller must keep the node's existing
// (invalid) chain in memory, report it as such, and refuse writes rather
// than inventing a fresh genesis chain out from under a corrupted history
// (spec §4.6).
var ErrNoUsableChain = apperr.New(apperr.ChainInvalid, "no peer offered a usable chain to heal from")

// AutoHeal is invoked when local chain validation fails (e.g. detected
// file corruption on startup, or a failed periodic self-check). It adopts
// the best valid chain any healthy peer can offer. If no peer has a
// usable chain, it returns ErrNoUsableChain: the local chain remains
// invalid and the caller must not serve writes until a later heal
// succeeds.
func (r *Resolver) AutoHeal(ctx context.Context) (*ledgerstate.Machine, []*chain.Block, error) {
	var best []*chain.Block
	for _, peerURL := range r.peers.Healthy() {
		candidate, err := r.fetchChain(ctx, peerURL)
		if err != nil {
			r.log.WithError(err).WithField("peer", peerURL).Warn("auto-heal: failed to fetch chain")
			continue
		}
		if verr := chain.Validate(candidate, r.difficulty, r.registry, ledgerstate.ChainValidator{}); verr != nil {
			r.log.WithError(verr).WithField("peer", peerURL).Warn("auto-heal: rejected invalid candidate chain")
			continue
		}
		if len(candidate) > len(best) {
			best = candidate
		}
	}
	if best == nil {
		return nil, nil, ErrNoUsableChain
	}
	machine, err := ledgerstate.BuildFromChain(best)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.ChainInvalid, "rebuild ledger state during auto-heal", err)
	}
	return machine, best, nil
}
