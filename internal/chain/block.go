package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tracechain/ledger-node/internal/apperr"
	"github.com/tracechain/ledger-node/internal/cryptoutil"
)

// Block is the sealed unit of the chain described in spec §3/§4.2.
type Block struct {
	Index        uint64         `json:"index"`
	Timestamp    string         `json:"timestamp"`
	Transactions []*Transaction `json:"transactions"`
	PreviousHash string         `json:"previous_hash"`
	Nonce        uint64         `json:"nonce"`
	Hash         string         `json:"hash"`
}

// GenesisTimestamp is the fixed timestamp embedded in the genesis block so
// every node derives the identical genesis hash regardless of wall clock
// (spec §3 invariant 1).
const GenesisTimestamp = "1970-01-01T00:00:00.000000Z"

// Genesis returns the canonical genesis block: index 0, no transactions,
// previous_hash "0". It carries no proof-of-work of its own; invariant 2
// of spec §3 only requires difficulty for i > 0.
func Genesis() (*Block, error) {
	b := &Block{
		Index:        0,
		Timestamp:    GenesisTimestamp,
		Transactions: []*Transaction{},
		PreviousHash: "0",
		Nonce:        0,
	}
	h, err := b.ComputeHash()
	if err != nil {
		return nil, err
	}
	b.Hash = h
	return b, nil
}

// hashFields returns the block fields covered by Hash: everything except
// the hash itself (spec §4.2).
func (b *Block) hashFields() map[string]interface{} {
	return map[string]interface{}{
		"index":         b.Index,
		"timestamp":     b.Timestamp,
		"transactions":  b.Transactions,
		"previous_hash": b.PreviousHash,
		"nonce":         b.Nonce,
	}
}

// ComputeHash returns SHA-256(canonical(hashFields())) hex-encoded (spec
// §4.2): the value every node must independently recompute and agree on.
func (b *Block) ComputeHash() (string, error) {
	raw, err := json.Marshal(b.hashFields())
	if err != nil {
		return "", apperr.Wrap(apperr.BadRequest, "marshal block fields", err)
	}
	canon, err := cryptoutil.Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// MeetsDifficulty reports whether hash has at least d leading hex zero
// characters (spec §4.2).
func MeetsDifficulty(hash string, d int) bool {
	if d <= 0 {
		return true
	}
	if len(hash) < d {
		return false
	}
	for i := 0; i < d; i++ {
		if hash[i] != '0' {
			return false
		}
	}
	return true
}
