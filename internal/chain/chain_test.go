package chain

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/tracechain/ledger-node/internal/cryptoutil"
)

func signedTx(t *testing.T, priv *rsa.PrivateKey, actor string, action Action, ts string) *Transaction {
	t.Helper()
	tx := &Transaction{BatchID: "batch-1", Action: action, Actor: actor, Timestamp: ts}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return tx
}

func mineBlock(t *testing.T, prev *Block, txs []*Transaction, difficulty int) *Block {
	t.Helper()
	b := &Block{
		Index:        prev.Index + 1,
		Timestamp:    "2026-01-01T00:00:00.000000Z",
		Transactions: txs,
		PreviousHash: prev.Hash,
	}
	for nonce := uint64(0); ; nonce++ {
		b.Nonce = nonce
		h, err := b.ComputeHash()
		if err != nil {
			t.Fatalf("ComputeHash failed: %v", err)
		}
		if MeetsDifficulty(h, difficulty) {
			b.Hash = h
			return b
		}
	}
}

func TestGenesisIsDeterministic(t *testing.T) {
	a, err := Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	b, err := Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	if a.Hash != b.Hash {
		t.Fatalf("genesis hash is not deterministic: %s != %s", a.Hash, b.Hash)
	}
}

func TestValidateAcceptsWellFormedChain(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	registry := cryptoutil.NewRegistry()
	registry.Register("supplier-a", &priv.PublicKey)

	genesis, err := Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	tx := signedTx(t, priv, "supplier-a", ActionRegistered, "2026-01-01T00:00:01.000000Z")
	b1 := mineBlock(t, genesis, []*Transaction{tx}, 1)

	if err := Validate([]*Block{genesis, b1}, 1, registry, nil); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}
}

func TestValidateDetectsHashMismatch(t *testing.T) {
	genesis, err := Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	b1 := mineBlock(t, genesis, nil, 0)
	b1.Nonce++ // invalidates the stored hash without recomputing it

	err = Validate([]*Block{genesis, b1}, 0, nil, nil)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if err.Kind != KindHashMismatch {
		t.Fatalf("expected hash-mismatch, got %s", err.Kind)
	}
}

func TestValidateDetectsLinkBreak(t *testing.T) {
	genesis, err := Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	b1 := mineBlock(t, genesis, nil, 0)
	b1.PreviousHash = "deadbeef"
	h, err := b1.ComputeHash()
	if err != nil {
		t.Fatalf("ComputeHash failed: %v", err)
	}
	b1.Hash = h

	err = Validate([]*Block{genesis, b1}, 0, nil, nil)
	if err == nil || err.Kind != KindLinkBreak {
		t.Fatalf("expected link-break, got %v", err)
	}
}

func TestValidateDetectsBadSignature(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	registry := cryptoutil.NewRegistry()
	registry.Register("supplier-a", &priv.PublicKey)

	genesis, err := Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	tx := signedTx(t, other, "supplier-a", ActionRegistered, "2026-01-01T00:00:01.000000Z")
	b1 := mineBlock(t, genesis, []*Transaction{tx}, 0)

	err = Validate([]*Block{genesis, b1}, 0, registry, nil)
	if err == nil || err.Kind != KindBadSignature {
		t.Fatalf("expected bad-signature, got %v", err)
	}
}

func TestMeetsDifficulty(t *testing.T) {
	if !MeetsDifficulty("00abc", 2) {
		t.Fatal("expected hash with 2 leading zeros to satisfy difficulty 2")
	}
	if MeetsDifficulty("0abc", 2) {
		t.Fatal("expected hash with 1 leading zero to fail difficulty 2")
	}
	if !MeetsDifficulty("ffff", 0) {
		t.Fatal("expected difficulty 0 to always be satisfied")
	}
}

func TestTransactionKeyIdentifiesDuplicate(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	a := signedTx(t, priv, "supplier-a", ActionRegistered, "2026-01-01T00:00:01.000000Z")
	b := signedTx(t, priv, "supplier-a", ActionRegistered, "2026-01-01T00:00:01.000000Z")
	if a.Key() != b.Key() {
		t.Fatal("expected identical (batch_id, action, actor, timestamp) to produce equal keys")
	}
}
