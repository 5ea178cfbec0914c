package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tracechain/ledger-node/internal/chain"
)

func testBlock(t *testing.T, index uint64, prevHash string) *chain.Block {
	t.Helper()
	b := &chain.Block{Index: index, Timestamp: "2026-01-01T00:00:00.000000Z", Transactions: []*chain.Transaction{}, PreviousHash: prevHash}
	h, err := b.ComputeHash()
	if err != nil {
		t.Fatalf("ComputeHash failed: %v", err)
	}
	b.Hash = h
	return b
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockchain_5000.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	genesis, err := chain.Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	b1 := testBlock(t, 1, genesis.Hash)
	if err := s.AppendBlock(genesis); err != nil {
		t.Fatalf("AppendBlock failed: %v", err)
	}
	if err := s.AppendBlock(b1); err != nil {
		t.Fatalf("AppendBlock failed: %v", err)
	}
	if err := s.AppendPeer("http://localhost:5001"); err != nil {
		t.Fatalf("AppendPeer failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Corrupted {
		t.Fatal("expected clean load")
	}
	if len(loaded.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(loaded.Blocks))
	}
	if len(loaded.PeerURLs) != 1 || loaded.PeerURLs[0] != "http://localhost:5001" {
		t.Fatalf("unexpected peer URLs: %v", loaded.PeerURLs)
	}
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "does-not-exist.db"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Corrupted || len(loaded.Blocks) != 0 || len(loaded.PeerURLs) != 0 {
		t.Fatalf("expected empty, uncorrupted result, got %+v", loaded)
	}
}

func TestLoadDetectsTornTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockchain_5001.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	genesis, err := chain.Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	if err := s.AppendBlock(genesis); err != nil {
		t.Fatalf("AppendBlock failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := f.WriteString(`{"type":"block","block":{"index":1,`); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.Corrupted {
		t.Fatal("expected torn trailing record to be detected as corruption")
	}
	if len(loaded.Blocks) != 1 {
		t.Fatalf("expected the one good record to still be replayed, got %d", len(loaded.Blocks))
	}
}

func TestRewriteReplacesFileContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockchain_5002.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	genesis, err := chain.Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	if err := s.Rewrite([]*chain.Block{genesis}, []string{"http://localhost:5003"}); err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Corrupted || len(loaded.Blocks) != 1 || len(loaded.PeerURLs) != 1 {
		t.Fatalf("unexpected rewrite result: %+v", loaded)
	}
}

// TestAppendAfterRewriteSurvivesReopen guards against a handle left
// pointing at the inode Rewrite just unlinked: a block appended after a
// Rewrite must still be there once the store is closed and the file is
// loaded fresh, simulating a process restart.
func TestAppendAfterRewriteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockchain_5004.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	genesis, err := chain.Genesis()
	if err != nil {
		t.Fatalf("Genesis failed: %v", err)
	}
	if err := s.Rewrite([]*chain.Block{genesis}, nil); err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}

	b1 := testBlock(t, 1, genesis.Hash)
	if err := s.AppendBlock(b1); err != nil {
		t.Fatalf("AppendBlock failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Corrupted {
		t.Fatal("expected clean reload")
	}
	if len(loaded.Blocks) != 2 {
		t.Fatalf("expected both the rewritten genesis and the appended block to survive, got %d", len(loaded.Blocks))
	}
}
