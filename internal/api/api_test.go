package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tracechain/ledger-node/internal/apperr"
	"github.com/tracechain/ledger-node/internal/chain"
)

type fakeNode struct {
	addErr       error
	mineBlock    *chain.Block
	mineErr      error
	chainInfo    ChainInfo
	mempool      []*chain.Transaction
	status       StatusInfo
	peers        []string
	registerErr  error
	receiveOut   ReceiveOutcome
	receiveErr   error
	syncSynced   bool
	syncLen      int
	syncErr      error
	history      []*chain.Transaction
	verified     bool
	verifyEvents []*chain.Transaction
	verifyMsg    string

	lastAdded        *chain.Transaction
	lastRegisteredURL string
}

func (f *fakeNode) AddTransaction(tx *chain.Transaction) error {
	f.lastAdded = tx
	return f.addErr
}
func (f *fakeNode) Mine(ctx context.Context) (*chain.Block, error) { return f.mineBlock, f.mineErr }
func (f *fakeNode) Chain() ChainInfo                                { return f.chainInfo }
func (f *fakeNode) Mempool() []*chain.Transaction                   { return f.mempool }
func (f *fakeNode) Status() StatusInfo                              { return f.status }
func (f *fakeNode) Peers() []string                                 { return f.peers }
func (f *fakeNode) RegisterPeer(url string) error {
	f.lastRegisteredURL = url
	return f.registerErr
}
func (f *fakeNode) ReceiveBlock(ctx context.Context, b *chain.Block) (ReceiveOutcome, error) {
	return f.receiveOut, f.receiveErr
}
func (f *fakeNode) Sync(ctx context.Context) (bool, int, error) { return f.syncSynced, f.syncLen, f.syncErr }
func (f *fakeNode) History(batchID string) []*chain.Transaction { return f.history }
func (f *fakeNode) Verify(batchID string) (bool, []*chain.Transaction, string) {
	return f.verified, f.verifyEvents, f.verifyMsg
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestAddTransactionAccepts(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	body, _ := json.Marshal(chain.Transaction{BatchID: "b1", Action: chain.ActionRegistered, Actor: "supplier-a"})
	resp, err := http.Post(srv.URL+"/add-transaction", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]bool
	decodeBody(t, resp, &out)
	if !out["accepted"] {
		t.Fatal("expected accepted=true")
	}
	if node.lastAdded == nil || node.lastAdded.BatchID != "b1" {
		t.Fatal("expected transaction to reach the node")
	}
}

func TestAddTransactionMapsErrorKindToStatus(t *testing.T) {
	node := &fakeNode{addErr: apperr.New(apperr.InvalidSignature, "bad sig")}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/add-transaction", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for InvalidSignature, got %d", resp.StatusCode)
	}
}

func TestMineReturnsNoContentWhenMempoolEmpty(t *testing.T) {
	node := &fakeNode{mineErr: ErrMempoolEmpty}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mine", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestMineReturnsIndexOnSuccess(t *testing.T) {
	node := &fakeNode{mineBlock: &chain.Block{Index: 3}}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/mine", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]interface{}
	decodeBody(t, resp, &out)
	if out["index"].(float64) != 3 {
		t.Fatalf("expected index 3, got %v", out["index"])
	}
}

func TestChainReportsLengthAndValidity(t *testing.T) {
	genesis, _ := chain.Genesis()
	node := &fakeNode{chainInfo: ChainInfo{Blocks: []*chain.Block{genesis}, Valid: true, Message: "ok"}}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/chain")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var out map[string]interface{}
	decodeBody(t, resp, &out)
	if out["length"].(float64) != 1 || out["valid"].(bool) != true {
		t.Fatalf("unexpected chain response: %+v", out)
	}
}

func TestStatusReportsFields(t *testing.T) {
	node := &fakeNode{status: StatusInfo{ChainLength: 5, ChainValid: true, Peers: 2, MempoolSize: 1, Difficulty: 2}}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var out map[string]interface{}
	decodeBody(t, resp, &out)
	if out["chain_length"].(float64) != 5 || out["peers"].(float64) != 2 {
		t.Fatalf("unexpected status response: %+v", out)
	}
}

func TestRegisterNodeDelegatesToNode(t *testing.T) {
	node := &fakeNode{}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	body, _ := json.Marshal(registerNodeRequest{URL: "http://peer:6000"})
	resp, err := http.Post(srv.URL+"/register-node", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if node.lastRegisteredURL != "http://peer:6000" {
		t.Fatalf("expected registry to receive the URL, got %q", node.lastRegisteredURL)
	}
}

func TestReceiveBlockReportsConflictOnFork(t *testing.T) {
	node := &fakeNode{receiveOut: ReceiveConflict}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	body, _ := json.Marshal(chain.Block{Index: 1})
	resp, err := http.Post(srv.URL+"/receive-block", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestSyncReportsNewLength(t *testing.T) {
	node := &fakeNode{syncSynced: true, syncLen: 4}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sync", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	var out map[string]interface{}
	decodeBody(t, resp, &out)
	if out["synced"].(bool) != true || out["new_length"].(float64) != 4 {
		t.Fatalf("unexpected sync response: %+v", out)
	}
}

func TestHistoryReturnsBatchIDFromPath(t *testing.T) {
	tx := &chain.Transaction{BatchID: "batch-9", Action: chain.ActionRegistered}
	node := &fakeNode{history: []*chain.Transaction{tx}}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/history/batch-9")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var out map[string]interface{}
	decodeBody(t, resp, &out)
	if out["batch_id"] != "batch-9" || out["transaction_count"].(float64) != 1 {
		t.Fatalf("unexpected history response: %+v", out)
	}
}

func TestVerifyReturnsVerdict(t *testing.T) {
	node := &fakeNode{verified: true, verifyMsg: "all clear"}
	srv := httptest.NewServer(NewServer(node, nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/verify/batch-9")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var out map[string]interface{}
	decodeBody(t, resp, &out)
	if out["verified"].(bool) != true || out["message"] != "all clear" {
		t.Fatalf("unexpected verify response: %+v", out)
	}
}
