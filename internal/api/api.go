// Package api implements the node's JSON-over-HTTP surface (spec §6):
// transaction submission, mining, chain and mempool inspection, peer
// registration and gossip, sync, and per-batch history/provenance
// lookups. Routing and middleware are grounded on
// walletserver/routes/routes.go and walletserver/middleware/logger.go,
// re-expressed with go-chi/chi/v5 instead of gorilla/mux (the pack's
// lighter, context-based alternative that the teacher's own go.mod lists
// among its HTTP dependencies) and with a request-id middleware added
// for observability.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tracechain/ledger-node/internal/apperr"
	"github.com/tracechain/ledger-node/internal/chain"
	"github.com/tracechain/ledger-node/internal/metrics"
)

// ErrMempoolEmpty is returned by Node.Mine when there is nothing to mine
// (spec §6 POST /mine: 204 empty mempool).
var ErrMempoolEmpty = errors.New("mempool is empty")

// ReceiveOutcome is the result of handing an inbound gossiped block to
// the node (spec §6 POST /receive-block).
type ReceiveOutcome int

const (
	// ReceiveAppended means the block legally extended the local tip.
	ReceiveAppended ReceiveOutcome = iota
	// ReceiveConflict means the block did not extend the tip cleanly and
	// a background chain resolution was triggered.
	ReceiveConflict
)

// StatusInfo is the payload of GET /status.
type StatusInfo struct {
	ChainLength       uint64
	ChainValid        bool
	ValidationMessage string
	Peers             int
	MempoolSize       int
	Difficulty        int
}

// ChainInfo is the payload of GET /chain.
type ChainInfo struct {
	Blocks  []*chain.Block
	Valid   bool
	Message string
}

// Node is the orchestration surface internal/node provides to the HTTP
// layer. Depending on an interface here, rather than internal/node's
// concrete type, keeps this package testable without a full node.
type Node interface {
	AddTransaction(tx *chain.Transaction) error
	Mine(ctx context.Context) (*chain.Block, error)
	Chain() ChainInfo
	Mempool() []*chain.Transaction
	Status() StatusInfo
	Peers() []string
	RegisterPeer(url string) error
	ReceiveBlock(ctx context.Context, b *chain.Block) (ReceiveOutcome, error)
	Sync(ctx context.Context) (synced bool, newLength int, err error)
	History(batchID string) []*chain.Transaction
	Verify(batchID string) (verified bool, events []*chain.Transaction, message string)
}

// Server wires a Node and a metrics.Collector into a chi router.
type Server struct {
	node    Node
	metrics *metrics.Collector
	log     *logrus.Logger
	router  chi.Router
}

// NewServer builds the router and registers every route. metricsCollector
// may be nil to omit GET /metrics entirely.
func NewServer(node Node, metricsCollector *metrics.Collector, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{node: node, metrics: metricsCollector, log: log}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logger)
	r.Use(middleware.Recoverer)

	r.Post("/add-transaction", s.handleAddTransaction)
	r.Post("/mine", s.handleMine)
	r.Get("/chain", s.handleChain)
	r.Get("/mempool", s.handleMempool)
	r.Get("/status", s.handleStatus)
	r.Get("/nodes", s.handleNodes)
	r.Post("/register-node", s.handleRegisterNode)
	r.Post("/receive-block", s.handleReceiveBlock)
	r.Post("/sync", s.handleSync)
	r.Get("/history/{batch_id}", s.handleHistory)
	r.Get("/verify/{batch_id}", s.handleVerify)
	if metricsCollector != nil {
		r.Handle("/metrics", metricsCollector.Handler())
	}

	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type requestIDKey struct{}

// requestID stamps every request with a UUID, mirroring
// walletserver/middleware/logger.go's role but adding a propagated
// identifier the teacher's simple timing log did not carry.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logger logs method, path, status, duration and request id for every
// request, generalizing walletserver/middleware/logger.go's
// timing-only log line with chi's status-capturing response writer.
func (s *Server) logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": r.Context().Value(requestIDKey{}),
		}).Info("handled request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForKind maps an apperr.Kind to its HTTP status (spec §7):
// admission kinds are the client's fault, consensus/persistence kinds
// are the server's.
func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.BadRequest, apperr.InvalidOrder:
		return http.StatusBadRequest
	case apperr.InvalidSignature:
		return http.StatusUnauthorized
	case apperr.UnknownActor:
		return http.StatusUnauthorized
	case apperr.DuplicateTransaction:
		return http.StatusConflict
	case apperr.ChainInvalid, apperr.PersistenceError:
		return http.StatusInternalServerError
	case apperr.NoHealthyPeers:
		return http.StatusServiceUnavailable
	case apperr.Timeout, apperr.MiningCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body using its apperr.Kind to
// pick the status code, logging it with the request's method/path/kind
// as structured fields (spec §7).
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.Kind("internal")
	status := http.StatusInternalServerError
	message := err.Error()
	if appErr, ok := apperr.As(err); ok {
		kind = appErr.Kind
		status = statusForKind(kind)
		message = appErr.Message
	}
	s.log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"kind":   string(kind),
	}).Warn(message)
	if s.metrics != nil && r.URL.Path == "/add-transaction" {
		s.metrics.IncTransactionRejected(string(kind))
	}
	writeJSON(w, status, map[string]string{"error": message, "kind": string(kind)})
}

func (s *Server) handleAddTransaction(w http.ResponseWriter, r *http.Request) {
	var tx chain.Transaction
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&tx); err != nil {
		s.respondError(w, r, apperr.Wrap(apperr.BadRequest, "invalid transaction JSON", err))
		return
	}
	if err := s.node.AddTransaction(&tx); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	b, err := s.node.Mine(r.Context())
	if err != nil {
		if errors.Is(err, ErrMempoolEmpty) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mined": true, "index": b.Index})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	info := s.node.Chain()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain":   info.Blocks,
		"length":  len(info.Blocks),
		"valid":   info.Valid,
		"message": info.Message,
	})
}

func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	txs := s.node.Mempool()
	writeJSON(w, http.StatusOK, map[string]interface{}{"mempool": txs, "count": len(txs)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain_length":       st.ChainLength,
		"chain_valid":        st.ChainValid,
		"validation_message": st.ValidationMessage,
		"peers":              st.Peers,
		"mempool_size":       st.MempoolSize,
		"difficulty":         st.Difficulty,
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.node.Peers()
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "count": len(nodes)})
}

type registerNodeRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, apperr.Wrap(apperr.BadRequest, "invalid register-node JSON", err))
		return
	}
	if err := s.node.RegisterPeer(req.URL); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

func (s *Server) handleReceiveBlock(w http.ResponseWriter, r *http.Request) {
	var b chain.Block
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		s.respondError(w, r, apperr.Wrap(apperr.BadRequest, "invalid block JSON", err))
		return
	}
	outcome, err := s.node.ReceiveBlock(r.Context(), &b)
	if err != nil {
		s.respondError(w, r, apperr.Wrap(apperr.BadRequest, "block rejected", err))
		return
	}
	switch outcome {
	case ReceiveConflict:
		writeJSON(w, http.StatusConflict, map[string]bool{"conflict": true, "resolving": true})
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"appended": true})
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	synced, newLength, err := s.node.Sync(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"synced": synced, "new_length": newLength})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	history := s.node.History(batchID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id":          batchID,
		"history":           history,
		"transaction_count": len(history),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	verified, events, message := s.node.Verify(batchID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": batchID,
		"verified": verified,
		"events":   events,
		"message":  message,
	})
}
