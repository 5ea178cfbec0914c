// Package peer implements the node's flat HTTP peer registry of spec
// §4.5: a JSON-over-HTTP address book, not a P2P mesh. Peers join via
// POST /register-node, are listed via GET /nodes, and are health-probed
// via GET /status.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Info is a peer's registry entry.
type Info struct {
	URL      string    `json:"url"`
	Healthy  bool      `json:"healthy"`
	Misses   int       `json:"misses"`
	LastSeen time.Time `json:"last_seen"`
}

// Registry is the node's mutex-guarded peer address book.
type Registry struct {
	mu     sync.RWMutex
	self   string
	client *http.Client
	peers  map[string]*Info
	log    *logrus.Logger
}

// NewRegistry returns a Registry for a node whose own externally
// reachable URL is self; self is never added to its own peer list.
func NewRegistry(self string, client *http.Client, log *logrus.Logger) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{self: self, client: client, peers: make(map[string]*Info), log: log}
}

// Add registers url as a known peer, reporting true if it was new.
func (r *Registry) Add(url string) bool {
	if url == "" || url == r.self {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[url]; ok {
		return false
	}
	r.peers[url] = &Info{URL: url, Healthy: true, LastSeen: time.Now()}
	return true
}

// Remove drops url from the registry.
func (r *Registry) Remove(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, url)
}

// List returns every known peer URL, healthy or not (spec §6 GET /nodes).
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for url := range r.peers {
		out = append(out, url)
	}
	return out
}

// Healthy returns only the URLs of peers currently considered healthy.
func (r *Registry) Healthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for url, info := range r.peers {
		if info.Healthy {
			out = append(out, url)
		}
	}
	return out
}

// Snapshot returns a copy of every peer's current Info.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.peers))
	for _, info := range r.peers {
		out = append(out, *info)
	}
	return out
}

type registerRequest struct {
	URL string `json:"url"`
}

type nodesResponse struct {
	Nodes []string `json:"nodes"`
}

// Bootstrap joins the network through bootstrapURL: it registers self
// with bootstrapURL, fetches bootstrapURL's known peers, and recursively
// registers with every newly discovered peer so the flat registry
// converges towards a full mesh (spec §4.5).
func (r *Registry) Bootstrap(ctx context.Context, bootstrapURL string) error {
	if bootstrapURL == "" {
		return nil
	}
	visited := map[string]bool{r.self: true}
	return r.joinRecursive(ctx, bootstrapURL, visited)
}

func (r *Registry) joinRecursive(ctx context.Context, url string, visited map[string]bool) error {
	if visited[url] {
		return nil
	}
	visited[url] = true

	if err := r.registerWith(ctx, url); err != nil {
		return err
	}
	r.Add(url)

	peers, err := r.fetchNodes(ctx, url)
	if err != nil {
		r.log.WithError(err).WithField("peer", url).Warn("failed to fetch peer list during bootstrap")
		return nil
	}
	for _, p := range peers {
		if visited[p] {
			continue
		}
		if err := r.joinRecursive(ctx, p, visited); err != nil {
			r.log.WithError(err).WithField("peer", p).Warn("failed to join discovered peer")
		}
	}
	return nil
}

func (r *Registry) registerWith(ctx context.Context, url string) error {
	body, err := json.Marshal(registerRequest{URL: r.self})
	if err != nil {
		return fmt.Errorf("marshal register-node request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/register-node", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build register-node request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("register with %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("register with %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

func (r *Registry) fetchNodes(ctx context.Context, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/nodes", nil)
	if err != nil {
		return nil, fmt.Errorf("build nodes request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch nodes from %s: %w", url, err)
	}
	defer resp.Body.Close()
	var parsed nodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode nodes response from %s: %w", url, err)
	}
	return parsed.Nodes, nil
}

// ProbeAll issues a GET /status against every known peer and updates its
// health state: a successful response resets Misses to 0 and marks the
// peer healthy, a single failed probe marks it unhealthy immediately
// (spec §7: "a node is marked unhealthy after one failed probe, healthy
// again on success").
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	urls := make([]string, 0, len(r.peers))
	for url := range r.peers {
		urls = append(urls, url)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r.probeOne(ctx, url)
		}(url)
	}
	wg.Wait()
}

func (r *Registry) probeOne(ctx context.Context, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/status", nil)
	ok := err == nil
	if ok {
		resp, doErr := r.client.Do(req)
		if doErr != nil || resp.StatusCode >= 300 {
			ok = false
		}
		if resp != nil {
			resp.Body.Close()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	info, known := r.peers[url]
	if !known {
		return
	}
	if ok {
		info.Misses = 0
		info.Healthy = true
		info.LastSeen = time.Now()
		return
	}
	info.Misses++
	info.Healthy = false
}
