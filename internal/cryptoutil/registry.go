package cryptoutil

import (
	"crypto/rsa"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry binds actor names to their registered public keys, loaded from
// the node's keys directory. A transaction's embedded public_key must
// match the actor's registered key (spec §4.1's identity-binding design
// note): a forged actor field paired with someone else's validly-signed
// payload is rejected even though the raw PKCS#1v1.5 check alone passes.
type Registry struct {
	mu  sync.RWMutex
	pub map[string]*rsa.PublicKey
}

func NewRegistry() *Registry {
	return &Registry{pub: make(map[string]*rsa.PublicKey)}
}

// LoadDir scans dir for "<actor>_public.pem" files and registers each one.
// Unreadable or malformed files are logged and skipped rather than
// failing startup, since a single bad key file shouldn't take the node
// down.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_public.pem") {
			continue
		}
		actor := strings.TrimSuffix(e.Name(), "_public.pem")
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			logrus.WithError(err).WithField("actor", actor).Warn("skipping unreadable public key")
			continue
		}
		pub, err := parsePublicPEM(raw)
		if err != nil {
			logrus.WithError(err).WithField("actor", actor).Warn("skipping invalid public key")
			continue
		}
		r.pub[actor] = pub
		logrus.WithField("actor", actor).Debug("registered actor public key")
	}
	return nil
}

// Register adds or replaces a single actor's public key.
func (r *Registry) Register(actor string, pub *rsa.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pub[actor] = pub
}

// Lookup returns the registered public key for actor, if any.
func (r *Registry) Lookup(actor string) (*rsa.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.pub[actor]
	return pub, ok
}

// MatchesRegistered reports whether embedded is byte-identical to the
// registered public key for actor. An unregistered actor never matches.
func (r *Registry) MatchesRegistered(actor string, embedded *rsa.PublicKey) bool {
	pub, ok := r.Lookup(actor)
	if !ok {
		return false
	}
	a, err1 := x509.MarshalPKIXPublicKey(pub)
	b, err2 := x509.MarshalPKIXPublicKey(embedded)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(a) == string(b)
}

// Len reports how many actors are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pub)
}
