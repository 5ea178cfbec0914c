// Package chain defines the wire-format Transaction and Block types, the
// block-hashing and proof-of-work rules of spec §4.2, and signature
// verification of spec §4.1. Semantic (per-batch action ordering)
// validation lives in internal/ledgerstate and is plugged in here through
// the SemanticChecker interface to avoid an import cycle.
package chain

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"

	"github.com/tracechain/ledger-node/internal/apperr"
	"github.com/tracechain/ledger-node/internal/cryptoutil"
)

// Action enumerates the eight supply-chain action kinds a Transaction may
// carry (spec §3).
type Action string

const (
	ActionRegistered     Action = "registered"
	ActionQualityChecked Action = "quality_checked"
	ActionShipped        Action = "shipped"
	ActionReceived       Action = "received"
	ActionStored         Action = "stored"
	ActionDelivered      Action = "delivered"
	ActionReceivedRetail Action = "received_retail"
	ActionSold           Action = "sold"
)

var validActions = map[Action]bool{
	ActionRegistered:     true,
	ActionQualityChecked: true,
	ActionShipped:        true,
	ActionReceived:       true,
	ActionStored:         true,
	ActionDelivered:      true,
	ActionReceivedRetail: true,
	ActionSold:           true,
}

// Valid reports whether a is one of the eight known action kinds.
func (a Action) Valid() bool { return validActions[a] }

// Transaction is the signed supply-chain event described in spec §3.
// Metadata may carry a "result" string ("passed" or "failed") and an
// "inspector" actor id for quality_checked transactions (spec §4.3's
// failed-quality-check edge case).
type Transaction struct {
	BatchID   string                 `json:"batch_id"`
	Action    Action                 `json:"action"`
	Actor     string                 `json:"actor"`
	Timestamp string                 `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Signature string                 `json:"signature,omitempty"`
	PublicKey string                 `json:"public_key,omitempty"`
}

// Key identifies a Transaction for duplicate-detection purposes: the
// tuple (batch_id, action, actor, timestamp) named in spec §3/§4.3.
type Key struct {
	BatchID   string
	Action    Action
	Actor     string
	Timestamp string
}

// Key returns tx's duplicate-detection key.
func (tx *Transaction) Key() Key {
	return Key{BatchID: tx.BatchID, Action: tx.Action, Actor: tx.Actor, Timestamp: tx.Timestamp}
}

// signedFields returns the subset of fields the signature covers: every
// field except signature and public_key (spec §3). Metadata is normalized
// to an empty object rather than nil so the canonical encoding is stable
// regardless of whether the caller populated it.
func (tx *Transaction) signedFields() map[string]interface{} {
	meta := tx.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return map[string]interface{}{
		"batch_id":  tx.BatchID,
		"action":    tx.Action,
		"actor":     tx.Actor,
		"timestamp": tx.Timestamp,
		"metadata":  meta,
	}
}

// CanonicalPayload returns the canonical JSON bytes that are signed and
// verified (spec §4.1).
func (tx *Transaction) CanonicalPayload() ([]byte, error) {
	raw, err := json.Marshal(tx.signedFields())
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "marshal transaction fields", err)
	}
	return cryptoutil.Canonicalize(raw)
}

// VerifySignature checks tx's signature and, when registry is non-nil,
// the identity binding between tx.Actor and the registered public key for
// that actor (spec §4.1, §4.3 admission step 3).
func (tx *Transaction) VerifySignature(registry *cryptoutil.Registry) error {
	if tx.Signature == "" || tx.PublicKey == "" {
		return apperr.New(apperr.InvalidSignature, "transaction is unsigned")
	}
	pub, err := cryptoutil.DecodePublicKeyPEM(tx.PublicKey)
	if err != nil {
		return err
	}
	if registry != nil && !registry.MatchesRegistered(tx.Actor, pub) {
		return apperr.New(apperr.InvalidSignature, "public key does not match registered identity for actor "+tx.Actor)
	}
	payload, err := tx.CanonicalPayload()
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(tx.Signature)
	if err != nil {
		return apperr.Wrap(apperr.InvalidSignature, "decode signature base64", err)
	}
	return cryptoutil.Verify(pub, payload, sig)
}

// Sign signs tx in place using priv, setting Signature and PublicKey.
func (tx *Transaction) Sign(priv *rsa.PrivateKey) error {
	payload, err := tx.CanonicalPayload()
	if err != nil {
		return err
	}
	sig, err := cryptoutil.Sign(priv, payload)
	if err != nil {
		return err
	}
	pubPEM, err := cryptoutil.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return err
	}
	tx.Signature = base64.StdEncoding.EncodeToString(sig)
	tx.PublicKey = pubPEM
	return nil
}
