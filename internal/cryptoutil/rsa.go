package cryptoutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tracechain/ledger-node/internal/apperr"
)

// KeyStore loads actor RSA keys from a directory using the
// "<actor>_private.pem" / "<actor>_public.pem" naming convention named in
// spec §4.1's Open Question resolution on key distribution.
type KeyStore struct {
	Dir string
}

func NewKeyStore(dir string) *KeyStore { return &KeyStore{Dir: dir} }

// PrivateKey loads the RSA private key for actor.
func (ks *KeyStore) PrivateKey(actor string) (*rsa.PrivateKey, error) {
	path := filepath.Join(ks.Dir, actor+"_private.pem")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.UnknownActor, fmt.Sprintf("no private key for actor %q", actor), err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, apperr.New(apperr.UnknownActor, fmt.Sprintf("invalid PEM for actor %q", actor))
	}
	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.UnknownActor, fmt.Sprintf("invalid private key for actor %q", actor), err)
	}
	return key, nil
}

// PublicKey loads the RSA public key for actor.
func (ks *KeyStore) PublicKey(actor string) (*rsa.PublicKey, error) {
	path := filepath.Join(ks.Dir, actor+"_public.pem")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.UnknownActor, fmt.Sprintf("no public key for actor %q", actor), err)
	}
	return parsePublicPEM(raw)
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rk, nil
}

func parsePublicPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM block")
	}
	return parseRSAPublicKey(block.Bytes)
}

func parseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key, nil
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rk, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rk, nil
}

// Sign signs payload with priv: RSA-2048 PKCS#1v1.5 over SHA-256 (spec §4.1).
func Sign(priv *rsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "sign payload", err)
	}
	return sig, nil
}

// Verify checks sig over payload using pub.
func Verify(pub *rsa.PublicKey, payload, sig []byte) error {
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return apperr.Wrap(apperr.InvalidSignature, "signature verification failed", err)
	}
	return nil
}

// EncodePublicKeyPEM base64-encodes pub's PKIX PEM block for embedding in
// a transaction's public_key field (spec §3).
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return base64.StdEncoding.EncodeToString(pem.EncodeToMemory(block)), nil
}

// DecodePublicKeyPEM parses a transaction's base64 PEM public_key field.
func DecodePublicKeyPEM(b64 string) (*rsa.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidSignature, "decode public key base64", err)
	}
	return parsePublicPEM(raw)
}
