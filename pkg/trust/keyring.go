// Package trust holds the rotating root-key trust anchor used to verify
// detached-manifest signatures: a ring of asymmetric verification keys
// that may all be valid at once. A JWS signed with any non-revoked key in
// the ring verifies, not only one made with the newest key.
package trust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// KeyVersion is one root key in the trust anchor: a stable ID, a
// creation time, and a revoked flag.
type KeyVersion struct {
	ID        string
	PublicKey interface{} // *rsa.PublicKey or *ecdsa.PublicKey
	CreatedAt time.Time
	Revoked   bool
}

// KeyRing holds every root key the agent currently trusts. A verifier
// accepts signatures made with any non-revoked key in the ring, so
// KeyRing has no single "active" key, only a revocation list. RotateKeys
// replaces the whole set, so a key absent from the newest package is no
// longer trusted.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]*KeyVersion
}

// NewKeyRing builds a ring from an initial set of trusted keys, mirroring
// the "agent ships with a baked-in root key" bootstrap case.
func NewKeyRing(initial ...*KeyVersion) *KeyRing {
	r := &KeyRing{keys: make(map[string]*KeyVersion)}
	for _, k := range initial {
		r.keys[k.ID] = k
	}
	return r
}

// RotateKeys atomically replaces the entire ring with a freshly built
// copy-on-write map. Called after a root key package (a rootKeyPackageUrl
// download or the CLI's trust bundle) is parsed.
func (r *KeyRing) RotateKeys(pkg *RootKeyPackage) {
	next := make(map[string]*KeyVersion, len(pkg.Keys))
	revoked := make(map[string]bool, len(pkg.RevokedKeyIDs))
	for _, id := range pkg.RevokedKeyIDs {
		revoked[id] = true
	}
	for _, k := range pkg.Keys {
		kv := *k
		kv.Revoked = revoked[kv.ID]
		next[kv.ID] = &kv
	}

	r.mu.Lock()
	r.keys = next
	r.mu.Unlock()
}

// Lookup returns the key version for id, if the ring knows it.
func (r *KeyRing) Lookup(id string) (*KeyVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[id]
	return k, ok
}

// Snapshot returns every key in the ring, revoked ones included, keyed by
// id, for JWS verification attempts; a caller checks Revoked itself so it
// can tell a revoked signer apart from an unknown one.
func (r *KeyRing) Snapshot() map[string]*KeyVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*KeyVersion, len(r.keys))
	for id, k := range r.keys {
		out[id] = k
	}
	return out
}

// RootKeyPackage is the parsed form of the bundle fetched from
// rootKeyPackageUrl: a set of trusted root keys plus a revocation list of
// key ids that must now be treated as SigningKeyDisabled.
type RootKeyPackage struct {
	Keys          []*KeyVersion
	RevokedKeyIDs []string
}

// rootKeyPackageWire is the on-wire JSON shape of a root key package: a
// JWKS-style key set plus an explicit revocation list.
type rootKeyPackageWire struct {
	Keys    json.RawMessage `json:"keys"`
	Revoked []string        `json:"revokedKeyIds"`
}

// ParseRootKeyPackage decodes a downloaded root-key bundle. Keys are
// accepted either as a JWK set (RFC 7517) or as an array of PEM-encoded
// X.509 public keys tagged with an explicit "kid", to accommodate trust
// bundles produced by tooling that doesn't speak JWK.
func ParseRootKeyPackage(data []byte) (*RootKeyPackage, error) {
	var wire rootKeyPackageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("trust: parse root key package: %w", err)
	}

	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(wire.Keys, &jwks); err == nil && len(jwks.Keys) > 0 {
		pkg := &RootKeyPackage{RevokedKeyIDs: wire.Revoked}
		for _, k := range jwks.Keys {
			pkg.Keys = append(pkg.Keys, &KeyVersion{
				ID:        k.KeyID,
				PublicKey: k.Key,
				CreatedAt: time.Now(),
			})
		}
		return pkg, nil
	}

	var pemKeys []struct {
		ID  string `json:"kid"`
		PEM string `json:"pem"`
	}
	if err := json.Unmarshal(wire.Keys, &pemKeys); err != nil {
		return nil, fmt.Errorf("trust: root key package keys are neither a JWKS nor PEM entries: %w", err)
	}

	pkg := &RootKeyPackage{RevokedKeyIDs: wire.Revoked}
	for _, pk := range pemKeys {
		block, _ := pem.Decode([]byte(pk.PEM))
		if block == nil {
			return nil, fmt.Errorf("trust: key %q is not valid PEM", pk.ID)
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("trust: key %q: %w", pk.ID, err)
		}
		pkg.Keys = append(pkg.Keys, &KeyVersion{ID: pk.ID, PublicKey: pub, CreatedAt: time.Now()})
	}
	return pkg, nil
}

// KeyIDForPublicKeyHash returns a stable id for a key derived purely from
// its bytes. It must be deterministic, since two devices must agree on the
// id of the same key. ParseRootKeyPackage does not call it: a key parsed
// without an explicit id keeps an empty id.
func KeyIDForPublicKeyHash(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}
