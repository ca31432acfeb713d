package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// Result carries the classifying outcome of ManifestSignatureFailure, so
// callers (pkg/ingest) can map it to the exact manifest error kind
// without string-matching.
type Result int

const (
	ResultValid Result = iota
	ResultSignatureMismatch
	ResultSigningKeyDisabled
)

// ManifestSignatureFailure reports why VerifyManifestSignature rejected a
// manifest, distinguishing "no key verified this signature, or the
// embedded hash claim didn't match" (SignatureMismatch) from "a key
// verified it but that key is on the revocation list"
// (SigningKeyDisabled).
type ManifestSignatureFailure struct {
	Result Result
	Reason string
}

func (e *ManifestSignatureFailure) Error() string {
	return fmt.Sprintf("trust: %s", e.Reason)
}

// manifestSignaturePayload is the JWS payload shape: a single claim
// carrying the SHA-256 of the manifest string the signature covers.
type manifestSignaturePayload struct {
	SHA256 string `json:"sha256"`
}

var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
}

// VerifyManifestSignature verifies compactJWS against the keys in the
// ring, rejects it with SigningKeyDisabled if the key that verified it is
// revoked, and checks that the payload's sha256 claim matches the
// manifest string's own digest.
func VerifyManifestSignature(ring *KeyRing, manifestStr string, compactJWS string) error {
	sig, err := jose.ParseSigned(compactJWS, signatureAlgorithms)
	if err != nil {
		return &ManifestSignatureFailure{ResultSignatureMismatch, fmt.Sprintf("malformed JWS: %v", err)}
	}

	keys := ring.Snapshot()
	if len(keys) == 0 {
		return &ManifestSignatureFailure{ResultSignatureMismatch, "no trust anchor keys loaded"}
	}

	var verifiedWith *KeyVersion
	var payload []byte
	for _, kv := range keys {
		p, verr := sig.Verify(kv.PublicKey)
		if verr == nil {
			verifiedWith = kv
			payload = p
			break
		}
	}

	if verifiedWith == nil {
		return &ManifestSignatureFailure{ResultSignatureMismatch, "no trusted key verified the signature"}
	}
	if verifiedWith.Revoked {
		return &ManifestSignatureFailure{ResultSigningKeyDisabled, fmt.Sprintf("signing key %q is revoked", verifiedWith.ID)}
	}

	var claims manifestSignaturePayload
	if err := json.Unmarshal(payload, &claims); err != nil {
		return &ManifestSignatureFailure{ResultSignatureMismatch, fmt.Sprintf("JWS payload is not a sha256 claim: %v", err)}
	}

	sum := sha256.Sum256([]byte(manifestStr))
	got := hex.EncodeToString(sum[:])
	if !hashesEqual(got, claims.SHA256) {
		return &ManifestSignatureFailure{ResultSignatureMismatch, "manifest string sha256 does not match JWS payload claim"}
	}

	return nil
}

// hashesEqual compares hex or base64-encoded digests case-insensitively
// on the hex form, since signer implementations disagree on casing and
// some emit base64 instead of hex for the sha256 claim.
func hashesEqual(hexDigest, claimed string) bool {
	if equalFold(hexDigest, claimed) {
		return true
	}
	if decoded, ok := decodeBase64Hash(claimed); ok {
		return equalFold(hexDigest, decoded)
	}
	return false
}
