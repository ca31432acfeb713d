package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

func signManifest(t *testing.T, priv *rsa.PrivateKey, manifestStr string) string {
	t.Helper()
	sum := sha256Hex(manifestStr)
	payload, err := json.Marshal(manifestSignaturePayload{SHA256: sum})
	require.NoError(t, err)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: priv}, nil)
	require.NoError(t, err)

	obj, err := signer.Sign(payload)
	require.NoError(t, err)

	compact, err := obj.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func TestVerifyManifestSignature_RoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ring := NewKeyRing(&KeyVersion{ID: "root-1", PublicKey: &priv.PublicKey})
	manifestStr := `{"manifestVersion":4,"updateType":"t"}`
	jws := signManifest(t, priv, manifestStr)

	err = VerifyManifestSignature(ring, manifestStr, jws)
	require.NoError(t, err)
}

func TestVerifyManifestSignature_TamperedManifest(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ring := NewKeyRing(&KeyVersion{ID: "root-1", PublicKey: &priv.PublicKey})
	manifestStr := `{"manifestVersion":4,"updateType":"t"}`
	jws := signManifest(t, priv, manifestStr)

	tampered := manifestStr + "x"
	err = VerifyManifestSignature(ring, tampered, jws)
	require.Error(t, err)
	var sigErr *ManifestSignatureFailure
	require.ErrorAs(t, err, &sigErr)
	require.Equal(t, ResultSignatureMismatch, sigErr.Result)
}

func TestVerifyManifestSignature_TamperedSignature(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ring := NewKeyRing(&KeyVersion{ID: "root-1", PublicKey: &priv.PublicKey})
	manifestStr := `{"manifestVersion":4,"updateType":"t"}`
	jws := signManifest(t, priv, manifestStr)
	tamperedJWS := jws[:len(jws)-2] + "aa"

	err = VerifyManifestSignature(ring, manifestStr, tamperedJWS)
	require.Error(t, err)
}

func TestVerifyManifestSignature_RevokedKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	ring := NewKeyRing()
	ring.RotateKeys(&RootKeyPackage{
		Keys:          []*KeyVersion{{ID: "root-1", PublicKey: &priv.PublicKey}},
		RevokedKeyIDs: []string{"root-1"},
	})

	manifestStr := `{"manifestVersion":4,"updateType":"t"}`
	jws := signManifest(t, priv, manifestStr)

	err = VerifyManifestSignature(ring, manifestStr, jws)
	require.Error(t, err)
	var sigErr *ManifestSignatureFailure
	require.ErrorAs(t, err, &sigErr)
	require.Equal(t, ResultSigningKeyDisabled, sigErr.Result)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
