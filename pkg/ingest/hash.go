package ingest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"duagent/pkg/manifest"
)

// verifyFileHashes checks data against fe's sha256 hash; other hash
// algorithms fe declares are not checked. Like pkg/trust with the
// manifest signature's embedded digest, it accepts the sha256 as hex or
// as base64, since manifests in the wild encode it either way depending
// on which tool produced them.
func verifyFileHashes(fe manifest.FileEntry, data []byte) error {
	sha256Hash, ok := fe.Hashes["sha256"]
	if !ok {
		return fmt.Errorf("ingest: file entry has no sha256 hash to verify against")
	}

	sum := sha256.Sum256(data)
	gotHex := hex.EncodeToString(sum[:])

	if strings.EqualFold(gotHex, sha256Hash) {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(sha256Hash); err == nil && hex.EncodeToString(decoded) == gotHex {
		return nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(sha256Hash); err == nil && hex.EncodeToString(decoded) == gotHex {
		return nil
	}

	return fmt.Errorf("ingest: sha256 mismatch: want %s, got %s", sha256Hash, gotHex)
}
