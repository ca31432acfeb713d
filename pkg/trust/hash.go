package trust

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
)

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

// decodeBase64Hash attempts to decode s as standard or URL-safe base64 and
// re-render it as a hex string, so a base64-encoded sha256 claim can be
// compared against a hex digest.
func decodeBase64Hash(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(s); err == nil && len(decoded) == 32 {
			return hex.EncodeToString(decoded), true
		}
	}
	return "", false
}
