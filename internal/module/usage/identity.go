package usage

import (
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DefaultClientIPHeader is the platform header carrying the client address.
const DefaultClientIPHeader = "X-Real-IP"

const loopback = "127.0.0.1"

// ScopeID returns the hex BLAKE2b-256 digest of callerID, keyed by salt.
// The raw identity never reaches the store.
func ScopeID(callerID, salt string) string {
	var key []byte
	if salt != "" {
		key = []byte(salt)
		// blake2b accepts keys up to 64 bytes.
		if len(key) > blake2b.Size {
			sum := blake2b.Sum512(key)
			key = sum[:]
		}
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Unreachable: key length is bounded above.
		panic(err)
	}
	h.Write([]byte(callerID))
	return hex.EncodeToString(h.Sum(nil))
}

// ClientIdentity derives the caller's network identity from request headers:
// the platform header first, then the first X-Forwarded-For entry, then the
// loopback address.
func ClientIdentity(r *http.Request, platformHeader string) string {
	if platformHeader == "" {
		platformHeader = DefaultClientIPHeader
	}
	if ip := strings.TrimSpace(r.Header.Get(platformHeader)); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return loopback
}
