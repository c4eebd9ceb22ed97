// Package randpass generates cryptographically secure random passwords for
// fresh secret values. No library in the retrieved corpus wraps password
// generation; crypto/rand plus a fixed alphabet is the standard, minimal
// way to do this in Go and pulling in a dependency for it would add
// surface without adding safety.
package randpass

import (
	"crypto/rand"
	"math/big"

	"github.com/nikolasavic/rootprov/internal/herr"
)

// alphabet excludes characters that commonly cause quoting trouble in
// shell/env contexts (no backslash, quote, or backtick) while still
// spanning upper, lower, digit, and a handful of symbols.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_."

// Generate returns a random string of length n drawn uniformly from
// alphabet using crypto/rand.
func Generate(n int) (string, error) {
	if n <= 0 {
		return "", &herr.CryptoError{Msg: "password length must be positive"}
	}
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", &herr.CryptoError{Msg: "read random bytes", Cause: err}
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
