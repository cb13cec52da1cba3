package oauth

import (
	"crypto/rand"
	"math/big"

	"golang.org/x/oauth2"
)

// VerifierLength is the PKCE code verifier length (the RFC 7636 maximum).
const VerifierLength = 128

const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// GenerateVerifier returns a random code verifier drawn from the unreserved
// character set.
func GenerateVerifier() (string, error) {
	buf := make([]byte, VerifierLength)
	limit := big.NewInt(int64(len(unreserved)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = unreserved[n.Int64()]
	}
	return string(buf), nil
}

// Challenge returns the S256 code challenge for verifier.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
