package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

const tokenBytes = 32

// NewToken returns 32 random bytes as 64 lowercase hex characters.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ValidFormat checks length and alphabet without branching on content.
func ValidFormat(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	bad := 0
	for i := 0; i < len(token); i++ {
		c := token[i]
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
		if !ok {
			bad++
		}
	}
	return bad == 0
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
