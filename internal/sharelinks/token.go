package sharelinks

import (
	"crypto/rand"
	"encoding/base64"
)

const tokenBytes = 32

// TokenGenerator issues unguessable link tokens.
type TokenGenerator func() (string, error)

// NewToken returns 256 random bits encoded as unpadded base64url.
func NewToken() (string, error) {
	buffer := make([]byte, tokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
