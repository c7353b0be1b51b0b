package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// TokenSigner mints and verifies rollback tokens. A token is an
// opaque credential tying one execution to its compensation window:
// "<nonce>.<hmac(decisionID|nonce)>".
type TokenSigner struct {
	key []byte
}

// NewTokenSigner constructs a signer over the configured key.
func NewTokenSigner(key string) *TokenSigner {
	return &TokenSigner{key: []byte(key)}
}

// Mint issues a token bound to the decision id.
func (s *TokenSigner) Mint(decisionID string) string {
	nonce := uuid.NewString()
	return nonce + "." + s.sign(decisionID, nonce)
}

// Verify checks that token was minted for decisionID.
func (s *TokenSigner) Verify(decisionID, token string) bool {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return false
	}
	expected := s.sign(decisionID, parts[0])
	return hmac.Equal([]byte(expected), []byte(parts[1]))
}

func (s *TokenSigner) sign(decisionID, nonce string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(decisionID))
	mac.Write([]byte("|"))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}
