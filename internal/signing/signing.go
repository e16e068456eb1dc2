// Package signing produces and checks expiring HMAC-SHA256 signatures. The API
// uses it to authenticate the processing trigger and, in memory mode, to sign
// object URLs.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by signed service-to-service requests.
const (
	HeaderExpires   = "X-Clippedset-Expires"
	HeaderSignature = "X-Clippedset-Signature"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature for subject and expiry.
func (s *Signer) Sign(subject string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(fmt.Sprintf("%s:%d", subject, expiresUnix)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignFor signs subject with an expiry ttl from now and returns both values
// ready to be placed in headers or a query string.
func (s *Signer) SignFor(subject string, ttl time.Duration) (expires string, signature string) {
	exp := s.now().Add(ttl).Unix()
	return strconv.FormatInt(exp, 10), s.Sign(subject, exp)
}

// Validate reports whether signature matches subject and expires, and the
// expiry has not passed.
func (s *Signer) Validate(subject, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if s.now().Unix() > exp {
		return false
	}
	expected := s.Sign(subject, exp)
	// hmac.Equal compares in constant time.
	return hmac.Equal([]byte(expected), []byte(signature))
}
