package signing

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSigner(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	sig := s.Sign("upload-123", 1700000300)
	assert.NotEmpty(t, sig)

	assert.True(t, s.Validate("upload-123", "1700000300", sig))
	assert.False(t, s.Validate("upload-999", "1700000300", sig), "wrong subject")
	assert.False(t, s.Validate("upload-123", "1700000301", sig), "wrong expiry")
	assert.False(t, s.Validate("upload-123", "not-a-number", sig))
}

func TestSigner_RejectsExpired(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	expires, sig := s.SignFor("upload-123", time.Minute)
	assert.Equal(t, strconv.FormatInt(now.Add(time.Minute).Unix(), 10), expires)
	assert.True(t, s.Validate("upload-123", expires, sig))

	now = now.Add(2 * time.Minute)
	assert.False(t, s.Validate("upload-123", expires, sig))
}

func TestSigner_DifferentSecretsDisagree(t *testing.T) {
	a := NewSigner([]byte("a"))
	b := NewSigner([]byte("b"))
	expires, sig := a.SignFor("upload-1", time.Minute)
	assert.False(t, b.Validate("upload-1", expires, sig))
}
