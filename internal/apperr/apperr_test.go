package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_WrappedErrors(t *testing.T) {
	base := Conflict("job %s already active", "j1")
	wrapped := fmt.Errorf("enqueue: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, "job j1 already active", Message(wrapped))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	err := errors.New("db down")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, "internal server error", Message(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("bad size"), http.StatusBadRequest},
		{Auth("missing token"), http.StatusUnauthorized},
		{NotFound("upload not found"), http.StatusNotFound},
		{Conflict("duplicate"), http.StatusConflict},
		{TransientWorker("detector unavailable", errors.New("503")), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestWorkerErrorsUnwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := TransientWorker("detector call failed", cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrTransientWorker))
	assert.Equal(t, "detector call failed: timeout", err.Error())
}
