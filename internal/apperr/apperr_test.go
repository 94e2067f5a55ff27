// ABOUTME: Tests for error kind classification
// ABOUTME: Covers sentinel matching through wrapping and transient fallback

package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errTestNotFound = New(KindNotFound, "thing not found")

func TestKindOf_Sentinel(t *testing.T) {
	wrapped := fmt.Errorf("looking up thing: %w", errTestNotFound)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, errTestNotFound))
	assert.Equal(t, "thing not found", Message(wrapped))
}

func TestKindOf_UnclassifiedIsTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.True(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestTransient_HidesCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:5432: connection refused")
	err := Transient(cause)

	assert.Equal(t, KindTransient, KindOf(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "temporarily unavailable", Message(err))
	assert.NotContains(t, Message(err), "10.0.0.1")
}

func TestTransient_KeepsClassifiedErrors(t *testing.T) {
	assert.Same(t, errTestNotFound, Transient(errTestNotFound))
	assert.Nil(t, Transient(nil))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "too_many_attempts", KindTooManyAttempts.String())
	assert.Equal(t, "kind(200)", Kind(200).String())
}
