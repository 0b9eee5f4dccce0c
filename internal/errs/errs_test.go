package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := TransientStorage("upsert", errors.New("boom"))
	assert.True(t, Is(err, KindTransientStorage))
	assert.False(t, Is(err, KindPermanentStorage))
}

func TestIsRejectsPlainErrors(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), KindTransientStorage))
	assert.False(t, Is(nil, KindTransientStorage))
}

func TestUnwrapExposesUnderlyingError(t *testing.T) {
	inner := errors.New("boom")
	err := PermanentStorage("insert", inner)
	assert.ErrorIs(t, err, inner)
}

func TestRetryablePolicy(t *testing.T) {
	assert.True(t, Retryable(KindTransientStorage))
	assert.True(t, Retryable(KindTransientSDK))
	assert.False(t, Retryable(KindPermanentStorage))
	assert.False(t, Retryable(KindUserError))
}

func TestErrorStringIncludesOpAndKind(t *testing.T) {
	err := HandlerFault("dispatch", errors.New("panic recovered"))
	assert.Contains(t, err.Error(), "dispatch")
	assert.Contains(t, err.Error(), string(KindHandlerFault))
	assert.Contains(t, err.Error(), "panic recovered")
}
