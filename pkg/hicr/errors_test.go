package hicr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverableKinds(t *testing.T) {
	assert.True(t, Full.Recoverable())
	assert.True(t, Empty.Recoverable())
	assert.True(t, LockNotAcquired.Recoverable())
	assert.False(t, InvalidArgument.Recoverable())
	assert.False(t, DuplicateKey.Recoverable())
	assert.False(t, BackendFailure.Recoverable())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("transport reset")
	err := ErrBackendFailure("memcpy", cause)

	require.ErrorIs(t, err, cause)

	var herr *Error
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, BackendFailure, herr.Code())
	assert.Equal(t, "memcpy", herr.Context["operation"])
}

func TestWithContextChaining(t *testing.T) {
	err := ErrOutOfRange(10, 20, 16).WithContext("slot", "token-buffer")
	assert.Equal(t, uint64(10), err.Context["offset"])
	assert.Equal(t, "token-buffer", err.Context["slot"])
	assert.Contains(t, err.Error(), "OutOfRange")
}

func TestNewInstanceIDUnique(t *testing.T) {
	a := NewInstanceID()
	b := NewInstanceID()
	assert.NotEqual(t, a, b)
}
