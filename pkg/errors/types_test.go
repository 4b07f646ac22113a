package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundError(t *testing.T) {
	err := NotFound("run", "20260101_120000_a1b2c3")
	assert.EqualError(t, err, "run not found: 20260101_120000_a1b2c3")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(Wrap(err, "loading detail")))
	assert.False(t, IsNotFound(New("other")))
}

func TestValidationError(t *testing.T) {
	err := Validation("path", "segment too long")
	assert.EqualError(t, err, "validation failed on path: segment too long")
	assert.True(t, IsValidation(err))

	bare := &ValidationError{Message: "bad input"}
	assert.EqualError(t, bare, "validation failed: bad input")
}

func TestPathEscapeError(t *testing.T) {
	err := &PathEscapeError{Path: "../etc/passwd"}
	assert.True(t, IsPathEscape(fmt.Errorf("resolving: %w", err)))
}

func TestHostKeyError(t *testing.T) {
	hk := &HostKeyError{Problem: HostKeyProblem{
		Host:              "gpu01",
		Port:              22,
		KeyType:           "ssh-ed25519",
		FingerprintSHA256: "SHA256:abcdef",
		Reason:            HostKeyUnknown,
	}}

	got, ok := AsHostKey(Wrap(hk, "connecting"))
	assert.True(t, ok)
	assert.Equal(t, HostKeyUnknown, got.Problem.Reason)
	assert.Contains(t, hk.Error(), "gpu01:22")
}

func TestRemoteErrorUnwrap(t *testing.T) {
	cause := New("dial tcp: i/o timeout")
	err := &RemoteError{
		Code:    RemoteConnectionTimeout,
		Message: "ssh connect timed out",
		Host:    "gpu01",
		Cause:   cause,
	}

	assert.ErrorIs(t, err, cause)
	re, ok := AsRemote(err)
	assert.True(t, ok)
	assert.Equal(t, RemoteConnectionTimeout, re.Code)
	assert.Contains(t, err.Error(), "gpu01")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
	assert.NoError(t, Wrapf(nil, "context %d", 1))
}
