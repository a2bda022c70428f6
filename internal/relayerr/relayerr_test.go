package relayerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"already classified", New(DuplicateSession, "session %q exists", "s1"), DuplicateSession},
		{"wrapped classified", fmt.Errorf("connect: %w", New(RateLimited, "slow down")), RateLimited},
		{"auth", &AuthError{User: "bob", Err: errors.New("no supported methods remain")}, AuthFailed},
		{"host key", &HostKeyError{Host: "h:22", Expected: "SHA256:a", Actual: "SHA256:b"}, HostKeyVerificationFailed},
		{"wrapped host key", fmt.Errorf("handshake: %w", &HostKeyError{Host: "h:22"}), HostKeyVerificationFailed},
		{"context deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), Timeout},
		{"net timeout", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}}, Timeout},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ConnectionFailed},
		{"dns", &net.DNSError{Err: "no such host", Name: "nope.invalid"}, ConnectionFailed},
		{"other", errors.New("boom"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Code)
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Nil(t, Wrap(Unknown, nil))
}

func TestCodeOfAndIs(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(SessionNotFound, "session %q not found", "x"))
	assert.Equal(t, SessionNotFound, CodeOf(err))
	assert.True(t, Is(err, SessionNotFound))
	assert.False(t, Is(err, Unknown))
	assert.False(t, Is(nil, SessionNotFound))
	assert.Equal(t, Unknown, CodeOf(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := Wrap(ShellWriteFailed, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "SHELL_WRITE_FAILED: cause", err.Error())
}
