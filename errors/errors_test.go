package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"bridge timeout", ErrBridgeTimeout, ErrorTransient},
		{"wrapped bridge timeout", fmt.Errorf("get state: %w", ErrBridgeTimeout), ErrorTransient},
		{"not connected", ErrNotConnected, ErrorTransient},
		{"deadline", context.DeadlineExceeded, ErrorTransient},
		{"invalid rule", ErrInvalidRule, ErrorInvalid},
		{"invalid timespec", fmt.Errorf("hour: %w", ErrInvalidTimeSpec), ErrorInvalid},
		{"missing type", ErrMissingType, ErrorInvalid},
		{"rule not found", ErrRuleNotFound, ErrorInvalid},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"loop stopped", ErrLoopStopped, ErrorFatal},
		{"unknown", errors.New("something odd"), ErrorTransient},
		{"classified fatal", WrapFatal(errors.New("boom"), "Engine", "Run", "start"), ErrorFatal},
		{"classified invalid over transient sentinel", WrapInvalid(ErrNotConnected, "Hub", "Send", "encode"), ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestIsChecks_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))
	assert.False(t, IsTimeout(nil))
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("i/o timeout")))
	assert.False(t, IsTransient(errors.New("bad json")))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(fmt.Errorf("list rules: %w", ErrBridgeTimeout)))
	assert.True(t, IsTimeout(WrapTransient(ErrBridgeTimeout, "Bridge", "GetState", "wait for result")))
	assert.False(t, IsTimeout(errors.New("task failed")))
	assert.False(t, IsTimeout(context.DeadlineExceeded))
}

func TestClassifiedError(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	ce := newClassified(ErrorTransient, baseErr, "testComponent", "testOperation", "custom message")

	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "testComponent", ce.Component)
	assert.Equal(t, "testOperation", ce.Operation)
	assert.Equal(t, "custom message", ce.Error())
	assert.True(t, errors.Is(ce, baseErr))
}

func TestClassifiedError_NoMessage(t *testing.T) {
	ce := newClassified(ErrorTransient, fmt.Errorf("base error"), "c", "o", "")
	assert.Equal(t, "base error", ce.Error())

	empty := &ClassifiedError{Class: ErrorFatal}
	assert.Equal(t, "fatal error", empty.Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "c", "m", "a"))
	assert.Nil(t, WrapTransient(nil, "c", "m", "a"))
	assert.Nil(t, WrapInvalid(nil, "c", "m", "a"))
	assert.Nil(t, WrapFatal(nil, "c", "m", "a"))

	err := Wrap(errors.New("original error"), "FileStore", "GetRules", "read directory")
	assert.Equal(t, "FileStore.GetRules: read directory failed: original error", err.Error())
}

func TestWrapClassified(t *testing.T) {
	err := WrapInvalid(ErrInvalidTimeSpec, "Clock", "NextTimeFrom", "parse hour")
	require.Error(t, err)

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Clock", ce.Component)
	assert.Equal(t, "NextTimeFrom", ce.Operation)
	assert.True(t, errors.Is(err, ErrInvalidTimeSpec))
	assert.Contains(t, err.Error(), "Clock.NextTimeFrom: parse hour failed")
}

func TestStandardErrors(t *testing.T) {
	all := []error{
		ErrBridgeTimeout, ErrLoopStopped, ErrAlreadyRunning,
		ErrNotConnected, ErrConnectionLost, ErrEmptyRead,
		ErrParsingFailed, ErrMissingType, ErrMissingField, ErrUnexpectedShape,
		ErrInvalidRule, ErrRuleNotFound, ErrInvalidTimeSpec,
		ErrStorageUnavailable, ErrInvalidConfig, ErrMissingConfig,
	}
	seen := make(map[string]bool)
	for _, e := range all {
		require.NotEmpty(t, e.Error())
		assert.False(t, seen[e.Error()], "duplicate message %q", e.Error())
		seen[e.Error()] = true
	}
}
