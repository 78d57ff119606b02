package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstrateError_Unwrap_PreservesOriginalError(t *testing.T) {
	originalErr := errors.New("original error")
	wrapped := New(ErrCodeFileNotFound, "segment not found", originalErr)

	require.NotNil(t, wrapped)
	assert.Equal(t, originalErr, errors.Unwrap(wrapped))
	assert.True(t, errors.Is(wrapped, originalErr))
}

func TestSubstrateError_Error_FormatsCodeAndMessage(t *testing.T) {
	err := New(ErrCodeChecksumMismatch, "segment checksum mismatch", nil)
	assert.Equal(t, "[ERR_205_CHECKSUM_MISMATCH] segment checksum mismatch", err.Error())
}

func TestSubstrateError_Is_MatchesByCode(t *testing.T) {
	a := New(ErrCodeQueueFull, "queue full", nil)
	b := New(ErrCodeQueueFull, "different message, same code", nil)
	c := New(ErrCodeCancelled, "cancelled", nil)

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestNew_DerivesCategorySeverityKindRetryable(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		kind      Kind
		retryable bool
	}{
		{ErrCodeNetworkTimeout, CategoryNetwork, KindTransient, true},
		{ErrCodeChecksumMismatch, CategoryIO, KindIntegrity, false},
		{ErrCodeQueueFull, CategoryCapacity, KindCapacity, false},
		{ErrCodeCancelled, CategoryCapacity, KindCancelled, false},
		{ErrCodeInvalidInput, CategoryValidation, KindInvalid, false},
	}

	for _, tt := range tests {
		err := New(tt.code, "msg", nil)
		assert.Equal(t, tt.category, err.Category, tt.code)
		assert.Equal(t, tt.kind, err.Kind, tt.code)
		assert.Equal(t, tt.retryable, err.Retryable, tt.code)
	}
}

func TestSubstrateError_WithDetailAndSuggestion_Chains(t *testing.T) {
	err := New(ErrCodeInternal, "boom", nil).
		WithDetail("segment", "0007").
		WithSuggestion("run compaction")

	assert.Equal(t, "0007", err.Details["segment"])
	assert.Equal(t, "run compaction", err.Suggestion)
}

func TestIsRetryable_IsFatal(t *testing.T) {
	retryable := New(ErrCodeNetworkUnavailable, "down", nil)
	fatal := New(ErrCodeDiskFull, "no space", nil)

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(fatal))
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsFatal(retryable))
}

func TestFlatten_ProducesBoundaryResult(t *testing.T) {
	ok := Flatten(nil)
	assert.True(t, ok.OK)

	bad := Flatten(New(ErrCodeCancelled, "operation cancelled", nil))
	assert.False(t, bad.OK)
	assert.Equal(t, string(KindCancelled), bad.Kind)
	assert.Equal(t, "operation cancelled", bad.Message)

	plain := Flatten(errors.New("plain"))
	assert.False(t, plain.OK)
	assert.Equal(t, string(KindInvalid), plain.Kind)
}
