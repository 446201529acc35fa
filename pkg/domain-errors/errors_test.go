package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode_WalksWrappedChain(t *testing.T) {
	inner := New(CodeIntegrity, "tag mismatch")
	outer := Wrap(inner, CodeInternal, "retrieve failed")
	wrapped := fmt.Errorf("pipeline: %w", outer)

	assert.True(t, HasCode(wrapped, CodeInternal))
	assert.True(t, HasCode(wrapped, CodeIntegrity))
	assert.False(t, HasCode(wrapped, CodeNotFound))
	assert.False(t, HasCode(errors.New("plain"), CodeInternal))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeConsentDenied, CodeOf(New(CodeConsentDenied, "no")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Nil(t, Wrap(nil, CodeInternal, "nothing"))
}

func TestUserMessage_HidesSensitiveFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation is actionable", New(CodeValidation, "mood_rating must be between 1 and 10"), "mood_rating must be between 1 and 10"},
		{"consent is actionable", New(CodeConsentDenied, "data processing consent is not granted"), "data processing consent is not granted"},
		{"integrity is opaque", New(CodeIntegrity, "gcm: message authentication failed"), GenericMessage},
		{"chain tamper is opaque", New(CodeChainTampered, "hash mismatch at seq 12"), GenericMessage},
		{"storage exhaustion is opaque", New(CodeStorageUnavailable, "dial tcp 10.0.0.3:5432"), GenericMessage},
		{"uncoded is opaque", errors.New("boom"), GenericMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UserMessage(tt.err))
		})
	}
}
