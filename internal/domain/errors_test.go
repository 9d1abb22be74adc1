package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{nil, CodeUnknown},
		{errors.New("plain"), CodeUnknown},
		{ErrAgentFailure, CodeAgentFailure},
		{ErrVehicleNotFound, CodeVehicleNotFound},
		{fmt.Errorf("wrapped: %w", ErrMarketDataUnavailable), CodeMarketUnavailable},
		{NewDomainError("Op", ErrNegotiationTerminal, "id=n1"), CodeNegotiationTerminal},
		// Wrapped category sentinels resolve to the specific code first.
		{ErrClientNotFound, CodeClientNotFound},
		{ErrNotFound, CodeNotFound},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCodeOf(tt.err), "err=%v", tt.err)
	}
}

func TestDomainErrorFormat(t *testing.T) {
	e := NewDomainError("Orchestrator.Initiate", ErrInvalidInput, "margin target out of range")
	assert.Equal(t, "Orchestrator.Initiate: margin target out of range: invalid input", e.Error())
	assert.True(t, errors.Is(e, ErrInvalidInput))

	bare := NewDomainError("OfferBook.Accept", ErrOfferNotActive, "")
	assert.Equal(t, "OfferBook.Accept: offer is not the active offer", bare.Error())
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("noop", nil))

	err := WrapOp("load", ErrNegotiationNotFound)
	assert.True(t, errors.Is(err, ErrNegotiationNotFound))
	assert.Contains(t, err.Error(), "load: ")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrRateLimit))
	assert.True(t, IsRetryable(ErrMalformedOutput))
	assert.True(t, IsRetryable(ErrBackendUnavailable))
	assert.True(t, IsRetryable(fmt.Errorf("attempt: %w", ErrTimeout)))
	assert.False(t, IsRetryable(ErrAuthInvalid))
	assert.False(t, IsRetryable(ErrAgentFailure))
}
