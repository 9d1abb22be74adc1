package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"dealbroker/internal/domain"
)

func TestClassifySentinels(t *testing.T) {
	c := NewErrorClassifier()

	cases := []struct {
		name     string
		err      error
		category ErrorCategory
		sentinel error
	}{
		{"rate limit", fmt.Errorf("call: %w", domain.ErrRateLimit), ErrorCategoryRetryable, domain.ErrRateLimit},
		{"backend down", fmt.Errorf("call: %w", domain.ErrBackendUnavailable), ErrorCategoryRetryable, domain.ErrBackendUnavailable},
		{"malformed", fmt.Errorf("call: %w", domain.ErrMalformedOutput), ErrorCategoryRetryable, domain.ErrMalformedOutput},
		{"timeout", fmt.Errorf("call: %w", domain.ErrTimeout), ErrorCategoryRetryable, domain.ErrTimeout},
		{"auth", fmt.Errorf("call: %w", domain.ErrAuthInvalid), ErrorCategoryPermanent, domain.ErrAuthInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := c.Classify(tc.err)
			assert.Equal(t, tc.category, result.Category)
			assert.Equal(t, tc.sentinel, result.Sentinel)
		})
	}
}

func TestClassifyByStatusCode(t *testing.T) {
	c := NewErrorClassifier()

	result := c.Classify(errors.New("API error 429: slow down"))
	assert.Equal(t, ErrorCategoryRetryable, result.Category)
	assert.Equal(t, 429, result.StatusCode)

	result = c.Classify(errors.New("API error 503: maintenance"))
	assert.Equal(t, ErrorCategoryRetryable, result.Category)

	result = c.Classify(errors.New("API error 401: bad key"))
	assert.Equal(t, ErrorCategoryPermanent, result.Category)

	result = c.Classify(errors.New("API error 400: bad request"))
	assert.Equal(t, ErrorCategoryPermanent, result.Category)
}

func TestClassifyByString(t *testing.T) {
	c := NewErrorClassifier()

	result := c.Classify(errors.New("dial tcp: connection refused"))
	assert.Equal(t, ErrorCategoryRetryable, result.Category)

	result = c.Classify(errors.New("context deadline exceeded"))
	assert.Equal(t, ErrorCategoryRetryable, result.Category)

	result = c.Classify(errors.New("something inexplicable"))
	assert.Equal(t, ErrorCategoryUnknown, result.Category)
}

func TestClassifyNil(t *testing.T) {
	c := NewErrorClassifier()
	result := c.Classify(nil)
	assert.Equal(t, ErrorCategoryUnknown, result.Category)
	assert.Nil(t, result.Original)
}
