package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	assert.Equal(t, "openai: API error (status 400): bad", (&APIError{Provider: "openai", StatusCode: 400, Message: "bad"}).Error())
	assert.Equal(t,
		"anthropic: API error (status 529, type overloaded_error): busy",
		(&APIError{Provider: "anthropic", StatusCode: 529, Type: "overloaded_error", Message: "busy"}).Error())
}

func TestAPIError_IsTransient(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, (&APIError{StatusCode: tt.status}).IsTransient())
		})
	}
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "network", errorType(&APIError{}))
	assert.Equal(t, "rate_limited", errorType(fmt.Errorf("wrapped: %w", &APIError{StatusCode: 429})))
	assert.Equal(t, "server", errorType(&APIError{StatusCode: 502}))
	assert.Equal(t, "client", errorType(&APIError{StatusCode: 422}))
	assert.Equal(t, "empty", errorType(fmt.Errorf("openai: %w", ErrEmptyResponse)))
	assert.Equal(t, "other", errorType(errors.New("x")))
}
