package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsTrace(t *testing.T) {
	tcs := []struct {
		name     string
		err      *Err
		expected string
	}{
		{
			name:     "ErrWithoutCause",
			err:      NewNotImplemented(),
			expected: "Not implemented",
		},
		{
			name: "ErrWithCauses",
			err: &Err{
				msg: "foo",
				cause: &Err{
					msg:   "bar",
					cause: &Err{msg: "qux"},
				},
			},
			expected: "foo\n\tCaused by: bar\n\t\tCaused by: qux",
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			actual := c.err.Trace()
			assert.Equal(t, c.expected, actual, "unexpected error trace")
		})
	}
}

func TestErrorsStatusCode(t *testing.T) {
	tcs := []struct {
		err          *Err
		expectedCode int
	}{
		{
			err:          NewServiceFailure("fake"),
			expectedCode: http.StatusInternalServerError,
		},
		{
			err:          NewNotFound("fake"),
			expectedCode: http.StatusNotFound,
		},
		{
			err:          NewBadInput("fake"),
			expectedCode: http.StatusBadRequest,
		},
		{
			err:          NewForbidden("fake"),
			expectedCode: http.StatusForbidden,
		},
		{
			err:          NewAccessDenied("revoked"),
			expectedCode: http.StatusForbidden,
		},
		{
			err:          NewUnauthenticated("fake"),
			expectedCode: http.StatusUnauthorized,
		},
		{
			err:          NewConflict("fake"),
			expectedCode: http.StatusConflict,
		},
		{
			err:          NewThrottled(),
			expectedCode: http.StatusTooManyRequests,
		},
		{
			err:          NewOversized(),
			expectedCode: http.StatusRequestEntityTooLarge,
		},
	}
	for _, c := range tcs {
		code := c.err.StatusCode()
		assert.Equal(t, c.expectedCode, code, "unexpected status code")
	}
}

func TestErrorsAccessDeniedKeepsReason(t *testing.T) {
	err := NewAccessDenied("quota_exhausted")
	assert.Equal(t, ErrCodeAccessDenied, err.Code)
	assert.Equal(t, "quota_exhausted", err.Reason)
	assert.Contains(t, err.Error(), "quota_exhausted")
}

func TestErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewConflict("version moved"))
	assert.True(t, Is(wrapped, ErrCodeConflict))
	assert.False(t, Is(wrapped, ErrCodeNotFound))
	assert.False(t, Is(fmt.Errorf("plain"), ErrCodeConflict))
}
