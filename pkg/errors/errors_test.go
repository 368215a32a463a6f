package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		retryable bool
	}{
		{name: "transient store", err: ErrTransientStore, retryable: true},
		{name: "schema validation", err: ErrSchemaValidation, retryable: false},
		{name: "authentication", err: ErrAuthentication, retryable: false},
		{name: "handler execution", err: ErrHandlerExecution, retryable: true},
		{name: "forced fatal", err: ErrTransientStore.AsFatal(), retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			assert.Equal(t, !tt.retryable, tt.err.IsFatal())
		})
	}
}

func TestErrorIsMatchesCopies(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := ErrTransientStore.WithCause(cause).WithDetail("stream", "trading.trade_executed")

	assert.True(t, stderrors.Is(err, ErrTransientStore))
	assert.False(t, stderrors.Is(err, ErrSchemaValidation))
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, IsTransientStore(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithDetailDoesNotMutateSentinel(t *testing.T) {
	_ = ErrNotFound.WithDetail("id", "42")
	assert.Empty(t, ErrNotFound.Details)
}

func TestToErrorResponseDropsStackTrace(t *testing.T) {
	err := Guard(func() error { panic("boom") })
	require.Error(t, err)

	resp := ToErrorResponse(err)
	assert.Equal(t, "INTERNAL_ERROR", resp["error_code"])
	details, ok := resp["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, details["panic"])
	assert.NotContains(t, details, "stack_trace")
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(err))
}

func TestToErrorResponseWrapsForeignErrors(t *testing.T) {
	resp := ToErrorResponse(stderrors.New("plain"))
	assert.Equal(t, "INTERNAL_ERROR", resp["error_code"])
}
