package exchange

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusTeapot, ErrRateLimited},
		{http.StatusUnauthorized, ErrAuthFailure},
		{http.StatusForbidden, ErrAuthFailure},
		{http.StatusNotFound, ErrOrderNotFound},
		{http.StatusBadGateway, ErrNetworkTransient},
		{http.StatusRequestTimeout, ErrNetworkTransient},
		{http.StatusBadRequest, ErrOrderRejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.ErrorIs(t, ClassifyStatus(tt.status), tt.want)
		})
	}
}

func TestErrorUnwrapsToKind(t *testing.T) {
	err := &Error{Exchange: "aster", Op: "place", Kind: ErrOrderRejected, Code: "-2019", Message: "margin is insufficient"}

	assert.True(t, errors.Is(err, ErrOrderRejected))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "code=-2019")
}

func TestWrapTransportKeepsCancellation(t *testing.T) {
	assert.ErrorIs(t, WrapTransport("backpack", "get", context.Canceled), context.Canceled)
	assert.ErrorIs(t, WrapTransport("backpack", "get", errors.New("connection reset")), ErrNetworkTransient)
	assert.NoError(t, WrapTransport("backpack", "get", nil))
}
