package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := Conflict("quote already selected")
	wrapped := fmt.Errorf("select quote: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindConflict))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestWithDetail_KeepsSentinelIdentity(t *testing.T) {
	sentinel := Expired("link expired")
	withDetail := sentinel.WithDetail("providerId", "p-1")

	assert.True(t, errors.Is(withDetail, sentinel))
	assert.Equal(t, "p-1", withDetail.Details["providerId"])
	assert.Nil(t, sentinel.Details)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindExpired, http.StatusGone},
		{KindConflict, http.StatusConflict},
		{KindBlocked, http.StatusLocked},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.kind), tt.kind.String())
	}
}

func TestInternal_Unwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Internal(cause, "load run %s", "r-1")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "load run r-1: connection refused", err.Error())
}
