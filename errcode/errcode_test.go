package errcode_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ceyewan/idbuilder/errcode"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[errcode.Code]int{
		errcode.Success:         http.StatusOK,
		errcode.BadParams:       http.StatusBadRequest,
		errcode.InvalidKey:      http.StatusBadRequest,
		errcode.SizeTooLarge:    http.StatusBadRequest,
		errcode.DeltaTooLarge:   http.StatusBadRequest,
		errcode.Unauthenticated: http.StatusUnauthorized,
		errcode.Unauthorized:    http.StatusForbidden,
		errcode.NotFound:        http.StatusNotFound,
		errcode.Internal:        http.StatusInternalServerError,
		errcode.Unavailable:     http.StatusServiceUnavailable,
		errcode.Exhausted:       http.StatusServiceUnavailable,
	}
	for code, status := range cases {
		assert.Equal(t, status, code.HTTPStatus(), "code %d", code)
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "ok", errcode.Success.Message())
	assert.Equal(t, "sequence exhausted", errcode.Exhausted.Message())
	assert.NotEmpty(t, errcode.Code(9999).Message())
}
