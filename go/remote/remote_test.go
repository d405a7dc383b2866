package remote

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.skia.org/infra/go/skerr"
)

func TestTransient(t *testing.T) {
	assert.True(t, Transient(http.StatusInternalServerError))
	assert.True(t, Transient(http.StatusServiceUnavailable))
	assert.True(t, Transient(http.StatusTooManyRequests))
	assert.True(t, Transient(http.StatusRequestTimeout))

	assert.False(t, Transient(http.StatusBadRequest))
	assert.False(t, Transient(http.StatusNotFound))
	assert.False(t, Transient(http.StatusUnauthorized))
}

func TestPermanent(t *testing.T) {
	notFound := &StatusError{Method: "GET", Path: "/tasks/T1", StatusCode: http.StatusNotFound, Body: "not found"}
	assert.True(t, Permanent(notFound))
	assert.False(t, Permanent(&StatusError{StatusCode: http.StatusServiceUnavailable}))
	assert.False(t, Permanent(errors.New("connection refused")))
	assert.False(t, Permanent(nil))

	// Classification survives wrapping.
	assert.True(t, Permanent(skerr.Wrapf(notFound, "fetching task T1")))
	assert.True(t, Permanent(skerr.Wrap(skerr.Wrap(notFound))))
}
