package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	cause := errors.New("connection reset")
	up := Upstream("athena start", cause)
	assert.ErrorIs(t, up, ErrUpstream)
	assert.ErrorIs(t, up, cause)
	assert.Equal(t, "upstream", KindOf(up))
	assert.Equal(t, http.StatusInternalServerError, Status(up))

	inv := fmt.Errorf("handler: %w", Invalid("missing %q", "question"))
	assert.Equal(t, "invalid", KindOf(inv))
	assert.Equal(t, http.StatusBadRequest, Status(inv))

	assert.Equal(t, "timeout", KindOf(Timeout("query %s", "abc")))
	assert.Equal(t, "internal", KindOf(errors.New("boom")))
	assert.NoError(t, Upstream("noop", nil))
}

func TestResponse(t *testing.T) {
	r := Response(Invalid("bad"))
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(r.Body), &body))
	assert.Equal(t, "invalid", body["kind"])
	assert.Contains(t, body["error"], "bad")

	ok := OK(map[string]int{"rows": 2})
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	assert.JSONEq(t, `{"rows":2}`, ok.Body)
}
