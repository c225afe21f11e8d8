// Package faults classifies handler failures so each one can be reported
// with the right response code and a stable kind.
package faults

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	json "github.com/goccy/go-json"
)

var (
	// ErrUpstream marks a failed call to AWS or another remote service.
	ErrUpstream = errors.New("upstream call failed")
	// ErrInvalid marks input or data that failed validation.
	ErrInvalid = errors.New("invalid data")
	// ErrTimeout marks a wait that gave up.
	ErrTimeout = errors.New("timed out")
)

// Upstream wraps err from the remote operation op.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstream, err)
}

func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func Timeout(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// KindOf names the category of err: upstream, invalid, timeout or internal.
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	}
	return "internal"
}

// Status maps err to the HTTP status reported by handlers.
func Status(err error) int {
	if errors.Is(err, ErrInvalid) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Response renders err as a handler response with a JSON body.
func Response(err error) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(map[string]string{
		"error": err.Error(),
		"kind":  KindOf(err),
	})
	return events.APIGatewayProxyResponse{StatusCode: Status(err), Body: string(body)}
}

// OK renders v as a 200 response with a JSON body.
func OK(v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return Response(fmt.Errorf("encode response: %w", err))
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Body: string(body)}
}
