package retry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/c360studio/taskhive/task"
)

// retryableFragments are matched against the error text for errors that
// carry no classifiable type. Unknown errors default to retryable.
var retryableFragments = []string{
	"connection",
	"timeout",
	"timed out",
	"server error",
	"communication",
	"temporary",
	"temporarily",
	"unavailable",
}

// terminalFragments mark errors that will never succeed on redelivery.
var terminalFragments = []string{
	"validation",
	"not found",
	"unknown",
	"invalid",
	"malformed",
	"parse",
	"unmarshal",
}

// Retryable classifies a delivery failure. Logic errors, lookup misses and
// parse failures are terminal; connection, timeout and server-side errors
// are retryable, as is anything unrecognized.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, task.ErrValidation),
		errors.Is(err, task.ErrNotFound),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrInvalidOperation):
		return false
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	text := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(text, fragment) {
			return true
		}
	}
	for _, fragment := range terminalFragments {
		if strings.Contains(text, fragment) {
			return false
		}
	}
	return true
}
