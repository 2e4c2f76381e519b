package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBody caps how much of a failed response is kept in diagnostics
const maxErrorBody = 2048

// classifyResponse maps a non-2xx backend response onto the error taxonomy
func classifyResponse(engine string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &Error{Kind: KindUnavailable, Engine: engine, Message: msg}
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusUnsupportedMediaType,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return &Error{Kind: KindUnsupportedInput, Engine: engine, Message: msg}
	default:
		return &Error{Kind: KindBackend, Engine: engine, Message: msg}
	}
}

// classifyTransport wraps a failed round trip. Context cancellation stays a
// plain error so callers can still match context.Canceled.
func classifyTransport(engine string, err error) error {
	var engErr *Error
	if errors.As(err, &engErr) || errors.Is(err, context.Canceled) {
		return err
	}
	return unavailable(engine, err)
}
