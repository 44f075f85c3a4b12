package errs

import (
	"errors"
	"fmt"

	"github.com/elysia-ai/elysia/pkg/protocol"
)

// Sentinel errors for the failure taxonomy. Callers classify with
// errors.Is and wrap with fmt.Errorf("...: %w", ...).
var (
	// ErrConfig marks invalid or incomplete settings.
	ErrConfig = errors.New("config error")
	// ErrNotFound marks a missing user, tree or collection.
	ErrNotFound = errors.New("not found")
	// ErrTimeout marks user or tree idle expiry.
	ErrTimeout = errors.New("timeout")
	// ErrUpstream marks a transient vector-database or model failure.
	ErrUpstream = errors.New("upstream error")
	// ErrTool marks a failure surfaced by a tool via an Error yield.
	ErrTool = errors.New("tool error")
	// ErrProtocol marks a malformed frontend message.
	ErrProtocol = errors.New("protocol error")
)

func Config(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Upstream(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUpstream, fmt.Sprintf(format, args...))
}

func Timeout(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

func Tool(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTool, fmt.Sprintf(format, args...))
}

func Protocol(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// ToFrame converts a run-terminating error into its stream envelope.
// User and tree idle expiry have dedicated envelope kinds; everything
// else surfaces as a plain error frame.
func ToFrame(err error, userID, conversationID, queryID string) protocol.Frame {
	return protocol.NewFrame(protocol.KindError, userID, conversationID, queryID,
		protocol.ErrorPayload{Text: err.Error()})
}

// HTTPBody is the uniform HTTP error shape: zeroed payload fields plus
// an error message, with non-fatal warnings alongside.
type HTTPBody struct {
	Error    string   `json:"error"`
	Warnings []string `json:"warnings,omitempty"`
}
