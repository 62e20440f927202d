package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/snackdriven/chronicle-sub000/internal/engine"
	"github.com/snackdriven/chronicle-sub000/internal/value"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // successful execution
	ExitFailure      = 1 // store operation failed (validation, not found, conflict, busy)
	ExitCommandError = 2 // command error (bad flags, unreadable config, open failure)
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope every command emits in json format,
// the same shape a serving layer in front of these stores would
// return.
type Response struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

// ResponseError carries the engine error code and message.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// emit prints a successful result: the JSON envelope in json format,
// the command's own rendering in text format.
func emit(cmd *cobra.Command, opts *RootOptions, data any, text func(w io.Writer)) error {
	if opts.Format == FormatJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(Response{Success: true, Data: data})
	}
	text(cmd.OutOrStdout())
	return nil
}

// fail reports a failed store operation. In json format the error
// envelope goes to stdout; either way the command exits 1, with the
// engine code prefixing the message main prints to stderr.
func fail(cmd *cobra.Command, opts *RootOptions, err error) error {
	if opts.Format == FormatJSON {
		resp := Response{Success: false, Error: &ResponseError{
			Code:    string(engine.CodeOf(err)),
			Message: bareMessage(err),
		}}
		if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(resp); encErr != nil {
			return WrapExitError(ExitCommandError, "encode error response", encErr)
		}
	}
	return &ExitError{Code: ExitFailure, Message: err.Error()}
}

// bareMessage strips the code prefix engine errors carry in Error();
// the envelope holds the code in its own field.
func bareMessage(err error) string {
	var e *engine.Error
	if errors.As(err, &e) {
		if cause := e.Unwrap(); cause != nil {
			return fmt.Sprintf("%s: %v", e.Message, cause)
		}
		return e.Message
	}
	return err.Error()
}

// parseValueFlag decodes a JSON-valued flag; empty means absent.
func parseValueFlag(flag, raw string) (value.Value, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	v, err := value.DecodeString(raw)
	if err != nil {
		return nil, engine.NewValidationError("%s: %v", flag, err)
	}
	return v, nil
}

// parseValueArg reads a positional payload: JSON when it parses,
// otherwise the bare string, so `kv set greeting hello` works without
// quoting gymnastics.
func parseValueArg(raw string) value.Value {
	if v, err := value.DecodeString(raw); err == nil {
		return v
	}
	return value.String(raw)
}

// fmtTime renders epoch milliseconds for humans.
func fmtTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

// fmtValue renders a payload as canonical JSON, "-" when absent.
func fmtValue(v value.Value) string {
	if v == nil {
		return "-"
	}
	s, err := value.Encode(v)
	if err != nil {
		return "-"
	}
	return s
}

// sortedKeys returns a count map's keys in lexical order so text
// output stays stable.
func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
