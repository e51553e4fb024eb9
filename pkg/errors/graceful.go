// Package errors reports fatal command failures and turns them into exit
// codes for the autocrypt binary.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/logger"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitNotInitialized = 2
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler prints failures for the user and records the first exit code.
type ErrorHandler struct {
	exitChannel chan int
	out         io.Writer
}

func NewErrorHandler() *ErrorHandler {
	return NewErrorHandlerWithOutput(os.Stderr)
}

// NewErrorHandlerWithOutput writes user-facing messages to out.
func NewErrorHandlerWithOutput(out io.Writer) *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		out:         out,
	}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// FatalError reports err for operation. An uninitialized account gets its
// own message and exit code.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	if stderrors.Is(err, consts.ErrAccountNotInitialized) {
		fmt.Fprintf(eh.out, "Error: %v\nRun 'autocrypt init' to create the account.\n", err)
		eh.signal(ExitNotInitialized)
		return
	}
	gracefulErr := NewGracefulError(operation, err)
	fmt.Fprintf(eh.out, "Error: %v\n", gracefulErr)
	logger.Debug("Command failed", "operation", operation, "error", err)
	eh.signal(ExitFailure)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		fmt.Fprintf(eh.out, "Error: configuration file '%s' not found: %v\n", configPath, err)
	} else {
		fmt.Fprintf(eh.out, "Error: failed to parse configuration file '%s': %v\n", configPath, err)
	}
	eh.signal(ExitFailure)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	fmt.Fprintf(eh.out, "Error: invalid configuration - %s: %v\n", field, err)
	eh.signal(ExitFailure)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
