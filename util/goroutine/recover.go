package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// PanicError carries a recovered panic value and the stack it came from.
type PanicError struct {
	Name  string
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// Recover recovers from panics in goroutines and logs them.
// If logger is nil, falls back to stderr to ensure panic is recorded.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		logPanic(newPanicError(name, r), logger)
	}
}

// Go runs fn on a new goroutine guarded by Recover.
func Go(name string, logger *zap.SugaredLogger, fn func()) {
	go func() {
		defer Recover(name, logger)
		fn()
	}()
}

// Safe calls fn on the current goroutine and turns a panic into a
// *PanicError instead of unwinding further.
func Safe(name string, logger *zap.SugaredLogger, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := newPanicError(name, r)
			logPanic(pe, logger)
			err = pe
		}
	}()
	fn()
	return nil
}

func newPanicError(name string, r interface{}) *PanicError {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)
	return &PanicError{Name: name, Value: r, Stack: string(buf[:n])}
}

func logPanic(pe *PanicError, logger *zap.SugaredLogger) {
	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", pe.Name,
			"panic", pe.Value,
			"stack", pe.Stack)
		return
	}
	// Fallback to stderr when logger is nil
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", pe.Name, pe.Value, pe.Stack)
}
