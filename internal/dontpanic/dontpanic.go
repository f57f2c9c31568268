// Package dontpanic provides function wrappers to ensure that wrapped code
// does not panic and crash the program.
//
// When should you use this package? Anytime you are running a function or
// goroutine where it isn't obvious whether it can or can't panic. This is
// especially true for callback functions owned by a caller, such as recorded
// rollback actions, where a single bad closure must not take down the rest
// of the work.
package dontpanic

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/treeops/treeops/internal/log"
)

var logger = log.Default()

// Try will wrap the provided function with a panic recovery. If a panic
// occurs, the recovered panic will be sent to Sentry (when configured) and
// logged as an error. Returns nil if no panic occurred and an error
// describing the recovered value otherwise.
func Try(fn func()) error { return catchAndLog(fn) }

// Go will run the provided function in a goroutine and recover from any
// panics. Go is best used in fire-and-forget goroutines where observability
// is lost.
func Go(fn func()) { go func() { _ = catchAndLog(fn) }() }

func catchAndLog(fn func()) (returnedErr error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		if err, ok := recovered.(error); ok {
			returnedErr = err
			sentry.CaptureException(err)
		} else {
			returnedErr = fmt.Errorf("recovered panic: %v", recovered)
		}

		logger.Errorf("dontpanic: recovered panic: %+v", recovered)
	}()

	fn()

	return nil
}
