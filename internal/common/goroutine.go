// -----------------------------------------------------------------------
// Safe calls - panic-protected wrappers for plug-in code
// -----------------------------------------------------------------------

package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
)

// PanicError is returned by SafeCall when fn panics
type PanicError struct {
	Name  string
	Value interface{}
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// SafeCall runs fn and converts a panic into a *PanicError so one faulty strategy
// or channel cannot take the process down.
func SafeCall(logger arbor.ILogger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := StackTrace()
			if logger != nil {
				logger.Error().
					Str("call", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", stack).
					Msg("Recovered from panic")
			}
			err = &PanicError{Name: name, Value: r, Stack: stack}
		}
	}()
	return fn()
}
