// Package safego launches background work that must not take the process down
// when it panics.
package safego

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is returned by Run when fn panicked.
type PanicError struct {
	Name  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Name, e.Value)
}

// Go runs fn in a new goroutine, recovering and logging any panic under name.
func Go(name string, fn func()) {
	go func() {
		_ = Run(name, fn)
	}()
}

// Run calls fn on the current goroutine and converts a panic into a *PanicError.
func Run(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			slog.Error("recovered panic in background task", "task", name, "panic", r, "stack", string(stack))
			err = &PanicError{Name: name, Value: r, Stack: stack}
		}
	}()
	fn()
	return nil
}
