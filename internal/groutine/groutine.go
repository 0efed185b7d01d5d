package groutine

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// PanicHandler receives a panic recovered from a named goroutine.
type PanicHandler func(name string, recovered any, stack []byte)

// LogPanics returns a PanicHandler that reports the panic on logger at error level.
func LogPanics(logger *logrus.Logger) PanicHandler {
	return func(name string, recovered any, stack []byte) {
		logger.WithFields(logrus.Fields{
			"goroutine": name,
			"panic":     recovered,
			"stack":     string(stack),
		}).Error("Recovered panic in goroutine")
	}
}

// Go starts a goroutine with a name, optional parent context
// Example usage:
//
//	groutine.Go(ctx, "worker-42", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used. A panic in fn is recovered and
// passed to the given handlers; with no handler it is printed with its stack.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context), onPanic ...PanicHandler) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if len(onPanic) == 0 {
					fmt.Fprintf(os.Stderr, "panic in goroutine %q: %v\n%s", name, r, stack)
					return
				}
				for _, h := range onPanic {
					h(name, r, stack)
				}
			}
		}()

		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
