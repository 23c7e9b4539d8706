package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const (
	goroutineNameKey ctxKey = "goroutine_name"

	nameLabel       = "goroutine_name"
	peripheralLabel = "peripheral"
)

// Go starts a named goroutine under parentCtx and returns a channel closed when fn returns.
// The name is attached as a pprof label and can be read back with GetName.
//
//	done := groutine.Go(ctx, "session-loop", func(ctx context.Context) {
//	    // work
//	})
//	<-done
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	return start(parentCtx, pprof.Labels(nameLabel, name), name, fn)
}

// GoFor is Go for work bound to one peripheral link. The peripheral id is added as a
// second pprof label so a profile groups writer, monitor and request goroutines by link.
func GoFor(parentCtx context.Context, name, peripheralID string, fn func(ctx context.Context)) <-chan struct{} {
	return start(parentCtx, pprof.Labels(nameLabel, name, peripheralLabel, peripheralID), name, fn)
}

func start(parentCtx context.Context, labels pprof.LabelSet, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	done := make(chan struct{})
	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer close(done)
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
	return done
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

// GetPeripheral returns the peripheral id a GoFor goroutine was started for.
func GetPeripheral(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := pprof.Label(ctx, peripheralLabel)
	return id
}
