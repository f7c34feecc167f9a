package activity

import (
	"context"
	"errors"
	"fmt"
)

// Hook receives normalized bridge activity.
type Hook interface {
	Notify(ctx context.Context, event Event) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, event Event) error

// Notify calls fn.
func (fn HookFunc) Notify(ctx context.Context, event Event) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, event)
}

// HookPanicError reports a hook that panicked during Notify.
type HookPanicError struct {
	Index int
	Value any
}

func (e *HookPanicError) Error() string {
	return fmt.Sprintf("activity: hook %d panicked: %v", e.Index, e.Value)
}

// Hooks fans an event out to every hook in order.
type Hooks []Hook

// Notify normalizes event and delivers it to each hook. Incomplete events are
// skipped. A failing or panicking hook does not stop the others; all
// failures come back joined.
func (h Hooks) Notify(ctx context.Context, event Event) error {
	if len(h) == 0 {
		return nil
	}
	event = event.Normalized()
	if !event.Complete() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i, hook := range h {
		if hook == nil {
			continue
		}
		if err := notifyOne(ctx, i, hook, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func notifyOne(ctx context.Context, index int, hook Hook, event Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &HookPanicError{Index: index, Value: rec}
		}
	}()
	return hook.Notify(ctx, event)
}

func compact(hooks Hooks) Hooks {
	out := make(Hooks, 0, len(hooks))
	for _, hook := range hooks {
		if hook != nil {
			out = append(out, hook)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
