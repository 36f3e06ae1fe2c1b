// Package actions maps action keys used by workflows and state triggers to the
// side effects they perform: bookings, payment links, catalog listings,
// customer profile updates, and staff notifications.
//
// Dispatch never returns an error. Failures, panics, timeouts, and unknown keys
// are all reported inside the Result so conversation progress is independent
// of side-effect outcomes.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Known action keys.
const (
	KeyCreateBooking  = "create_booking"
	KeySendPayment    = "send_payment"
	KeyListServices   = "list_services"
	KeyUpdateCustomer = "update_customer"
	KeyNotifyStaff    = "notify_staff"
)

// DefaultTimeout bounds a single handler invocation.
const DefaultTimeout = 10 * time.Second

// Params is the parameter bag passed to a handler.
type Params map[string]any

// String returns the value for key as a string, or "".
func (p Params) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

type paramsKey struct{}

// ContextWithParams returns a context carrying turn-level parameters, such as
// the customer's address, that every dispatch made with it receives.
// Parameters passed to Dispatch take precedence.
func ContextWithParams(ctx context.Context, p Params) context.Context {
	return context.WithValue(ctx, paramsKey{}, p)
}

// withContextParams merges the turn parameters from ctx under params.
func withContextParams(ctx context.Context, params map[string]any) map[string]any {
	base, _ := ctx.Value(paramsKey{}).(Params)
	if len(base) == 0 {
		return params
	}
	merged := make(map[string]any, len(base)+len(params))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}

// Handler performs one action. The returned map is merged into the
// conversation variables when the action runs inline.
type Handler func(ctx context.Context, params Params) (map[string]any, error)

// ActionError describes why an action did not succeed.
type ActionError struct {
	Key    string
	Reason string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed: %s", e.Key, e.Reason)
}

// Result is the outcome of one dispatch.
type Result struct {
	Key      string
	OK       bool
	Skipped  bool // no handler registered for Key
	Queued   bool // accepted for asynchronous execution
	Output   map[string]any
	Err      *ActionError
	Duration time.Duration
}

// ErrTimeout is the reason reported when a handler exceeds its deadline.
var ErrTimeout = errors.New("action timed out")

// Dispatcher is a registry of action handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeout  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-dispatch timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler), timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds or replaces the handler for key.
func (d *Dispatcher) Register(key string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[key] = h
	slog.Debug("Dispatcher.Register", "key", key)
}

// Has reports whether a handler is registered for key.
func (d *Dispatcher) Has(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (d *Dispatcher) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type handlerOutcome struct {
	output map[string]any
	err    error
}

// Dispatch runs the handler for key with params under the dispatcher timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, params map[string]any) Result {
	start := time.Now()
	d.mu.RLock()
	h, ok := d.handlers[key]
	d.mu.RUnlock()
	if !ok {
		slog.Warn("Dispatcher.Dispatch: unknown action key, skipping", "key", key)
		return Result{Key: key, OK: true, Skipped: true}
	}

	params = withContextParams(ctx, params)
	dctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("Dispatcher.Dispatch: handler panicked", "key", key, "panic", p)
				done <- handlerOutcome{err: fmt.Errorf("handler panicked: %v", p)}
			}
		}()
		out, err := h(dctx, Params(params))
		done <- handlerOutcome{output: out, err: err}
	}()

	var outcome handlerOutcome
	select {
	case outcome = <-done:
	case <-dctx.Done():
		outcome = handlerOutcome{err: ErrTimeout}
		if !errors.Is(dctx.Err(), context.DeadlineExceeded) {
			outcome.err = dctx.Err()
		}
	}

	res := Result{Key: key, Duration: time.Since(start)}
	if outcome.err != nil {
		res.Err = &ActionError{Key: key, Reason: outcome.err.Error()}
		slog.Warn("Dispatcher.Dispatch: action failed", "key", key, "reason", res.Err.Reason, "duration", res.Duration)
		return res
	}
	res.OK = true
	res.Output = outcome.output
	slog.Info("Dispatcher.Dispatch: action succeeded", "key", key, "duration", res.Duration)
	return res
}
