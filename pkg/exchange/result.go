package exchange

import (
	"context"
	"sync"

	"github.com/backkem/coap/pkg/message"
)

// Result is a single-assignment handle for the response to a request. It is
// fulfilled with a message or failed with an error exactly once; later
// attempts are ignored. Safe for concurrent use.
type Result struct {
	done chan struct{}
	once sync.Once

	msg *message.Message
	err error
}

// NewResult creates an unresolved result.
func NewResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Fulfill resolves the result with a response. Returns false if it was
// already resolved.
func (r *Result) Fulfill(msg *message.Message) bool {
	return r.resolve(msg, nil)
}

// Fail resolves the result with an error. Returns false if it was already
// resolved.
func (r *Result) Fail(err error) bool {
	return r.resolve(nil, err)
}

// Done is closed once the result is resolved.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the result is resolved or ctx is done.
func (r *Result) Wait(ctx context.Context) (*message.Message, error) {
	select {
	case <-r.done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved returns true once the result has a value.
func (r *Result) Resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Peek returns the resolved value without blocking. Both are nil while
// unresolved.
func (r *Result) Peek() (*message.Message, error) {
	if !r.Resolved() {
		return nil, nil
	}
	return r.msg, r.err
}

func (r *Result) resolve(msg *message.Message, err error) bool {
	resolved := false
	r.once.Do(func() {
		r.msg = msg
		r.err = err
		resolved = true
		close(r.done)
	})
	return resolved
}
