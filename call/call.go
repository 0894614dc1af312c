// Package call implements the client call state machine: the lifecycle of a
// single RPC from invocation through terminal status, independent of the
// transport that carries its bytes. A transport binds itself to a Call via
// SetAbort and reports the outcome via Finish; the Call arbitrates racing
// terminal statuses (first one wins), enforces the deadline, and guards the
// operations that are only legal in certain states.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// State is the lifecycle state of a Call.
type State int

const (
	// Created is the initial state, before Start.
	Created State = iota
	// Active means the call has started and has no terminal status yet.
	Active
	// Completed means the call finished with an OK status.
	Completed
	// Cancelled means the call was cancelled, by the caller or by its
	// deadline elapsing.
	Cancelled
	// Faulted means the call finished with a non-OK, non-cancellation
	// status.
	Faulted
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Active:
		return "Active"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case Faulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is one of the terminal states.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Faulted
}

// Errors reported for misuse of the Call API. These signal programming
// errors, distinct from RPC statuses.
var (
	ErrAlreadyStarted  = errors.New("call: already started")
	ErrNotStarted      = errors.New("call: not started")
	ErrNotTerminal     = errors.New("call: not in terminal state")
	ErrWritesCompleted = errors.New("call: writes already completed")
)

// Call tracks one RPC invocation. All methods are safe for concurrent use;
// a single internal lock serializes state transitions.
type Call struct {
	method *Method

	ctx    context.Context
	cancel context.CancelFunc

	// deadline is the absolute deadline, zero meaning none.
	deadline time.Time

	mu         sync.Mutex
	state      State
	writesDone bool
	st         *status.Status
	trailers   metadata.MD
	abort      func()

	done chan struct{}
}

// Options configures a new Call.
type Options struct {
	// Deadline is an explicit per-call absolute deadline. The effective
	// deadline is the earlier of this and any deadline already on the
	// context. Zero means no per-call deadline.
	Deadline time.Time
}

// New creates a Call for the given method. The returned call's Context
// carries the effective deadline and is cancelled once the call reaches
// terminal state.
func New(ctx context.Context, method *Method, opts Options) *Call {
	deadline := opts.Deadline
	if ctxDl, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDl.Before(deadline)) {
		deadline = ctxDl
	}
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	return &Call{
		method:   method,
		ctx:      ctx,
		cancel:   cancel,
		deadline: deadline,
		done:     make(chan struct{}),
	}
}

// Method returns the method descriptor this call invokes.
func (c *Call) Method() *Method { return c.method }

// Context returns the call's context. It is cancelled when the call reaches
// terminal state.
func (c *Call) Context() context.Context { return c.ctx }

// Deadline returns the call's effective absolute deadline and whether one
// is set.
func (c *Call) Deadline() (time.Time, bool) { return c.deadline, !c.deadline.IsZero() }

// Done returns a channel closed when the call reaches terminal state.
func (c *Call) Done() <-chan struct{} { return c.done }

// State returns the call's current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start transitions the call from Created to Active and begins watching for
// cancellation and deadline expiry. Starting twice is an error.
func (c *Call) Start() error {
	c.mu.Lock()
	if c.state != Created {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = Active
	c.mu.Unlock()

	// A deadline firing or caller cancellation must terminate the call even
	// if the transport never reports back.
	go func() {
		select {
		case <-c.ctx.Done():
			c.Finish(statusFromContext(c.ctx), nil)
		case <-c.done:
		}
	}()
	return nil
}

// statusFromContext maps a context's error to the status the call should
// terminate with. A deadline-derived cancellation is distinguishable from a
// caller-requested one only by the resulting code.
func statusFromContext(ctx context.Context) *status.Status {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return status.New(codes.DeadlineExceeded, context.DeadlineExceeded.Error())
	default:
		return status.New(codes.Canceled, context.Canceled.Error())
	}
}

// SetAbort installs the transport hook invoked when the call terminates
// before the transport finished, so the underlying exchange can be torn
// down. If the call is already terminal the hook runs immediately.
func (c *Call) SetAbort(abort func()) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		abort()
		return
	}
	c.abort = abort
	c.mu.Unlock()
}

// BeginWrite checks that an outbound message may be sent: the call must be
// started, not terminal, and writes must not have been completed. A terminal
// call returns its status error so the failure reason propagates to the
// writer.
func (c *Call) BeginWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == Created:
		return ErrNotStarted
	case c.state.Terminal():
		if err := c.st.Err(); err != nil {
			return err
		}
		return ErrWritesCompleted
	case c.writesDone:
		return ErrWritesCompleted
	}
	return nil
}

// CompleteWrites marks the outbound direction closed. Completing twice is an
// error.
func (c *Call) CompleteWrites() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writesDone {
		return ErrWritesCompleted
	}
	c.writesDone = true
	return nil
}

// WritesCompleted reports whether the outbound direction has been closed.
func (c *Call) WritesCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writesDone
}

// Finish records the call's terminal status and trailers. The first terminal
// status wins: if the call already terminated, Finish is a no-op and returns
// false. On the winning call, the context is cancelled, Done is closed, and
// any abort hook runs.
func (c *Call) Finish(st *status.Status, trailers metadata.MD) bool {
	if st == nil {
		st = status.New(codes.OK, "")
	}
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.st = st
	c.trailers = trailers
	switch st.Code() {
	case codes.OK:
		c.state = Completed
	case codes.Canceled, codes.DeadlineExceeded:
		c.state = Cancelled
	default:
		c.state = Faulted
	}
	c.writesDone = true
	abort := c.abort
	c.abort = nil
	c.mu.Unlock()

	close(c.done)
	c.cancel()
	if abort != nil {
		abort()
	}
	return true
}

// Status returns the call's terminal status. Calling before the call has
// terminated is an invalid operation, not a silent default.
func (c *Call) Status() (*status.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		return nil, ErrNotTerminal
	}
	return c.st, nil
}

// Trailer returns the trailer metadata received with the terminal status.
// Calling before the call has terminated is an invalid operation.
func (c *Call) Trailer() (metadata.MD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		return nil, ErrNotTerminal
	}
	return c.trailers, nil
}

// Err returns the call's terminal status as an error: nil if the call
// completed OK or has not terminated.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		return nil
	}
	return c.st.Err()
}
