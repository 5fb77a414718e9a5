// Package queue serializes all public SDK operations against the lifecycle
// state machine so state-changing operations never interleave incorrectly.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/team-michael/notifly-go-sdk/internal/lifecycle"
	"github.com/team-michael/notifly-go-sdk/internal/metrics"
)

// Kind tags a command payload; commands are a tagged union dispatched
// through a single executor switch.
type Kind string

const (
	KindSetUserID         Kind = "set_user_id"
	KindRemoveUserID      Kind = "remove_user_id"
	KindSetUserProperties Kind = "set_user_properties"
	KindTrackEvent        Kind = "track_event"
	KindGetUserID         Kind = "get_user_id"
	KindGetUserProperties Kind = "get_user_properties"
	KindRequestPermission Kind = "request_permission"
)

// refreshing reports whether the command changes identity and therefore must
// hold the Refreshing state for its duration.
func (k Kind) refreshing() bool {
	return k == KindSetUserID || k == KindRemoveUserID
}

// Command carries the payload of one public SDK operation.
type Command struct {
	Kind Kind

	EventName        string
	EventParams      map[string]any
	SegmentationKeys []string
	UserID           string
	Properties       map[string]any
	LanguageHint     string

	// Unrecoverable escalates a failure of this command to the whole SDK.
	Unrecoverable bool

	seq    int64
	result chan Result
}

// Result is delivered once the command actually executes or is rejected.
type Result struct {
	Value any
	Err   error
}

// Executor runs one command; the switch over Kind lives with the SDK client.
type Executor func(ctx context.Context, cmd *Command) (any, error)

var (
	// ErrSDKFailed rejects commands after an unrecoverable failure.
	ErrSDKFailed = errors.New("sdk is in a failed state; re-initialize to recover")
	// ErrSDKTerminated rejects commands after shutdown.
	ErrSDKTerminated = errors.New("sdk is terminated")
)

// CommandQueue dispatches commands according to the current lifecycle state:
// Ready executes, NotInitialized/Refreshing enqueues in sequence order,
// Failed/Terminated rejects immediately.
type CommandQueue struct {
	mu      sync.Mutex
	pending commandHeap
	seq     int64
	failure error

	// refreshMu drains one refreshing-class command at a time so two
	// concurrent identity changes cannot interleave their cache refreshes.
	refreshMu sync.Mutex

	sm      *lifecycle.StateMachine
	exec    Executor
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(sm *lifecycle.StateMachine, exec Executor, m *metrics.Metrics, logger *zap.Logger) *CommandQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &CommandQueue{
		sm:      sm,
		exec:    exec,
		logger:  logger,
		metrics: m,
	}
	heap.Init(&q.pending)

	// Queued work flushes when the SDK becomes ready, initially or after a
	// refresh.
	sm.On(lifecycle.NotInitialized, lifecycle.Ready, q.flush)
	sm.On(lifecycle.Refreshing, lifecycle.Ready, q.flush)

	// Termination aborts everything still queued.
	for _, from := range []lifecycle.State{lifecycle.NotInitialized, lifecycle.Ready, lifecycle.Refreshing} {
		sm.On(from, lifecycle.Terminated, func() { q.RejectAll(ErrSDKTerminated) })
	}
	return q
}

// Dispatch routes the command per the current state and returns a channel
// that resolves when the command actually executes.
func (q *CommandQueue) Dispatch(ctx context.Context, cmd *Command) <-chan Result {
	cmd.result = make(chan Result, 1)

	q.mu.Lock()
	q.seq++
	cmd.seq = q.seq
	state := q.sm.Current()
	switch state {
	case lifecycle.Failed:
		err := q.failure
		q.mu.Unlock()
		if err == nil {
			err = ErrSDKFailed
		}
		q.reject(cmd, err, state)
	case lifecycle.Terminated:
		q.mu.Unlock()
		q.reject(cmd, ErrSDKTerminated, state)
	case lifecycle.NotInitialized, lifecycle.Refreshing:
		heap.Push(&q.pending, cmd)
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.CommandsDispatched.WithLabelValues(string(cmd.Kind), "queued").Inc()
		}
	default: // Ready
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.CommandsDispatched.WithLabelValues(string(cmd.Kind), "immediate").Inc()
		}
		go q.execute(ctx, cmd)
	}
	return cmd.result
}

// Do dispatches and waits for the result.
func (q *CommandQueue) Do(ctx context.Context, cmd *Command) (any, error) {
	select {
	case res := <-q.Dispatch(ctx, cmd):
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *CommandQueue) reject(cmd *Command, err error, state lifecycle.State) {
	if q.metrics != nil {
		q.metrics.CommandsRejected.WithLabelValues(string(cmd.Kind), state.String()).Inc()
	}
	cmd.result <- Result{Err: err}
}

func (q *CommandQueue) execute(ctx context.Context, cmd *Command) {
	if cmd.Kind.refreshing() {
		q.refreshMu.Lock()
		defer q.refreshMu.Unlock()
		if err := q.sm.To(lifecycle.Refreshing); err != nil {
			cmd.result <- Result{Err: err}
			return
		}
		value, err := q.exec(ctx, cmd)
		if err != nil && cmd.Unrecoverable {
			// finish moves the machine to Failed; reopening Ready here
			// would flush queued commands into a failed SDK.
			q.finish(cmd, value, err)
			return
		}
		// Leaving Refreshing flushes whatever queued up behind this command.
		if terr := q.sm.To(lifecycle.Ready); terr != nil && err == nil {
			err = terr
		}
		q.finish(cmd, value, err)
		return
	}

	value, err := q.exec(ctx, cmd)
	q.finish(cmd, value, err)
}

func (q *CommandQueue) finish(cmd *Command, value any, err error) {
	if err != nil && cmd.Unrecoverable {
		q.fail(err)
	}
	cmd.result <- Result{Value: value, Err: err}
}

// fail moves the SDK to Failed and rejects all pending commands with the
// same terminal error.
func (q *CommandQueue) fail(err error) {
	q.logger.Error("unrecoverable command failure", zap.Error(err))
	q.mu.Lock()
	q.failure = err
	q.mu.Unlock()
	if terr := q.sm.To(lifecycle.Failed); terr != nil {
		q.logger.Warn("failed to enter failed state", zap.Error(terr))
	}
	q.RejectAll(err)
}

// RejectAll drains the pending set, rejecting every command with err.
func (q *CommandQueue) RejectAll(err error) {
	q.mu.Lock()
	cmds := make([]*Command, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		cmds = append(cmds, heap.Pop(&q.pending).(*Command))
	}
	q.mu.Unlock()
	for _, cmd := range cmds {
		q.reject(cmd, err, q.sm.Current())
	}
}

// flush executes queued commands in sequence order. A refreshing-class
// command flips the state back to Refreshing during its turn, so later
// commands re-queue behind it naturally.
func (q *CommandQueue) flush() {
	go func() {
		for {
			q.mu.Lock()
			state := q.sm.Current()
			if q.pending.Len() == 0 || state != lifecycle.Ready {
				q.mu.Unlock()
				return
			}
			cmd := heap.Pop(&q.pending).(*Command)
			q.mu.Unlock()
			q.execute(context.Background(), cmd)
		}
	}()
}

// Pending returns the number of queued commands.
func (q *CommandQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// commandHeap orders pending commands by their monotonically increasing
// sequence number; effectively FIFO, kept as a priority structure for
// extensibility.
type commandHeap []*Command

func (h commandHeap) Len() int            { return len(h) }
func (h commandHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h commandHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *commandHeap) Push(x any)         { *h = append(*h, x.(*Command)) }
func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	cmd := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return cmd
}
