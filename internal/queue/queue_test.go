package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team-michael/notifly-go-sdk/internal/lifecycle"
)

// recordingExecutor appends each executed event name in order.
type recordingExecutor struct {
	mu       sync.Mutex
	executed []string
	errFor   map[string]error
	sm       *lifecycle.StateMachine
	sawState map[string]lifecycle.State
}

func newRecordingExecutor(sm *lifecycle.StateMachine) *recordingExecutor {
	return &recordingExecutor{
		errFor:   map[string]error{},
		sm:       sm,
		sawState: map[string]lifecycle.State{},
	}
}

func (e *recordingExecutor) exec(_ context.Context, cmd *Command) (any, error) {
	e.mu.Lock()
	e.executed = append(e.executed, cmd.EventName)
	e.sawState[cmd.EventName] = e.sm.Current()
	err := e.errFor[cmd.EventName]
	e.mu.Unlock()
	return cmd.EventName, err
}

func (e *recordingExecutor) order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

func track(name string) *Command {
	return &Command{Kind: KindTrackEvent, EventName: name}
}

func TestImmediateExecutionWhenReady(t *testing.T) {
	sm := lifecycle.NewStateMachine(nil)
	ex := newRecordingExecutor(sm)
	q := New(sm, ex.exec, nil, nil)
	require.NoError(t, sm.To(lifecycle.Ready))

	value, err := q.Do(context.Background(), track("purchase"))
	require.NoError(t, err)
	assert.Equal(t, "purchase", value)
	assert.Equal(t, []string{"purchase"}, ex.order())
}

func TestQueuedUntilReadyFlushesInOrder(t *testing.T) {
	sm := lifecycle.NewStateMachine(nil)
	ex := newRecordingExecutor(sm)
	q := New(sm, ex.exec, nil, nil)

	results := []<-chan Result{
		q.Dispatch(context.Background(), track("a")),
		q.Dispatch(context.Background(), track("b")),
		q.Dispatch(context.Background(), track("c")),
	}
	assert.Equal(t, 3, q.Pending())
	assert.Empty(t, ex.order())

	require.NoError(t, sm.To(lifecycle.Ready))
	for _, ch := range results {
		res := <-ch
		require.NoError(t, res.Err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ex.order())
	assert.Equal(t, 0, q.Pending())
}

func TestQueuedWhileRefreshing(t *testing.T) {
	sm := lifecycle.NewStateMachine(nil)
	ex := newRecordingExecutor(sm)
	q := New(sm, ex.exec, nil, nil)
	require.NoError(t, sm.To(lifecycle.Ready))
	require.NoError(t, sm.To(lifecycle.Refreshing))

	ch := q.Dispatch(context.Background(), track("late"))
	assert.Equal(t, 1, q.Pending())

	require.NoError(t, sm.To(lifecycle.Ready))
	res := <-ch
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"late"}, ex.order())
}

func TestRefreshingCommandHoldsRefreshingState(t *testing.T) {
	sm := lifecycle.NewStateMachine(nil)
	ex := newRecordingExecutor(sm)
	q := New(sm, ex.exec, nil, nil)
	require.NoError(t, sm.To(lifecycle.Ready))

	cmd := &Command{Kind: KindSetUserID, UserID: "u1", EventName: "identity"}
	_, err := q.Do(context.Background(), cmd)
	require.NoError(t, err)

	// The executor observed Refreshing, and the queue restored Ready after.
	assert.Equal(t, lifecycle.Refreshing, ex.sawState["identity"])
	assert.Equal(t, lifecycle.Ready, sm.Current())
}

func TestRejectWhenTerminated(t *testing.T) {
	sm := lifecycle.NewStateMachine(nil)
	ex := newRecordingExecutor(sm)
	q := New(sm, ex.exec, nil, nil)
	require.NoError(t, sm.To(lifecycle.Terminated))

	_, err := q.Do(context.Background(), track("x"))
	assert.ErrorIs(t, err, ErrSDKTerminated)
	assert.Empty(t, ex.order())
}

func TestTerminationRejectsPending(t *testing.T) {
	sm := lifecycle.NewStateMachine(nil)
	ex := newRecordingExecutor(sm)
	q := New(sm, ex.exec, nil, nil)

	ch := q.Dispatch(context.Background(), track("never"))
	require.NoError(t, sm.To(lifecycle.Terminated))

	res := <-ch
	assert.ErrorIs(t, res.Err, ErrSDKTerminated)
	assert.Empty(t, ex.order())
}

func TestUnrecoverableFailureRejectsEverything(t *testing.T) {
	sm := lifecycle.NewStateMachine(nil)
	ex := newRecordingExecutor(sm)
	boom := errors.New("identity refresh failed")
	ex.errFor["doomed"] = boom
	q := New(sm, ex.exec, nil, nil)

	doomed := &Command{Kind: KindSetUserID, EventName: "doomed", Unrecoverable: true}
	first := q.Dispatch(context.Background(), doomed)
	second := q.Dispatch(context.Background(), track("behind"))

	require.NoError(t, sm.To(lifecycle.Ready))

	res := <-first
	assert.ErrorIs(t, res.Err, boom)

	// The command queued behind the failure is rejected with the same error.
	res = <-second
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, lifecycle.Failed, sm.Current())

	// And so is everything dispatched afterwards.
	_, err := q.Do(context.Background(), track("after"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"doomed"}, ex.order())
}

func TestDoHonorsContextCancellation(t *testing.T) {
	sm := lifecycle.NewStateMachine(nil)
	ex := newRecordingExecutor(sm)
	q := New(sm, ex.exec, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Never becomes ready, so the command never executes.
	_, err := q.Do(ctx, track("stuck"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
