package actor

import (
	"testing"
	"time"

	"github.com/frostmeter/broutemeterd/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type triggerSlowTask struct {
	timeout time.Duration
	sleep   time.Duration
}

// slowTaskActor exercises pipeDriverTaskWithTimeout the same way
// ModuleDriverActor's handlers do, with the task's own duration and the
// actor-level timeout both under the test's control.
type slowTaskActor struct{}

func (a *slowTaskActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case triggerSlowTask:
		sender := ctx.Sender()
		pipeDriverTaskWithTimeout(ctx, sender, msg.timeout, func() (*string, error) {
			time.Sleep(msg.sleep)
			done := "done"
			return &done, nil
		})
	case backgroundTaskResult:
		ctx.Send(msg.replyTo, msg.message)
	}
}

// TestPipeDriverTaskTimeoutStillRepliesSender guards against the
// SafeBackgroundTask.Run regression where the recovered value was
// computed but never handed to onSuccess: a caller whose task runs
// past the actor-level timeout must still get an answer instead of
// waiting forever on a message sent to a nil PID.
func TestPipeDriverTaskTimeoutStillRepliesSender(t *testing.T) {
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return &slowTaskActor{} }))

	result, err := as.Root.RequestFuture(pid, triggerSlowTask{
		timeout: 50 * time.Millisecond,
		sleep:   500 * time.Millisecond,
	}, 2*time.Second).Result()
	require.NoError(t, err)
	require.Equal(t, "", result)
}

// TestPipeDriverTaskTimeoutSizedPerCall confirms a task that finishes
// inside the per-call timeout handed to pipeDriverTaskWithTimeout runs
// to completion and delivers its own result rather than being cut off
// early.
func TestPipeDriverTaskTimeoutSizedPerCall(t *testing.T) {
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return &slowTaskActor{} }))

	result, err := as.Root.RequestFuture(pid, triggerSlowTask{
		timeout: 2 * time.Second,
		sleep:   200 * time.Millisecond,
	}, 2*time.Second).Result()
	require.NoError(t, err)
	require.Equal(t, "done", result)
}
