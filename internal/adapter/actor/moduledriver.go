package actor

import (
	"fmt"
	"time"

	"github.com/frostmeter/broutemeterd/internal/core/domain"
	"github.com/frostmeter/broutemeterd/internal/util/actorutil"
	"github.com/frostmeter/broutemeterd/pkg/skstack"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

const (
	defaultDriverTimeout = 10 * time.Second
	// driverTimeoutMargin is added on top of a call's own deadline so the
	// actor-level timeout never fires before the driver's own deadline
	// does; the driver is expected to return (possibly with an error)
	// at its deadline, and this margin just covers scheduling jitter.
	driverTimeoutMargin = 5 * time.Second
)

// ModuleDriverActor is the only component that touches the serial port.
// Every call blocks on the hardware, so every handler below runs on a
// SafeBackgroundTask and stashes incoming messages until it completes.
type ModuleDriverActor struct {
	behavior actor.Behavior
	stash    *actorutil.Stash
	driver   *skstack.Driver
	logger   *zap.Logger
}

func NewModuleDriverActor(driver *skstack.Driver, logger *zap.Logger) *ModuleDriverActor {
	act := &ModuleDriverActor{
		driver:   driver,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger("moduledriver", logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *ModuleDriverActor) Receive(ctx actor.Context) {
	state.behavior.Receive(ctx)
}

func (state *ModuleDriverActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MODULEDRIVER,
			Healthy: true,
			State:   "idle",
		})
	case domain.ResetRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipeDriverTask(ctx, sender, func() (*domain.ResetResponse, error) {
			return &domain.ResetResponse{ActorResponseMixIn: errMixIn(state.driver.Reset())}, nil
		})
		state.behavior.BecomeStacked(state.WaitingDriver)
	case domain.SetPasswordRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipeDriverTask(ctx, sender, func() (*domain.SetPasswordResponse, error) {
			return &domain.SetPasswordResponse{ActorResponseMixIn: errMixIn(state.driver.SetPassword(msg.Password))}, nil
		})
		state.behavior.BecomeStacked(state.WaitingDriver)
	case domain.SetRouteBIDRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipeDriverTask(ctx, sender, func() (*domain.SetRouteBIDResponse, error) {
			return &domain.SetRouteBIDResponse{ActorResponseMixIn: errMixIn(state.driver.SetRouteBID(msg.ID))}, nil
		})
		state.behavior.BecomeStacked(state.WaitingDriver)
	case domain.SRegSetRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipeDriverTask(ctx, sender, func() (*domain.SRegSetResponse, error) {
			return &domain.SRegSetResponse{ActorResponseMixIn: errMixIn(state.driver.SRegSet(msg.Reg, msg.Value))}, nil
		})
		state.behavior.BecomeStacked(state.WaitingDriver)
	case domain.ActiveScanRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipeDriverTaskWithTimeout(ctx, sender, msg.Deadline+driverTimeoutMargin, func() (*domain.ActiveScanResponse, error) {
			results, err := state.driver.ActiveScan(msg.ChannelMask, msg.Duration, msg.Deadline)
			return &domain.ActiveScanResponse{ActorResponseMixIn: errMixIn(err), Results: results}, nil
		})
		state.behavior.BecomeStacked(state.WaitingDriver)
	case domain.JoinRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipeDriverTaskWithTimeout(ctx, sender, msg.Deadline+driverTimeoutMargin, func() (*domain.JoinResponse, error) {
			return &domain.JoinResponse{ActorResponseMixIn: errMixIn(state.driver.Join(msg.Target, msg.Deadline))}, nil
		})
		state.behavior.BecomeStacked(state.WaitingDriver)
	case domain.SendFrameRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipeDriverTask(ctx, sender, func() (*domain.SendFrameResponse, error) {
			return &domain.SendFrameResponse{ActorResponseMixIn: errMixIn(state.driver.SendTo(msg.Target, msg.Payload))}, nil
		})
		state.behavior.BecomeStacked(state.WaitingDriver)
	case domain.WaitForFrameRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipeDriverTaskWithTimeout(ctx, sender, msg.Deadline+driverTimeoutMargin, func() (*domain.WaitForFrameResponse, error) {
			data, err := state.driver.WaitForFrame(msg.Deadline)
			return &domain.WaitForFrameResponse{ActorResponseMixIn: errMixIn(err), Data: data}, nil
		})
		state.behavior.BecomeStacked(state.WaitingDriver)
	case *actor.Stopping:
		state.driver.Close()
	default:
		state.logger.Debug("moduledriver: unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *ModuleDriverActor) WaitingDriver(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		ctx.Send(msg.replyTo, msg.message)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case *actor.Stopping:
		state.driver.Close()
	default:
		state.stash.Stash(ctx, msg)
	}
}

func errMixIn(err error) domain.ActorResponseMixIn {
	return domain.ActorResponseMixIn{ResponseError: err}
}

// pipeDriverTask runs fn on a background task and pipes its result back
// to sender as a backgroundTaskResult.
func pipeDriverTask[T any](ctx actor.Context, sender *actor.PID, fn func() (*T, error)) {
	pipeDriverTaskWithTimeout(ctx, sender, defaultDriverTimeout, fn)
}

// pipeDriverTaskWithTimeout is pipeDriverTask with an explicit
// actor-level timeout. Calls whose driver method already enforces its
// own deadline (ActiveScan, Join, WaitForFrame) must pass a timeout at
// least that deadline plus driverTimeoutMargin, or the actor-level
// timeout fires first and the call never gets to run to its own
// deadline.
func pipeDriverTaskWithTimeout[T any](ctx actor.Context, sender *actor.PID, timeout time.Duration, fn func() (*T, error)) {
	actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, fn), mapTaskResult[T](sender)).
		Recover(func(err error) backgroundTaskResult {
			var zero T
			return backgroundTaskResult{message: zero, replyTo: sender}
		}).
		WithTimeout(timeout).
		PipeTo(ctx.Self())
}
