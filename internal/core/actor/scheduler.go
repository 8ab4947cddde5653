package actor

import (
	"fmt"
	"time"

	"github.com/frostmeter/broutemeterd/internal/core/domain"
	"github.com/frostmeter/broutemeterd/internal/core/events"
	. "github.com/frostmeter/broutemeterd/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

const sessionStateTimeout = 2 * time.Second
const readingTimeout = 25 * time.Second

type minuteTick struct{}
type halfHourTick struct{}

// SchedulerActor drives the two acquisition cadences described for the
// meter: instant power/current every minute, cumulative energy every
// half hour. Each tick recomputes its own next fire time from the
// wall clock via a quartz.CronTrigger, so a slow response never
// ratchets the cadence off-grid the way a fixed relative re-arm would.
type SchedulerActor struct {
	behavior  actor.Behavior
	stash     *Stash
	scheduler *scheduler.TimerScheduler

	session     *actor.PID
	persistence *actor.PID
	mqtt        *actor.PID // nil when MQTT fan-out is not configured

	minuteTrigger   *quartz.CronTrigger
	halfHourTrigger *quartz.CronTrigger

	eventStream *eventstream.EventStream
	logger      *zap.Logger
}

func NewSchedulerActor(session, persistence, mqtt *actor.PID, eventStream *eventstream.EventStream, logger *zap.Logger) *SchedulerActor {
	minuteTrigger, err := quartz.NewCronTrigger("0 * * * * *")
	if err != nil {
		panic(fmt.Errorf("scheduler: invalid minute cron expression: %w", err))
	}
	halfHourTrigger, err := quartz.NewCronTrigger("0 0,30 * * * *")
	if err != nil {
		panic(fmt.Errorf("scheduler: invalid half-hour cron expression: %w", err))
	}

	act := &SchedulerActor{
		session:         session,
		persistence:     persistence,
		mqtt:            mqtt,
		minuteTrigger:   minuteTrigger,
		halfHourTrigger: halfHourTrigger,
		eventStream:     eventStream,
		behavior:        actor.NewBehavior(),
		stash:           &Stash{},
		logger:          ActorLogger("scheduler", logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *SchedulerActor) Receive(ctx actor.Context) {
	state.behavior.Receive(ctx)
}

func (state *SchedulerActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.armNext(ctx, minuteTick{}, state.minuteTrigger)
		state.armNext(ctx, halfHourTick{}, state.halfHourTrigger)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_SCHEDULER, Healthy: true, State: "idle"})
	case minuteTick:
		state.armNext(ctx, minuteTick{}, state.minuteTrigger)
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.session, domain.GetSessionStateRequest{}, sessionStateTimeout), func(err error) any {
			return domain.GetSessionStateResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
		})
		state.behavior.BecomeStacked(state.WaitingMinuteState)
	case halfHourTick:
		state.armNext(ctx, halfHourTick{}, state.halfHourTrigger)
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.session, domain.GetSessionStateRequest{}, sessionStateTimeout), func(err error) any {
			return domain.GetSessionStateResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
		})
		state.behavior.BecomeStacked(state.WaitingHalfHourState)
	default:
		state.logger.Debug("scheduler@default: ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *SchedulerActor) WaitingMinuteState(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetSessionStateResponse:
		if msg.HasResponseError() || msg.State != "authenticated" {
			state.logger.Debug("scheduler@minute: skipping tick, not authenticated", zap.String("state", msg.State))
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
			return
		}
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.session, domain.GetInstantReadingRequest{}, readingTimeout), func(err error) any {
			return domain.GetInstantReadingResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
		})
	case domain.GetInstantReadingResponse:
		state.handleInstantReading(ctx, msg)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SchedulerActor) WaitingHalfHourState(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetSessionStateResponse:
		if msg.HasResponseError() || msg.State != "authenticated" {
			state.logger.Debug("scheduler@halfhour: skipping tick, not authenticated", zap.String("state", msg.State))
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
			return
		}
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.session, domain.GetCumulativeEnergyRequest{}, readingTimeout), func(err error) any {
			return domain.GetCumulativeEnergyResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
		})
	case domain.GetCumulativeEnergyResponse:
		state.handleCumulativeEnergy(ctx, msg)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SchedulerActor) handleInstantReading(ctx actor.Context, msg domain.GetInstantReadingResponse) {
	if msg.HasResponseError() {
		state.logger.Warn("scheduler@minute: reading failed, missing this tick", zap.Error(msg.GetResponseError()))
		return
	}
	if msg.Power != nil {
		ctx.Send(state.persistence, domain.InsertInstantPowerRequest{Sample: *msg.Power})
		state.publish(events.InstantPowerToUpdateEvents(*msg.Power))
	}
	if msg.Current != nil {
		ctx.Send(state.persistence, domain.InsertInstantCurrentRequest{Sample: *msg.Current})
		state.publish(events.InstantCurrentToUpdateEvents(*msg.Current))
	}
}

func (state *SchedulerActor) handleCumulativeEnergy(ctx actor.Context, msg domain.GetCumulativeEnergyResponse) {
	if msg.HasResponseError() {
		state.logger.Warn("scheduler@halfhour: reading failed, missing this tick", zap.Error(msg.GetResponseError()))
		return
	}
	if msg.Sample != nil {
		ctx.Send(state.persistence, domain.InsertCumulativeEnergyRequest{Sample: *msg.Sample})
		state.publish(events.CumulativeEnergyToUpdateEvents(*msg.Sample))
	}
}

func (state *SchedulerActor) publish(evs []domain.SensorUpdateEvent) {
	if state.eventStream == nil {
		return
	}
	for _, ev := range evs {
		state.eventStream.Publish(ev)
	}
}

// armNext computes the delay to trig's next fire time from now and
// self-schedules a single RequestOnce for it, rather than using a fixed
// relative interval, so a slow tick never drifts the cadence off-grid.
func (state *SchedulerActor) armNext(ctx actor.Context, msg any, trig *quartz.CronTrigger) {
	now := time.Now()
	nextNanos, err := trig.NextFireTime(now.UnixNano())
	if err != nil {
		state.logger.Error("scheduler: failed to compute next fire time", zap.Error(err))
		return
	}
	delay := time.Unix(0, nextNanos).Sub(now)
	if delay <= 0 {
		delay = time.Millisecond
	}
	state.scheduler.RequestOnce(delay, ctx.Self(), msg)
}
