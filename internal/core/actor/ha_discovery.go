package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/frostmeter/broutemeterd/internal/core/domain"
	"github.com/frostmeter/broutemeterd/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// HADiscoveryActor waits for Session and MQTT to report healthy, takes
// one instant reading to learn whether the meter reports a T-phase
// current, and publishes the Home Assistant discovery documents for the
// bridge and meter devices exactly once.
type HADiscoveryActor struct {
	behavior        actor.Behavior
	stash           *actorutil.Stash
	sessionActor    *actor.PID
	mqttActor       *actor.PID
	sessionHealthy  bool
	mqttHealthy     bool
	healthyRecv     int
	bridgeVersion   string
	macAddr         uint64

	logger *zap.Logger
}

func NewHADiscoveryActor(bridgeVersion string, sessionActor *actor.PID, mqttActor *actor.PID, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		bridgeVersion: bridgeVersion,
		sessionActor:  sessionActor,
		mqttActor:     mqttActor,
		behavior:      actor.NewBehavior(),
		stash:         &actorutil.Stash{},
		logger:        actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HADiscoveryActor) Receive(ctx actor.Context) {
	state.behavior.Receive(ctx)
}

func (state *HADiscoveryActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@starting started")
		state.healthyRecv = 0
		state.sessionHealthy = false
		state.mqttHealthy = false
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.sessionActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{Id: domain.ACTOR_ID_SESSION, Healthy: false}
		})
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{Id: domain.ACTOR_ID_MQTT, Healthy: false}
		})
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Restarting:
	default:
		state.logger.Debug("hadiscovery@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.healthyRecv++
		if msg.Healthy {
			switch msg.Id {
			case domain.ACTOR_ID_SESSION:
				state.sessionHealthy = true
			case domain.ACTOR_ID_MQTT:
				state.mqttHealthy = true
			}
		}
		if state.healthyRecv == 2 {
			if state.sessionHealthy && state.mqttHealthy {
				actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.sessionActor, domain.GetSessionStateRequest{}, 2*time.Second), func(err error) any {
					return domain.GetSessionStateResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
				})
				state.behavior.Become(state.WaitingMACReceive)
				state.stash.UnstashAll(ctx)
			} else {
				panic(errors.New("session or mqtt actor are not healthy"))
			}
		}
	default:
		state.logger.Debug("hadiscovery@healthcheck: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingMACReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetSessionStateResponse:
		if msg.HasResponseError() || msg.MACAddr == 0 {
			panic(errors.New("session has no MAC address yet, cannot build discovery documents"))
		}
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.sessionActor, domain.GetInstantReadingRequest{}, 25*time.Second), func(err error) any {
			return domain.GetInstantReadingResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
		})
		state.macAddr = msg.MACAddr
		state.behavior.Become(state.WaitingInfoReceive)
	default:
		state.logger.Debug("hadiscovery@mac: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingInfoReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetInstantReadingResponse:
		hasTPhase := !msg.HasResponseError() && msg.Current != nil && msg.Current.TPhase != nil
		state.logger.Debug("hadiscovery@info: GetInstantReadingResponse", zap.Bool("has_t_phase", hasTPhase))

		bridgeDevice := domain.BridgeDevice(state.bridgeVersion)
		meterDevice := domain.MeterDevice(state.macAddr)
		meterDevice.ViaDevice = bridgeDevice.Id

		var sensors []domain.GenericSensor
		sensors = append(sensors, domain.BridgeSensors(bridgeDevice)...)
		sensors = append(sensors, domain.MeterSensors(meterDevice, hasTPhase)...)

		ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{Sensors: sensors})
		state.behavior.Become(state.Done)
	default:
		state.logger.Debug("hadiscovery@info: default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) Done(ctx actor.Context) {
}
