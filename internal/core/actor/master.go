package actor

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/frostmeter/broutemeterd/internal/config"
	"github.com/frostmeter/broutemeterd/internal/core/domain"
	. "github.com/frostmeter/broutemeterd/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

// ErrNoPairing is returned (and panicked with) when the daemon starts
// without a previously-persisted pairing. Pairing runs as a separate
// one-shot command; the daemon never writes its own settings row.
var ErrNoPairing = errors.New("no pairing settings found, run the pairing command first")

// Providers are plain actor.Producer functions so tests can swap in an
// actor.Actor backed by fakes without master knowing about the
// concrete serial- or database-backed implementation.
type MQTTActorProvider func(*eventstream.EventStream) actor.Actor

type ModuleDriverActorProvider func() actor.Actor

type PersistenceActorProvider func() actor.Actor

// MasterOfPuppetsActor boots the daemon's actor tree in dependency
// order - module driver and persistence first, then the settings load
// that session needs to exist, then session, the optional MQTT actor,
// scheduler, and the optional discovery actor - and answers aggregate health checks
// by fanning out to every long-lived child.
type MasterOfPuppetsActor struct {
	config      config.Config
	bridgeVersion string
	behavior    actor.Behavior
	stash       *Stash

	currentHealthCheck healthCheckResult
	eventStream        *eventstream.EventStream

	moduleDriverActor *actor.PID
	persistenceActor  *actor.PID
	sessionActor      *actor.PID
	schedulerActor    *actor.PID
	mqttActor         *actor.PID
	haDiscoveryActor  *actor.PID

	moduleDriverActorProvider ModuleDriverActorProvider
	persistenceActorProvider  PersistenceActorProvider
	mqttActorProvider         MQTTActorProvider

	logger *zap.Logger
}

type healthCheckResult struct {
	moduleDriverHealthy bool
	sessionHealthy      bool
	schedulerHealthy    bool
	persistenceHealthy  bool
	mqttHealthy         bool
	mqttExpected        bool
	checksExpected      int
	checksReceived      int
	respondTo           *actor.PID
}

func NewMasterOfPuppetsActor(config config.Config, bridgeVersion string, moduleDriverActorProvider ModuleDriverActorProvider,
	persistenceActorProvider PersistenceActorProvider, mqttActorProvider MQTTActorProvider, logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		config:                    config,
		bridgeVersion:             bridgeVersion,
		behavior:                  actor.NewBehavior(),
		stash:                     &Stash{},
		logger:                    ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:               &eventstream.EventStream{},
		moduleDriverActorProvider: moduleDriverActorProvider,
		persistenceActorProvider:  persistenceActorProvider,
		mqttActorProvider:         mqttActorProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		moduleDriverPID, err := state.startModuleDriverActor(ctx)
		if err != nil {
			panic(err)
		}
		state.moduleDriverActor = moduleDriverPID

		persistencePID, err := state.startPersistenceActor(ctx)
		if err != nil {
			panic(err)
		}
		state.persistenceActor = persistencePID

		settings, err := state.loadSettings(ctx)
		if err != nil {
			panic(err)
		}

		sessionPID, err := state.startSessionActor(ctx, *settings)
		if err != nil {
			panic(err)
		}
		state.sessionActor = sessionPID

		mqttEnabled := state.config.MQTT.Enabled
		if mqttEnabled {
			mqttPID, err := state.startMQTTActor(ctx)
			if err != nil {
				panic(err)
			}
			state.mqttActor = mqttPID
		}

		schedulerPID, err := state.startSchedulerActor(ctx)
		if err != nil {
			panic(err)
		}
		state.schedulerActor = schedulerPID

		if mqttEnabled && state.config.MQTT.HADiscoveryEnable {
			haPID, err := state.startHADiscoveryActor(ctx)
			if err != nil {
				panic(err)
			}
			state.haDiscoveryActor = haPID
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck = newHealthCheckResult(state.mqttActor != nil)
		state.currentHealthCheck.respondTo = ctx.Sender()

		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.moduleDriverActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{Id: domain.ACTOR_ID_MODULEDRIVER, Healthy: false}
		})
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.sessionActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{Id: domain.ACTOR_ID_SESSION, Healthy: false}
		})
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.schedulerActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{Id: domain.ACTOR_ID_SCHEDULER, Healthy: false}
		})
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.persistenceActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{Id: domain.ACTOR_ID_PERSISTENCE, Healthy: false}
		})
		if state.mqttActor != nil {
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.ActorHealthResponse{Id: domain.ACTOR_ID_MQTT, Healthy: false}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)
		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case *actor.Terminated:
		if msg.Who.Id == fmt.Sprintf("%s/%s", domain.ACTOR_ID_MASTER, domain.ACTOR_ID_MODULEDRIVER) {
			state.logger.Error("master@default moduledriver terminated")
			panic(errors.New("moduledriver terminated"))
		}
		if msg.Who.Id == fmt.Sprintf("%s/%s", domain.ACTOR_ID_MASTER, domain.ACTOR_ID_PERSISTENCE) {
			state.logger.Error("master@default persistence terminated")
			panic(errors.New("persistence terminated"))
		}
	default:
		state.logger.Debug("master@default stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		if msg.Healthy {
			switch msg.Id {
			case domain.ACTOR_ID_MODULEDRIVER:
				state.currentHealthCheck.moduleDriverHealthy = true
			case domain.ACTOR_ID_SESSION:
				state.currentHealthCheck.sessionHealthy = true
			case domain.ACTOR_ID_SCHEDULER:
				state.currentHealthCheck.schedulerHealthy = true
			case domain.ACTOR_ID_PERSISTENCE:
				state.currentHealthCheck.persistenceHealthy = true
			case domain.ACTOR_ID_MQTT:
				state.currentHealthCheck.mqttHealthy = true
			}
		}
		if state.currentHealthCheck.allReceived() {
			state.currentHealthCheck.respond(ctx)
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// loadSettings blocks master's own startup on the persistence actor's
// reply: there is no point spawning session without a pairing to run.
func (state *MasterOfPuppetsActor) loadSettings(ctx actor.Context) (*domain.Settings, error) {
	res, err := ctx.RequestFuture(state.persistenceActor, domain.LoadSettingsRequest{}, 10*time.Second).Result()
	if err != nil {
		return nil, err
	}
	resp, ok := res.(domain.LoadSettingsResponse)
	if !ok {
		return nil, errors.New("unexpected response loading settings")
	}
	if resp.HasResponseError() {
		return nil, resp.ResponseError
	}
	if resp.Settings == nil {
		return nil, ErrNoPairing
	}
	return resp.Settings, nil
}

func (state *MasterOfPuppetsActor) startModuleDriverActor(ctx actor.Context) (*actor.PID, error) {
	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	props := actor.PropsFromProducer(func() actor.Actor {
		return state.moduleDriverActorProvider()
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_MODULEDRIVER)
}

func (state *MasterOfPuppetsActor) startPersistenceActor(ctx actor.Context) (*actor.PID, error) {
	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	props := actor.PropsFromProducer(func() actor.Actor {
		return state.persistenceActorProvider()
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_PERSISTENCE)
}

func (state *MasterOfPuppetsActor) startSessionActor(ctx actor.Context, settings domain.Settings) (*actor.PID, error) {
	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(3, 30*time.Second, decider)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewSessionActor(settings, state.moduleDriverActor, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_SESSION)
}

func (state *MasterOfPuppetsActor) startSchedulerActor(ctx actor.Context) (*actor.PID, error) {
	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(3, 30*time.Second, decider)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewSchedulerActor(state.sessionActor, state.persistenceActor, state.mqttActor, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_SCHEDULER)
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {
	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	props := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_MQTT)
}

func (state *MasterOfPuppetsActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {
	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(state.bridgeVersion, state.sessionActor, state.mqttActor, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, domain.ACTOR_ID_HA_DISCOVERY)
}

func newHealthCheckResult(mqttExpected bool) healthCheckResult {
	checksExpected := 4
	if mqttExpected {
		checksExpected = 5
	}
	return healthCheckResult{mqttExpected: mqttExpected, checksExpected: checksExpected}
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived == state.checksExpected
}

func (state *healthCheckResult) allHealthy() bool {
	healthy := state.moduleDriverHealthy && state.sessionHealthy && state.schedulerHealthy && state.persistenceHealthy
	if state.mqttExpected {
		healthy = healthy && state.mqttHealthy
	}
	return healthy
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
