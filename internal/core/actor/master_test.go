package actor

import (
	"testing"
	"time"

	adactor "github.com/frostmeter/broutemeterd/internal/adapter/actor"
	"github.com/frostmeter/broutemeterd/internal/core/domain"
	"github.com/frostmeter/broutemeterd/internal/util"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// fakeMasterModuleDriver and fakeMasterPersistence stand in for the
// serial- and database-backed actors the real providers would build,
// letting the master's startup and health-check wiring be exercised
// without touching a module or a database.
type fakeMasterModuleDriver struct{}

func (f *fakeMasterModuleDriver) Receive(ctx actor.Context) {
	if _, ok := ctx.Message().(domain.ActorHealthRequest); ok {
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_MODULEDRIVER, Healthy: true, State: "idle"})
	}
}

type fakeMasterPersistence struct {
	settings domain.Settings
}

func (f *fakeMasterPersistence) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_PERSISTENCE, Healthy: true, State: "idle"})
	case domain.LoadSettingsRequest:
		settings := f.settings
		ctx.Respond(domain.LoadSettingsResponse{Settings: &settings})
	}
}

func spawnTestMaster(t *testing.T) (*actor.RootContext, *actor.PID) {
	as := actor.NewActorSystem()
	context := as.Root

	cfg := util.LoadTestConfig()
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	settings := domain.Settings{RouteBID: "00112233445566778899AABBCCDDEEFF", RouteBPassword: "ABCDEFGHIJKL", Unit: 0x01, Coefficient: 1}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(cfg, "test", func() actor.Actor {
			return &fakeMasterModuleDriver{}
		}, func() actor.Actor {
			return &fakeMasterPersistence{settings: settings}
		}, func(es *eventstream.EventStream) actor.Actor {
			return adactor.NewTestMQTTActor(&cfg, logger)
		}, logger)
	})
	pid, err := context.SpawnNamed(props, "master")
	if err != nil {
		t.Fatal(err)
	}
	return context, pid
}

func TestMasterActorReportsHealthyOnceChildrenAreUp(t *testing.T) {
	context, pid := spawnTestMaster(t)

	time.Sleep(2 * time.Second)

	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	healthResp, ok := res.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, healthResp.Healthy, "healthy is true")

	context.Stop(pid)
	as := context.ActorSystem()
	as.Shutdown()
}
