package actor

import (
	"github.com/frostmeter/broutemeterd/internal/core/domain"
	"github.com/frostmeter/broutemeterd/internal/util"
	"github.com/frostmeter/broutemeterd/internal/util/actorutil"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMQTTActor(t *testing.T) {
	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, logger) })
	pid := context.Spawn(props)

	time.Sleep(500 * time.Millisecond)

	msg := domain.ActorHealthRequest{}
	result, err := context.RequestFuture(pid, msg, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.NotNil(t, resp)

	updateResult, err := context.RequestFuture(pid, domain.PublishSensorUpdateRequest{
		Event: domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{
				Id: domain.SENSOR_ID_INSTANT_POWER,
			},
			Value: 345.32,
		},
	}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	_, ok = updateResult.(domain.PublishSensorUpdateResponse)
	assert.True(t, ok)

	context.Stop(pid)

	time.Sleep(500 * time.Millisecond)

	as.Shutdown()
}
