package actor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/frostmeter/broutemeterd/internal/core/domain"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/reugn/go-quartz/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMinuteTriggerFiresOnTheMinuteBoundary(t *testing.T) {
	trig, err := quartz.NewCronTrigger("0 * * * * *")
	require.NoError(t, err)

	now := time.Date(2026, 8, 6, 10, 12, 37, 500_000_000, time.UTC)
	nextNanos, err := trig.NextFireTime(now.UnixNano())
	require.NoError(t, err)

	next := time.Unix(0, nextNanos).UTC()
	assert.Equal(t, time.Date(2026, 8, 6, 10, 13, 0, 0, time.UTC), next)
}

func TestHalfHourTriggerFiresOnTheHalfHourBoundary(t *testing.T) {
	trig, err := quartz.NewCronTrigger("0 0,30 * * * *")
	require.NoError(t, err)

	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 8, 6, 10, 5, 0, 0, time.UTC), time.Date(2026, 8, 6, 10, 30, 0, 0, time.UTC)},
		{time.Date(2026, 8, 6, 10, 31, 0, 0, time.UTC), time.Date(2026, 8, 6, 11, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		nextNanos, err := trig.NextFireTime(c.now.UnixNano())
		require.NoError(t, err)
		assert.Equal(t, c.want, time.Unix(0, nextNanos).UTC())
	}
}

// fakeSchedulerSession answers GetSessionStateRequest as authenticated
// and returns whatever canned reading/energy response the test set up,
// standing in for SessionActor without driving a real join.
type fakeSchedulerSession struct {
	readingResp domain.GetInstantReadingResponse
	energyResp  domain.GetCumulativeEnergyResponse
}

func (f *fakeSchedulerSession) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case domain.GetSessionStateRequest:
		ctx.Respond(domain.GetSessionStateResponse{State: "authenticated"})
	case domain.GetInstantReadingRequest:
		ctx.Respond(f.readingResp)
	case domain.GetCumulativeEnergyRequest:
		ctx.Respond(f.energyResp)
	}
}

// recordingPersistence captures every insert request it receives so a
// test can assert on exactly which samples a tick persisted.
type recordingPersistence struct {
	mu       sync.Mutex
	received []any
}

func (f *recordingPersistence) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.InsertInstantPowerRequest, domain.InsertInstantCurrentRequest, domain.InsertCumulativeEnergyRequest:
		f.mu.Lock()
		f.received = append(f.received, msg)
		f.mu.Unlock()
	}
}

func (f *recordingPersistence) snapshot() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.received))
	copy(out, f.received)
	return out
}

// TestSchedulerMinuteTickPersistsWhateverDecodedAndSkipsTheRest checks
// the missed-sample isolation property: a tick where only one of
// power/current decoded still persists that one sample, rather than an
// all-or-nothing failure discarding it alongside the missing one.
func TestSchedulerMinuteTickPersistsWhateverDecodedAndSkipsTheRest(t *testing.T) {
	as := actor.NewActorSystem()
	ctx := as.Root

	power := domain.InstantPowerSample{RecordedAt: time.Now(), Watts: 1200}
	session := ctx.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return &fakeSchedulerSession{readingResp: domain.GetInstantReadingResponse{Power: &power, Current: nil}}
	}))
	persistence := &recordingPersistence{}
	persistencePID := ctx.Spawn(actor.PropsFromProducer(func() actor.Actor { return persistence }))

	schedulerPID := ctx.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewSchedulerActor(session, persistencePID, nil, nil, zap.NewNop())
	}))

	ctx.Send(schedulerPID, minuteTick{})
	time.Sleep(300 * time.Millisecond)

	received := persistence.snapshot()
	require.Len(t, received, 1)
	_, ok := received[0].(domain.InsertInstantPowerRequest)
	assert.True(t, ok, "expected only the decoded power sample to be persisted")

	ctx.Stop(schedulerPID)
	as.Shutdown()
}

// TestSchedulerHalfHourTickSkipsPersistenceOnReadError checks that a
// failed half-hour read is logged and skipped rather than persisting a
// zero-value sample or panicking the actor.
func TestSchedulerHalfHourTickSkipsPersistenceOnReadError(t *testing.T) {
	as := actor.NewActorSystem()
	ctx := as.Root

	session := ctx.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return &fakeSchedulerSession{
			energyResp: domain.GetCumulativeEnergyResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: errors.New("meter unavailable")},
			},
		}
	}))
	persistence := &recordingPersistence{}
	persistencePID := ctx.Spawn(actor.PropsFromProducer(func() actor.Actor { return persistence }))

	schedulerPID := ctx.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewSchedulerActor(session, persistencePID, nil, nil, zap.NewNop())
	}))

	ctx.Send(schedulerPID, halfHourTick{})
	time.Sleep(300 * time.Millisecond)

	assert.Empty(t, persistence.snapshot())

	ctx.Stop(schedulerPID)
	as.Shutdown()
}
