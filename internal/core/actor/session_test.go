package actor

import (
	"testing"
	"time"

	"github.com/frostmeter/broutemeterd/internal/core/domain"
	"github.com/frostmeter/broutemeterd/internal/util/actorutil"
	"github.com/frostmeter/broutemeterd/pkg/echonetlite"
	"github.com/frostmeter/broutemeterd/pkg/skstack"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testMeterMAC uint64 = 0x001D129000031234

// fakeModuleDriver stands in for the serial-backed ModuleDriverActor in
// tests, answering every request instantly and canning a Get_Res frame
// for whatever TID the session last sent.
type fakeModuleDriver struct {
	pendingTID  uint16
	pendingEPCs []byte
	joinFails   int
}

func (f *fakeModuleDriver) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActiveScanRequest:
		ctx.Respond(domain.ActiveScanResponse{
			Results: []skstack.ScanResult{{PanDesc: skstack.RxEpandesc{
				Channel: 0x21, PanID: 0xABCD, Addr: testMeterMAC, LQI: 80,
			}}},
		})
	case domain.SetRouteBIDRequest:
		ctx.Respond(domain.SetRouteBIDResponse{})
	case domain.SetPasswordRequest:
		ctx.Respond(domain.SetPasswordResponse{})
	case domain.SRegSetRequest:
		ctx.Respond(domain.SRegSetResponse{})
	case domain.JoinRequest:
		if f.joinFails > 0 {
			f.joinFails--
			ctx.Respond(domain.JoinResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: skstack.JoinFailedError{}}})
			return
		}
		ctx.Respond(domain.JoinResponse{})
	case domain.SendFrameRequest:
		frame, err := echonetlite.Decode(msg.Payload)
		if err != nil {
			panic(err) // the session only ever sends frames it built itself
		}
		f.pendingTID = frame.TID
		f.pendingEPCs = nil
		for _, p := range frame.Properties {
			f.pendingEPCs = append(f.pendingEPCs, p.EPC)
		}
		ctx.Respond(domain.SendFrameResponse{})
	case domain.WaitForFrameRequest:
		ctx.Respond(domain.WaitForFrameResponse{Data: canningResponseFrame(f.pendingTID, f.pendingEPCs).Encode()})
	}
}

// canningResponseFrame builds a Get_Res canning a value for each
// requested EPC, so the same fake driver serves every property-read
// test below regardless of which EPCs the session asked for.
func canningResponseFrame(tid uint16, epcs []byte) echonetlite.Frame {
	frame := echonetlite.Frame{
		TID:  tid,
		SEOJ: echonetlite.EOJMeter,
		DEOJ: echonetlite.EOJController,
		ESV:  echonetlite.ESVGetRes,
	}
	for _, epc := range epcs {
		switch epc {
		case echonetlite.EPCInstantPower:
			frame.Properties = append(frame.Properties, echonetlite.Property{EPC: epc, EDT: []byte{0x00, 0x00, 0x04, 0x2C}})
		case echonetlite.EPCInstantCurrent:
			frame.Properties = append(frame.Properties, echonetlite.Property{EPC: epc, EDT: []byte{0x00, 0x62, 0x00, 0x16}})
		case echonetlite.EPCCumulativeEnergyNormal:
			frame.Properties = append(frame.Properties, echonetlite.Property{EPC: epc, EDT: []byte{0x00, 0x00, 0x04, 0xD2}})
		case echonetlite.EPCUnit:
			frame.Properties = append(frame.Properties, echonetlite.Property{EPC: epc, EDT: []byte{0x01}})
		case echonetlite.EPCCoefficient:
			frame.Properties = append(frame.Properties, echonetlite.Property{EPC: epc, EDT: []byte{0x00, 0x00, 0x00, 0x01}})
		case echonetlite.EPCPropertyMap:
			frame.Properties = append(frame.Properties, echonetlite.Property{EPC: epc, EDT: []byte{0x03, echonetlite.EPCInstantPower, echonetlite.EPCInstantCurrent, echonetlite.EPCUnit}})
		}
	}
	return frame
}

func spawnTestSession(t *testing.T, joinFails int) (*actor.RootContext, *actor.PID) {
	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	driverPID := ctx.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return &fakeModuleDriver{joinFails: joinFails}
	}))

	settings := domain.Settings{RouteBID: "00112233445566778899AABBCCDDEEFF", RouteBPassword: "ABCDEFGHIJKL", Unit: 0x01, Coefficient: 1}
	sessionPID := ctx.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewSessionActor(settings, driverPID, logger)
	}))

	return ctx, sessionPID
}

func sessionState(t *testing.T, ctx *actor.RootContext, pid *actor.PID) string {
	resp, err := ctx.RequestFuture(pid, domain.GetSessionStateRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	return resp.(domain.GetSessionStateResponse).State
}

func TestSessionReachesAuthenticatedAfterScanAndJoin(t *testing.T) {
	ctx, pid := spawnTestSession(t, 0)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "authenticated", sessionState(t, ctx, pid))
}

func TestSessionRetriesJoinBeforeAuthenticating(t *testing.T) {
	ctx, pid := spawnTestSession(t, 2)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "authenticated", sessionState(t, ctx, pid))
}

func TestSessionAnswersInstantReadingOnceAuthenticated(t *testing.T) {
	ctx, pid := spawnTestSession(t, 0)
	time.Sleep(200 * time.Millisecond)

	resp, err := ctx.RequestFuture(pid, domain.GetInstantReadingRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	reading := resp.(domain.GetInstantReadingResponse)
	require.False(t, reading.HasResponseError())
	require.NotNil(t, reading.Power)
	assert.EqualValues(t, 1068, reading.Power.Watts)
	require.NotNil(t, reading.Current)
	assert.True(t, reading.Current.RPhase.Equal(decimal.NewFromFloat(9.8)))
	require.NotNil(t, reading.Current.TPhase)
	assert.True(t, reading.Current.TPhase.Equal(decimal.NewFromFloat(2.2)))
}

func TestSessionAnswersUnitAndCoefficientOnceAuthenticated(t *testing.T) {
	ctx, pid := spawnTestSession(t, 0)
	time.Sleep(200 * time.Millisecond)

	resp, err := ctx.RequestFuture(pid, domain.GetUnitAndCoefficientRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	uc := resp.(domain.GetUnitAndCoefficientResponse)
	require.False(t, uc.HasResponseError())
	assert.EqualValues(t, 0x01, uc.Unit)
	assert.EqualValues(t, 1, uc.Coefficient)
}

func TestSessionAnswersPropertyMapOnceAuthenticated(t *testing.T) {
	ctx, pid := spawnTestSession(t, 0)
	time.Sleep(200 * time.Millisecond)

	resp, err := ctx.RequestFuture(pid, domain.GetPropertyMapRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	pm := resp.(domain.GetPropertyMapResponse)
	require.False(t, pm.HasResponseError())
	assert.Contains(t, pm.PropertyMap, echonetlite.EPCInstantCurrent)
}
