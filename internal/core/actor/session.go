package actor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/frostmeter/broutemeterd/internal/core/domain"
	. "github.com/frostmeter/broutemeterd/internal/util/actorutil"
	"github.com/frostmeter/broutemeterd/pkg/echonetlite"
	"github.com/frostmeter/broutemeterd/pkg/skstack"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

const (
	minScanDurationExp byte = 4
	maxScanDurationExp byte = 8
	maxJoinAttempts         = 3
	joinTimeout             = 30 * time.Second
	propertyTimeout         = 20 * time.Second
	fullChannelMask    uint32 = 0xFFFFFFFF
)

type propertyKind int

const (
	kindInstantReading propertyKind = iota
	kindCumulativeEnergy
	kindUnitAndCoefficient
	kindPropertyMap
)

// SessionActor drives the PANA join state machine and, once
// Authenticated, answers instantaneous/cumulative property reads on
// behalf of the scheduler. Its states are protoactor-go stacked
// behaviors backed by background tasks for every blocking serial call.
type SessionActor struct {
	behavior actor.Behavior
	stash    *Stash

	moduleDriver *actor.PID
	logger       *zap.Logger

	settings domain.Settings

	scanDurationExp byte
	joinAttempts    int
	meterAddr       net.IP

	nextTID uint16

	pendingKind    propertyKind
	pendingTID     uint16
	pendingRetried bool
	deadlineAt     time.Time
	replyTo        *actor.PID
}

func NewSessionActor(settings domain.Settings, moduleDriver *actor.PID, logger *zap.Logger) *SessionActor {
	act := &SessionActor{
		settings:        settings,
		moduleDriver:    moduleDriver,
		behavior:        actor.NewBehavior(),
		stash:           &Stash{},
		logger:          ActorLogger("session", logger),
		scanDurationExp: minScanDurationExp,
	}
	act.behavior.Become(act.Idle)
	return act
}

func (state *SessionActor) Receive(ctx actor.Context) {
	state.behavior.Receive(ctx)
}

func (state *SessionActor) Idle(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Info("session@idle: starting join")
		state.fireScan(ctx)
		state.behavior.Become(state.ScanningForMeter)
	case *actor.Restarting:
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) ScanningForMeter(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_SESSION, Healthy: true, State: "scanning"})
	case domain.GetSessionStateRequest:
		ForRequest(msg).Respond(ctx, domain.GetSessionStateResponse{State: "scanning", MACAddr: state.settings.MACAddr, Channel: state.settings.Channel, PanID: state.settings.PanID})
	case domain.ActiveScanResponse:
		if msg.HasResponseError() {
			state.logger.Warn("session@scanning: active scan error", zap.Error(msg.GetResponseError()))
		}
		best, ok := strongestBeacon(msg.Results)
		if !ok {
			if state.scanDurationExp < maxScanDurationExp {
				state.scanDurationExp++
				state.logger.Info("session@scanning: no beacon, widening scan", zap.Uint8("duration_exp", state.scanDurationExp))
				state.fireScan(ctx)
				return
			}
			state.fatal(ctx, skstack.MeterNotFoundError{})
			return
		}
		state.settings.Channel = best.Channel
		state.settings.PanID = best.PanID
		state.settings.MACAddr = best.Addr
		state.meterAddr = skstack.LinkLocalFromMAC(best.Addr)
		state.scanDurationExp = minScanDurationExp
		state.logger.Info("session@scanning: meter found", zap.Uint8("channel", best.Channel), zap.Uint16("pan_id", best.PanID))
		state.send(ctx, domain.SetRouteBIDRequest{ID: state.settings.RouteBID})
		state.behavior.Become(state.ConfiguringRouteBID)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) ConfiguringRouteBID(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.SetRouteBIDResponse:
		if msg.HasResponseError() {
			state.rescan(ctx, "set route-b id failed", msg.GetResponseError())
			return
		}
		state.send(ctx, domain.SetPasswordRequest{Password: state.settings.RouteBPassword})
		state.behavior.Become(state.ConfiguringPassword)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) ConfiguringPassword(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.SetPasswordResponse:
		if msg.HasResponseError() {
			state.rescan(ctx, "set password failed", msg.GetResponseError())
			return
		}
		state.send(ctx, domain.SRegSetRequest{Reg: "S2", Value: fmt.Sprintf("%X", state.settings.Channel)})
		state.behavior.Become(state.ConfiguringChannel)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) ConfiguringChannel(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.SRegSetResponse:
		if msg.HasResponseError() {
			state.rescan(ctx, "set channel failed", msg.GetResponseError())
			return
		}
		state.send(ctx, domain.SRegSetRequest{Reg: "S3", Value: fmt.Sprintf("%04X", state.settings.PanID)})
		state.behavior.Become(state.ConfiguringPanID)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) ConfiguringPanID(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.SRegSetResponse:
		if msg.HasResponseError() {
			state.rescan(ctx, "set pan id failed", msg.GetResponseError())
			return
		}
		state.send(ctx, domain.JoinRequest{Target: state.meterAddr, Deadline: joinTimeout})
		state.behavior.Become(state.Joining)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) Joining(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_SESSION, Healthy: true, State: "joining"})
	case domain.GetSessionStateRequest:
		ForRequest(msg).Respond(ctx, domain.GetSessionStateResponse{State: "joining", MACAddr: state.settings.MACAddr, Channel: state.settings.Channel, PanID: state.settings.PanID})
	case domain.JoinResponse:
		if msg.HasResponseError() {
			var joinFailed skstack.JoinFailedError
			if errors.As(msg.GetResponseError(), &joinFailed) && state.joinAttempts < maxJoinAttempts {
				state.joinAttempts++
				state.logger.Warn("session@joining: join failed, re-scanning", zap.Int("attempt", state.joinAttempts))
				state.fireScan(ctx)
				state.behavior.Become(state.ScanningForMeter)
				return
			}
			state.fatal(ctx, msg.GetResponseError())
			return
		}
		state.joinAttempts = 0
		state.logger.Info("session@joining: authenticated")
		state.behavior.Become(state.Authenticated)
		state.stash.UnstashAll(ctx)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) Authenticated(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_SESSION, Healthy: true, State: "authenticated"})
	case domain.GetSessionStateRequest:
		ForRequest(msg).Respond(ctx, domain.GetSessionStateResponse{State: "authenticated", MACAddr: state.settings.MACAddr, Channel: state.settings.Channel, PanID: state.settings.PanID})
	case domain.GetInstantReadingRequest:
		state.startPropertyRead(ctx, kindInstantReading, ForRequest(msg).ReplyTo(ctx))
	case domain.GetCumulativeEnergyRequest:
		state.startPropertyRead(ctx, kindCumulativeEnergy, ForRequest(msg).ReplyTo(ctx))
	case domain.GetUnitAndCoefficientRequest:
		state.startPropertyRead(ctx, kindUnitAndCoefficient, ForRequest(msg).ReplyTo(ctx))
	case domain.GetPropertyMapRequest:
		state.startPropertyRead(ctx, kindPropertyMap, ForRequest(msg).ReplyTo(ctx))
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) AwaitingSend(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.SendFrameResponse:
		if msg.HasResponseError() {
			state.retryOrFail(ctx, msg.GetResponseError())
			return
		}
		state.send(ctx, domain.WaitForFrameRequest{Deadline: time.Until(state.deadlineAt)})
		state.behavior.Become(state.AwaitingFrame)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) AwaitingFrame(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.WaitForFrameResponse:
		if msg.HasResponseError() {
			var sessionLost skstack.SessionLostError
			if errors.As(msg.GetResponseError(), &sessionLost) {
				state.fatal(ctx, msg.GetResponseError())
				return
			}
			state.retryOrFail(ctx, msg.GetResponseError())
			return
		}
		frame, err := echonetlite.Decode(msg.Data)
		if err != nil {
			state.retryOrFail(ctx, err)
			return
		}
		if frame.TID != state.pendingTID {
			state.logger.Debug("session@awaitingFrame: discarding unsolicited frame", zap.Uint16("tid", frame.TID))
			remaining := time.Until(state.deadlineAt)
			if remaining <= 0 {
				state.retryOrFail(ctx, skstack.ErrLinkTimeout{})
				return
			}
			state.send(ctx, domain.WaitForFrameRequest{Deadline: remaining})
			return
		}
		state.completePropertyRead(ctx, frame)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *SessionActor) startPropertyRead(ctx actor.Context, kind propertyKind, replyTo *actor.PID) {
	state.pendingKind = kind
	state.pendingTID = state.nextTID
	state.nextTID++
	state.pendingRetried = false
	state.deadlineAt = time.Now().Add(propertyTimeout)
	state.replyTo = replyTo

	frame := state.buildRequestFrame(kind, state.pendingTID)
	state.send(ctx, domain.SendFrameRequest{Target: state.meterAddr, Payload: frame.Encode()})
	state.behavior.BecomeStacked(state.AwaitingSend)
}

func (state *SessionActor) buildRequestFrame(kind propertyKind, tid uint16) echonetlite.Frame {
	var epcs []byte
	switch kind {
	case kindInstantReading:
		epcs = []byte{echonetlite.EPCInstantPower, echonetlite.EPCInstantCurrent}
	case kindCumulativeEnergy:
		epcs = []byte{echonetlite.EPCCumulativeEnergyNormal}
	case kindUnitAndCoefficient:
		epcs = []byte{echonetlite.EPCUnit, echonetlite.EPCCoefficient}
	case kindPropertyMap:
		epcs = []byte{echonetlite.EPCPropertyMap}
	}
	props := make([]echonetlite.Property, len(epcs))
	for i, epc := range epcs {
		props[i] = echonetlite.Property{EPC: epc}
	}
	return echonetlite.Frame{
		TID:        tid,
		SEOJ:       echonetlite.EOJController,
		DEOJ:       echonetlite.EOJMeter,
		ESV:        echonetlite.ESVGet,
		Properties: props,
	}
}

// retryOrFail implements the property client's one-automatic-retry
// policy: the whole send/receive round trip is resent once before the
// error is surfaced to the caller.
func (state *SessionActor) retryOrFail(ctx actor.Context, err error) {
	if !state.pendingRetried {
		state.pendingRetried = true
		state.logger.Warn("session@property: retrying once", zap.Error(err))
		state.deadlineAt = time.Now().Add(propertyTimeout)
		frame := state.buildRequestFrame(state.pendingKind, state.pendingTID)
		state.send(ctx, domain.SendFrameRequest{Target: state.meterAddr, Payload: frame.Encode()})
		state.behavior.Become(state.AwaitingSend)
		return
	}
	state.logger.Error("session@property: giving up after retry", zap.Error(err))
	state.respondPropertyError(ctx, err)
}

func (state *SessionActor) respondPropertyError(ctx actor.Context, err error) {
	switch state.pendingKind {
	case kindInstantReading:
		ctx.Send(state.replyTo, domain.GetInstantReadingResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}})
	case kindCumulativeEnergy:
		ctx.Send(state.replyTo, domain.GetCumulativeEnergyResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}})
	case kindUnitAndCoefficient:
		ctx.Send(state.replyTo, domain.GetUnitAndCoefficientResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}})
	case kindPropertyMap:
		ctx.Send(state.replyTo, domain.GetPropertyMapResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}})
	}
	state.behavior.Become(state.Authenticated)
	state.stash.UnstashAll(ctx)
}

func (state *SessionActor) completePropertyRead(ctx actor.Context, frame echonetlite.Frame) {
	minuteTick := time.Now().Truncate(time.Minute)
	halfHourTick := alignToHalfHour(minuteTick)
	if frame.ESV == echonetlite.ESVGetSNA {
		state.logger.Warn("session@property: meter returned Get_SNA, value unavailable")
		switch state.pendingKind {
		case kindInstantReading:
			ctx.Send(state.replyTo, domain.GetInstantReadingResponse{})
		case kindCumulativeEnergy:
			ctx.Send(state.replyTo, domain.GetCumulativeEnergyResponse{})
		case kindUnitAndCoefficient:
			ctx.Send(state.replyTo, domain.GetUnitAndCoefficientResponse{})
		case kindPropertyMap:
			ctx.Send(state.replyTo, domain.GetPropertyMapResponse{})
		}
		state.behavior.Become(state.Authenticated)
		state.stash.UnstashAll(ctx)
		return
	}

	switch state.pendingKind {
	case kindInstantReading:
		var power *domain.InstantPowerSample
		var current *domain.InstantCurrentSample
		if p, ok := frame.Find(echonetlite.EPCInstantPower); ok {
			if w, err := echonetlite.DecodeInstantPower(p.EDT); err == nil {
				power = &domain.InstantPowerSample{RecordedAt: minuteTick, Watts: w}
			} else if !isUnavailable(err) {
				state.retryOrFail(ctx, err)
				return
			}
		}
		if p, ok := frame.Find(echonetlite.EPCInstantCurrent); ok {
			if ic, err := echonetlite.DecodeInstantCurrent(p.EDT); err == nil {
				sample := &domain.InstantCurrentSample{RecordedAt: minuteTick, RPhase: ic.RPhase}
				if ic.HasTPhase {
					t := ic.TPhase
					sample.TPhase = &t
				}
				current = sample
			} else if !isUnavailable(err) {
				state.retryOrFail(ctx, err)
				return
			}
		}
		ctx.Send(state.replyTo, domain.GetInstantReadingResponse{Power: power, Current: current})
	case kindCumulativeEnergy:
		p, ok := frame.Find(echonetlite.EPCCumulativeEnergyNormal)
		if !ok {
			state.retryOrFail(ctx, echonetlite.MalformedError{Reason: "Get_Res missing EPC 0xE0"})
			return
		}
		kwh, err := echonetlite.DecodeCumulativeEnergy(p.EDT, echonetlite.Unit(state.settings.Unit), state.settings.Coefficient)
		if err != nil {
			if isUnavailable(err) {
				ctx.Send(state.replyTo, domain.GetCumulativeEnergyResponse{})
				state.behavior.Become(state.Authenticated)
				state.stash.UnstashAll(ctx)
				return
			}
			state.retryOrFail(ctx, err)
			return
		}
		ctx.Send(state.replyTo, domain.GetCumulativeEnergyResponse{Sample: &domain.CumulativeEnergySample{RecordedAt: halfHourTick, KWh: kwh}})
	case kindUnitAndCoefficient:
		p, ok := frame.Find(echonetlite.EPCUnit)
		if !ok {
			state.retryOrFail(ctx, echonetlite.MalformedError{Reason: "Get_Res missing EPC 0xE1"})
			return
		}
		unit, err := echonetlite.DecodeUnit(p.EDT)
		if err != nil {
			state.retryOrFail(ctx, err)
			return
		}
		coefficient := uint32(1)
		if cp, ok := frame.Find(echonetlite.EPCCoefficient); ok {
			if c, err := echonetlite.DecodeCoefficient(cp.EDT); err == nil {
				coefficient = c
			}
		}
		ctx.Send(state.replyTo, domain.GetUnitAndCoefficientResponse{Unit: byte(unit), Coefficient: coefficient})
	case kindPropertyMap:
		p, ok := frame.Find(echonetlite.EPCPropertyMap)
		if !ok {
			state.retryOrFail(ctx, echonetlite.MalformedError{Reason: "Get_Res missing EPC 0x9D"})
			return
		}
		propertyMap, err := echonetlite.DecodePropertyMap(p.EDT)
		if err != nil {
			state.retryOrFail(ctx, err)
			return
		}
		ctx.Send(state.replyTo, domain.GetPropertyMapResponse{PropertyMap: propertyMap})
	}
	state.behavior.Become(state.Authenticated)
	state.stash.UnstashAll(ctx)
}

func isUnavailable(err error) bool {
	var unavailable echonetlite.UnavailableError
	return errors.As(err, &unavailable)
}

// alignToHalfHour rounds down to the tick's half-hour boundary (minute 0 or 30).
// t is assumed already truncated to the minute.
func alignToHalfHour(t time.Time) time.Time {
	if t.Minute() < 30 {
		return t.Truncate(time.Hour)
	}
	return t.Truncate(time.Hour).Add(30 * time.Minute)
}

func (state *SessionActor) fireScan(ctx actor.Context) {
	state.send(ctx, domain.ActiveScanRequest{
		ChannelMask: fullChannelMask,
		Duration:    state.scanDurationExp,
		Deadline:    scanDeadline(state.scanDurationExp),
	})
}

func (state *SessionActor) rescan(ctx actor.Context, reason string, err error) {
	state.logger.Warn("session@configuring: "+reason+", re-scanning", zap.Error(err))
	state.scanDurationExp = minScanDurationExp
	state.fireScan(ctx)
	state.behavior.Become(state.ScanningForMeter)
}

func (state *SessionActor) send(ctx actor.Context, msg any) {
	ctx.RequestWithCustomSender(state.moduleDriver, msg, ctx.Self())
}

// fatal is the session-fatal path: EVENT 29 mid-run, a PANA join that
// never succeeds, or an exhausted active scan. The process exits and
// the daemon's process supervisor restarts it from scratch, since the
// PANA session keys cannot be re-derived in-process.
func (state *SessionActor) fatal(ctx actor.Context, err error) {
	state.logger.Error("session: fatal, exiting", zap.Error(err))
	ctx.ActorSystem().Shutdown()
	os.Exit(1)
}

func strongestBeacon(results []skstack.ScanResult) (skstack.RxEpandesc, bool) {
	var best skstack.RxEpandesc
	found := false
	for _, r := range results {
		if !found || r.PanDesc.LQI > best.LQI {
			best = r.PanDesc
			found = true
		}
	}
	return best, found
}

func scanDeadline(durationExp byte) time.Duration {
	// SKSCAN's own per-channel dwell grows with 2^durationExp; size the
	// read deadline generously above the module's worst case so
	// ErrLinkTimeout only fires on a genuinely dead link.
	return time.Duration(int64(1)<<durationExp) * 3 * time.Second
}
