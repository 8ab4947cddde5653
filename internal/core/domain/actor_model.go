package domain

import (
	"net"
	"time"

	"github.com/frostmeter/broutemeterd/pkg/skstack"
	"github.com/shopspring/decimal"
)

const (
	ACTOR_ID_MASTER       = "master"
	ACTOR_ID_MODULEDRIVER = "moduledriver"
	ACTOR_ID_SESSION      = "session"
	ACTOR_ID_SCHEDULER    = "scheduler"
	ACTOR_ID_PERSISTENCE  = "persistence"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
)

// GetInstantReadingRequest asks session for instantaneous power and
// current in a single ECHONET Lite Get, the way the scheduler's minute
// tick issues it.
type GetInstantReadingRequest struct {
	ActorRequestMixIn
}

type GetInstantReadingResponse struct {
	ActorResponseMixIn
	Power   *InstantPowerSample
	Current *InstantCurrentSample
}

// GetCumulativeEnergyRequest asks session for the latest cumulative
// energy counter reading taken on the scheduler's half-hour tick.
type GetCumulativeEnergyRequest struct {
	ActorRequestMixIn
}

type GetCumulativeEnergyResponse struct {
	ActorResponseMixIn
	Sample *CumulativeEnergySample
}

// GetSessionStateRequest asks session which state of the join state
// machine it is currently in (plus the joined meter's MAC, channel and
// PAN ID), for the operator commands, the discovery actor, and the
// scheduler to skip ticks while not yet Authenticated.
type GetSessionStateRequest struct {
	ActorRequestMixIn
}

type GetSessionStateResponse struct {
	ActorResponseMixIn
	State   string
	MACAddr uint64
	Channel byte
	PanID   uint16
}

// GetUnitAndCoefficientRequest asks session to read the meter's EPC
// 0xE1 unit and EPC 0xD3 multiplying coefficient, used once during
// pairing to resolve cumulative energy readings to kWh.
type GetUnitAndCoefficientRequest struct {
	ActorRequestMixIn
}

type GetUnitAndCoefficientResponse struct {
	ActorResponseMixIn
	Unit        byte
	Coefficient uint32
}

// GetPropertyMapRequest asks session to read the meter's EPC 0x9D get
// property map, used once during pairing, where the map is logged and
// stored with the settings.
type GetPropertyMapRequest struct {
	ActorRequestMixIn
}

type GetPropertyMapResponse struct {
	ActorResponseMixIn
	PropertyMap []byte
}

// InsertInstantPowerRequest asks persistence to record a reading.
type InsertInstantPowerRequest struct {
	ActorRequestMixIn
	Sample InstantPowerSample
}

type InsertInstantPowerResponse struct {
	ActorResponseMixIn
}

type InsertInstantCurrentRequest struct {
	ActorRequestMixIn
	Sample InstantCurrentSample
}

type InsertInstantCurrentResponse struct {
	ActorResponseMixIn
}

type InsertCumulativeEnergyRequest struct {
	ActorRequestMixIn
	Sample CumulativeEnergySample
}

type InsertCumulativeEnergyResponse struct {
	ActorResponseMixIn
}

// SaveSettingsRequest persists the pairing state learned during a join.
type SaveSettingsRequest struct {
	ActorRequestMixIn
	Settings Settings
}

type SaveSettingsResponse struct {
	ActorResponseMixIn
}

// LoadSettingsRequest retrieves the last-persisted pairing state, if any.
type LoadSettingsRequest struct {
	ActorRequestMixIn
}

type LoadSettingsResponse struct {
	ActorResponseMixIn
	Settings *Settings
}

// GetRecentRecordsRequest asks persistence for the last N rows of every
// telemetry table, for the recordctl get-records command.
type GetRecentRecordsRequest struct {
	ActorRequestMixIn
	Count int
}

type GetRecentRecordsResponse struct {
	ActorResponseMixIn
	InstantPower     []InstantPowerSample
	InstantCurrent   []InstantCurrentSample
	CumulativeEnergy []CumulativeEnergySample
}

// CumulativeEnergyRecord is one cumlative_amount_epower row with its id,
// needed to target a specific duplicate for deletion.
type CumulativeEnergyRecord struct {
	ID         int64
	RecordedAt time.Time
	KWh        decimal.Decimal
}

// FindDuplicateCumulativeEnergyRequest asks persistence to scan
// cumlative_amount_epower in recorded_at order and report rows whose
// (recorded_at, kwh) pair repeats the immediately preceding row, for
// recordctl unique-records.
type FindDuplicateCumulativeEnergyRequest struct {
	ActorRequestMixIn
}

type FindDuplicateCumulativeEnergyResponse struct {
	ActorResponseMixIn
	Records      []CumulativeEnergyRecord
	DuplicateIDs []int64
}

type DeleteCumulativeEnergyRequest struct {
	ActorRequestMixIn
	IDs []int64
}

type DeleteCumulativeEnergyResponse struct {
	ActorResponseMixIn
	Deleted int
}

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Retain bool
	Event  SensorUpdateEvent
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors []GenericSensor
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}

// ModuleDriver protocol. Session is the only caller; every request below
// blocks the moduledriver actor on the serial link, so it answers from a
// background task while stashing everything else.

type ResetRequest struct {
	ActorRequestMixIn
}

type ResetResponse struct {
	ActorResponseMixIn
}

type SetPasswordRequest struct {
	ActorRequestMixIn
	Password string
}

type SetPasswordResponse struct {
	ActorResponseMixIn
}

type SetRouteBIDRequest struct {
	ActorRequestMixIn
	ID string
}

type SetRouteBIDResponse struct {
	ActorResponseMixIn
}

type SRegSetRequest struct {
	ActorRequestMixIn
	Reg   string
	Value string
}

type SRegSetResponse struct {
	ActorResponseMixIn
}

type ActiveScanRequest struct {
	ActorRequestMixIn
	ChannelMask uint32
	Duration    byte
	Deadline    time.Duration
}

type ActiveScanResponse struct {
	ActorResponseMixIn
	Results []skstack.ScanResult
}

type JoinRequest struct {
	ActorRequestMixIn
	Target   net.IP
	Deadline time.Duration
}

type JoinResponse struct {
	ActorResponseMixIn
}

type SendFrameRequest struct {
	ActorRequestMixIn
	Target  net.IP
	Payload []byte
}

type SendFrameResponse struct {
	ActorResponseMixIn
}

type WaitForFrameRequest struct {
	ActorRequestMixIn
	Deadline time.Duration
}

type WaitForFrameResponse struct {
	ActorResponseMixIn
	Data []byte
}
