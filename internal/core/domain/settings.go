package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settings is the pairing state persisted to the settings table after a
// successful join: the Route-B credentials, the meter's radio identity
// and its unit/coefficient. The session still runs an active scan on
// every start.
type Settings struct {
	RouteBID       string `json:"route_b_id"`
	RouteBPassword string `json:"route_b_password"`
	Channel        byte   `json:"channel"`
	PanID          uint16 `json:"pan_id"`
	MACAddr        uint64 `json:"mac_addr"`
	Unit           byte   `json:"unit"`
	Coefficient    uint32 `json:"coefficient"`
	PropertyMap    []byte `json:"property_map"`
}

// InstantPowerSample is one instantaneous active power reading, taken on
// the scheduler's minute tick.
type InstantPowerSample struct {
	RecordedAt time.Time
	Watts      int32
}

// InstantCurrentSample is one instantaneous current reading, in amps,
// taken on the scheduler's minute tick alongside InstantPowerSample.
type InstantCurrentSample struct {
	RecordedAt time.Time
	RPhase     decimal.Decimal
	TPhase     *decimal.Decimal
}

// CumulativeEnergySample is one cumulative energy counter reading,
// already scaled to kWh, taken on the scheduler's half-hour tick.
type CumulativeEnergySample struct {
	RecordedAt time.Time
	KWh        decimal.Decimal
}
