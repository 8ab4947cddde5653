package events

import (
	. "github.com/frostmeter/broutemeterd/internal/core/domain"
)

// InstantPowerToUpdateEvents converts a power reading into the sensor
// update the mqtt actor publishes.
func InstantPowerToUpdateEvents(sample InstantPowerSample) []SensorUpdateEvent {
	return []SensorUpdateEvent{
		FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: SENSOR_ID_INSTANT_POWER},
			Value:                  float64(sample.Watts),
			Decimals:               0,
		},
	}
}

// InstantCurrentToUpdateEvents converts a current reading into one or
// two sensor updates, depending on whether the meter reported a T-phase
// reading.
func InstantCurrentToUpdateEvents(sample InstantCurrentSample) []SensorUpdateEvent {
	rPhase, _ := sample.RPhase.Float64()
	events := []SensorUpdateEvent{
		FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: SENSOR_ID_INSTANT_CURRENT},
			Value:                  rPhase,
			Decimals:               1,
		},
	}
	if sample.TPhase != nil {
		tPhase, _ := sample.TPhase.Float64()
		events = append(events, FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: SENSOR_ID_INSTANT_CURRENT2},
			Value:                  tPhase,
			Decimals:               1,
		})
	}
	return events
}

// CumulativeEnergyToUpdateEvents converts a cumulative energy reading
// into the sensor update the mqtt actor publishes.
func CumulativeEnergyToUpdateEvents(sample CumulativeEnergySample) []SensorUpdateEvent {
	kwh, _ := sample.KWh.Float64()
	return []SensorUpdateEvent{
		FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: SENSOR_ID_CUMULATIVE_ENERGY},
			Value:                  kwh,
			Decimals:               3,
		},
	}
}

// BridgeStateUpdateEvents converts the session's Authenticated/not state
// into the bridge connectivity sensor.
func BridgeStateUpdateEvents(connected bool) []SensorUpdateEvent {
	return []SensorUpdateEvent{
		BridgeStateUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: SENSOR_ID_BRIDGE_STATE},
			Value:                  connected,
		},
	}
}
