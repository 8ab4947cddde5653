package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// SENSOR_ID_* names the fixed sensor ids this daemon publishes; each one
// doubles as the sensor's MQTT topic segment, and the Home Assistant
// discovery unique_id is a short MD5 hash of the owning device's id
// joined with it.
const (
	SENSOR_ID_BRIDGE_STATE     = "bridge_state"
	SENSOR_ID_INSTANT_POWER    = "instant_power"
	SENSOR_ID_INSTANT_CURRENT  = "instant_current_r"
	SENSOR_ID_INSTANT_CURRENT2 = "instant_current_t"
	SENSOR_ID_CUMULATIVE_ENERGY = "cumulative_energy"

	SENSOR_TYPE_SENSOR = "sensor"
	SENSOR_TYPE_BINARY  = "binary_sensor"

	STATE_CLASS_MEASUREMENT     = "measurement"
	STATE_CLASS_TOTAL_INCREASING = "total_increasing"

	DEVICE_CLASS_POWER  = "power"
	DEVICE_CLASS_CURRENT = "current"
	DEVICE_CLASS_ENERGY = "energy"

	ENTITY_CLASS_DIAGNOSTIC = "diagnostic"
)

// BridgeDevice is the Home Assistant device entry representing this
// daemon itself, used as the ViaDevice for the meter's own device entry
// and as the device for the bridge-state sensor.
func BridgeDevice(version string) Device {
	return Device{
		Id:      "broutemeterd",
		Name:    "Route-B Bridge",
		Version: version,
		Model:   "broutemeterd",
	}
}

// MeterDevice is the Home Assistant device entry for the smart meter
// itself, identified by its MAC so a re-pair doesn't create a second
// device entry in Home Assistant.
func MeterDevice(mac uint64) Device {
	return Device{
		Id:        fmt.Sprintf("meter-%016x", mac),
		Name:      "Smart Electric Energy Meter",
		Model:     "low-voltage smart meter",
		ViaDevice: "broutemeterd",
	}
}

// BridgeSensors is the discovery sensor set describing the bridge
// process' own connectivity, independent of whether a meter is paired.
func BridgeSensors(bridge Device) []GenericSensor {
	return []GenericSensor{
		{
			Device:         bridge,
			Id:             SENSOR_ID_BRIDGE_STATE,
			SensorType:     SENSOR_TYPE_BINARY,
			Name:           "Bridge Connected",
			UniqueId:       uniqueId(bridge, SENSOR_ID_BRIDGE_STATE),
			EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		},
	}
}

// MeterSensors is the discovery sensor set for the readings this daemon
// publishes from the meter itself.
func MeterSensors(meter Device, hasTPhase bool) []GenericSensor {
	sensors := []GenericSensor{
		{
			Device:            meter,
			Id:                SENSOR_ID_INSTANT_POWER,
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              "Instantaneous Power",
			UniqueId:          uniqueId(meter, SENSOR_ID_INSTANT_POWER),
			UnitOfMeasurement: "W",
			StateClass:        STATE_CLASS_MEASUREMENT,
			DeviceClass:       DEVICE_CLASS_POWER,
		},
		{
			Device:            meter,
			Id:                SENSOR_ID_INSTANT_CURRENT,
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              "Instantaneous Current (R)",
			UniqueId:          uniqueId(meter, SENSOR_ID_INSTANT_CURRENT),
			UnitOfMeasurement: "A",
			StateClass:        STATE_CLASS_MEASUREMENT,
			DeviceClass:       DEVICE_CLASS_CURRENT,
		},
		{
			Device:            meter,
			Id:                SENSOR_ID_CUMULATIVE_ENERGY,
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              "Cumulative Energy",
			UniqueId:          uniqueId(meter, SENSOR_ID_CUMULATIVE_ENERGY),
			UnitOfMeasurement: "kWh",
			StateClass:        STATE_CLASS_TOTAL_INCREASING,
			DeviceClass:       DEVICE_CLASS_ENERGY,
		},
	}
	if hasTPhase {
		sensors = append(sensors, GenericSensor{
			Device:            meter,
			Id:                SENSOR_ID_INSTANT_CURRENT2,
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              "Instantaneous Current (T)",
			UniqueId:          uniqueId(meter, SENSOR_ID_INSTANT_CURRENT2),
			UnitOfMeasurement: "A",
			StateClass:        STATE_CLASS_MEASUREMENT,
			DeviceClass:       DEVICE_CLASS_CURRENT,
		})
	}
	return sensors
}

func uniqueId(d Device, sensorId string) string {
	return md5HashShort(d.Id + "_" + sensorId)
}

func md5HashShort(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
