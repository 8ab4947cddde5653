package mqtt

import (
	"testing"

	"github.com/frostmeter/broutemeterd/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestBridgeStateTopic(t *testing.T) {
	client := &MQTTClient{cfg: config.MQTTConfig{BaseTopic: "broutemeterd"}}
	assert.Equal(t, "broutemeterd/bridge/state", client.BridgeStateTopic())
}

func TestSensorStateTopic(t *testing.T) {
	client := &MQTTClient{cfg: config.MQTTConfig{BaseTopic: "broutemeterd"}}
	assert.Equal(t, "broutemeterd/sensor/instant_power/state", client.SensorStateTopic("instant_power"))
}

func TestBinarySensorStateTopic(t *testing.T) {
	client := &MQTTClient{cfg: config.MQTTConfig{BaseTopic: "broutemeterd"}}
	assert.Equal(t, "broutemeterd/binary_sensor/bridge_state/state", client.BinarySensorStateTopic("bridge_state"))
}

func TestOptsFromConfigSetsWillToOffline(t *testing.T) {
	cfg := &config.Config{MQTT: config.MQTTConfig{Host: "localhost", Port: 1883, BaseTopic: "broutemeterd"}}
	opts := OptsFromConfig(cfg)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, MQTT_PAYLOAD_OFFLINE, string(opts.WillPayload))
	assert.Equal(t, "broutemeterd/bridge/state", opts.WillTopic)
}
