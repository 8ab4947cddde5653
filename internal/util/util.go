package util

import (
	"github.com/frostmeter/broutemeterd/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel:     zap.DebugLevel,
		SerialDevice: "/dev/null",
		DatabaseURL:  "postgres://localhost/broutemeterd_test",
		Port:         8080,
		MQTT: config.MQTTConfig{
			Enabled:           true,
			Host:              "localhost",
			Port:              1883,
			BaseTopic:         "broutemeterd",
			HADiscoveryEnable: true,
			HADiscoveryTopic:  "homeassistant",
		},
	}
}
