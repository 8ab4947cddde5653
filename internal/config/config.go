package config

import (
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel     zapcore.Level
	SerialDevice string     `mapstructure:"serial_device"`
	DatabaseURL  string     `mapstructure:"database_url"`
	Port         uint       `mapstructure:"port"`
	HttpLog      bool       `mapstructure:"http_log"`
	MQTT         MQTTConfig `mapstructure:"mqtt"`
}

type MQTTConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
