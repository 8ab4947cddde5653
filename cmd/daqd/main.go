package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frostmeter/broutemeterd/internal/adapter/actor"
	"github.com/frostmeter/broutemeterd/internal/config"
	coreactor "github.com/frostmeter/broutemeterd/internal/core/actor"
	"github.com/frostmeter/broutemeterd/internal/server"
	"github.com/frostmeter/broutemeterd/internal/util/actorutil"
	"github.com/frostmeter/broutemeterd/pkg/skstack"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// daqd is the resident daemon: it loads a pairing written earlier by the
// pairing command, then runs the minute/half-hour read loop until
// stopped. It never writes its own pairing.
func main() {
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(2)
	}
	safePrintConfig(*cfg)

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Error("could not open database pool", zap.Error(err))
		os.Exit(2)
	}
	defer pool.Close()

	port, err := skstack.OpenPort(cfg.SerialDevice, 500*time.Millisecond)
	if err != nil {
		logger.Error("could not open serial device", zap.Error(err))
		os.Exit(3)
	}
	driver := skstack.NewDriver(skstack.NewLine(port), logger)

	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	moduleDriverProvider := func() pactor.Actor {
		return actor.NewModuleDriverActor(driver, logger)
	}
	persistenceProvider := func() pactor.Actor {
		return actor.NewPersistenceActor(pool, logger)
	}
	mqttProvider := func(es *eventstream.EventStream) pactor.Actor {
		return actor.NewMQTTActor(cfg, es, logger)
	}

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return coreactor.NewMasterOfPuppetsActor(*cfg, versioninfo.Short(), moduleDriverProvider, persistenceProvider, mqttProvider, logger)
	})
	pid, err := ctx.SpawnNamed(props, "master")
	if err != nil {
		logger.Error("could not start master actor", zap.Error(err))
		os.Exit(2)
	}

	httpServer := server.NewServer(*cfg, ctx, pid)
	done := make(chan bool, 1)
	go gracefulShutdown(httpServer, done)

	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	<-done
	log.Println("graceful shutdown complete")

	ctx.Stop(pid)
	as.Shutdown()
}

func gracefulShutdown(httpServer *http.Server, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown with error: %v", err)
	}

	log.Println("server exiting")
	done <- true
}

func initConfig() (*config.Config, error) {
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("FROSTMETER_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("frostmeter")
	viper.AutomaticEnv()

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				slog.Error("error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	switch viper.GetString("log_level") {
	case "trace", "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	if cfg.SerialDevice == "" {
		return nil, errors.New("config param serial_device is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("config param database_url is required")
	}

	if cfg.MQTT.Enabled {
		baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
		if err != nil {
			return nil, errors.New("invalid mqtt base topic: can only contain letters, numbers and underscores")
		}
		cfg.MQTT.BaseTopic = baseTopic

		hadTopic, err := config.CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
		if err != nil {
			return nil, errors.New("invalid homeassistant discovery topic: can only contain letters, numbers and underscores")
		}
		cfg.MQTT.HADiscoveryTopic = hadTopic
	}

	return &cfg, nil
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("port", 8080)
	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.base_topic", "broutemeterd")
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("using", "config", cfg)
}
