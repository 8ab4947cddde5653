package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/frostmeter/broutemeterd/internal/adapter/actor"
	coreactor "github.com/frostmeter/broutemeterd/internal/core/actor"
	"github.com/frostmeter/broutemeterd/internal/core/domain"
	"github.com/frostmeter/broutemeterd/internal/util/actorutil"
	"github.com/frostmeter/broutemeterd/pkg/skstack"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	joinPollInterval = 1 * time.Second
	joinPollTimeout  = 2 * time.Minute
)

// pairing drives a single Route-B join to completion, reads the meter's
// unit, coefficient and property map, and writes the resulting Settings
// as the one row the daemon will load on every future start.
func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: pairing <route_b_id> <route_b_password>")
		os.Exit(2)
	}
	routeBID := os.Args[1]
	routeBPassword := os.Args[2]

	serialDevice, databaseURL, err := pairingConfig()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(2)
	}

	logger := zap.Must(zap.NewDevelopmentConfig().Build())
	defer logger.Sync()

	port, err := skstack.OpenPort(serialDevice, 500*time.Millisecond)
	if err != nil {
		logger.Error("could not open serial device", zap.Error(err))
		os.Exit(3)
	}
	driver := skstack.NewDriver(skstack.NewLine(port), logger)

	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	moduleDriverProps := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewModuleDriverActor(driver, logger)
	})
	moduleDriverPID, err := ctx.SpawnNamed(moduleDriverProps, domain.ACTOR_ID_MODULEDRIVER)
	if err != nil {
		logger.Error("could not start module driver", zap.Error(err))
		os.Exit(2)
	}

	sessionProps := pactor.PropsFromProducer(func() pactor.Actor {
		return coreactor.NewSessionActor(domain.Settings{RouteBID: routeBID, RouteBPassword: routeBPassword}, moduleDriverPID, logger)
	})
	sessionPID, err := ctx.SpawnNamed(sessionProps, domain.ACTOR_ID_SESSION)
	if err != nil {
		logger.Error("could not start session", zap.Error(err))
		os.Exit(2)
	}

	logger.Info("pairing: waiting for authentication")
	if err := waitUntilAuthenticated(ctx, sessionPID); err != nil {
		logger.Error("pairing: join did not complete", zap.Error(err))
		os.Exit(1)
	}

	settings, err := readSettings(ctx, sessionPID, routeBID, routeBPassword)
	if err != nil {
		logger.Error("pairing: could not read meter properties", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("pairing: authenticated",
		zap.Uint64("mac_addr", settings.MACAddr),
		zap.Uint8("channel", settings.Channel),
		zap.Uint16("pan_id", settings.PanID),
		zap.Uint8("unit", settings.Unit),
		zap.Uint32("coefficient", settings.Coefficient),
		zap.Binary("property_map", settings.PropertyMap))

	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		logger.Error("could not open database pool", zap.Error(err))
		os.Exit(2)
	}
	defer pool.Close()

	persistenceProps := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewPersistenceActor(pool, logger)
	})
	persistencePID, err := ctx.SpawnNamed(persistenceProps, domain.ACTOR_ID_PERSISTENCE)
	if err != nil {
		logger.Error("could not start persistence", zap.Error(err))
		os.Exit(2)
	}

	res, err := ctx.RequestFuture(persistencePID, domain.SaveSettingsRequest{Settings: settings}, 10*time.Second).Result()
	if err != nil {
		logger.Error("pairing: save settings timed out", zap.Error(err))
		os.Exit(2)
	}
	saveResp, ok := res.(domain.SaveSettingsResponse)
	if !ok || saveResp.HasResponseError() {
		logger.Error("pairing: save settings failed", zap.Any("response", res))
		os.Exit(2)
	}

	fmt.Println("paired: id=1")
	ctx.Stop(sessionPID)
	ctx.Stop(moduleDriverPID)
	ctx.Stop(persistencePID)
	as.Shutdown()
	os.Exit(0)
}

func waitUntilAuthenticated(ctx *pactor.RootContext, sessionPID *pactor.PID) error {
	deadline := time.Now().Add(joinPollTimeout)
	for time.Now().Before(deadline) {
		res, err := ctx.RequestFuture(sessionPID, domain.GetSessionStateRequest{}, joinPollInterval).Result()
		if err == nil {
			if stateResp, ok := res.(domain.GetSessionStateResponse); ok && stateResp.State == "authenticated" {
				return nil
			}
		}
		time.Sleep(joinPollInterval)
	}
	return fmt.Errorf("join did not reach authenticated state within %s", joinPollTimeout)
}

func readSettings(ctx *pactor.RootContext, sessionPID *pactor.PID, routeBID, routeBPassword string) (domain.Settings, error) {
	stateRes, err := ctx.RequestFuture(sessionPID, domain.GetSessionStateRequest{}, 10*time.Second).Result()
	if err != nil {
		return domain.Settings{}, err
	}
	stateResp, ok := stateRes.(domain.GetSessionStateResponse)
	if !ok {
		return domain.Settings{}, fmt.Errorf("unexpected response %T", stateRes)
	}

	ucRes, err := ctx.RequestFuture(sessionPID, domain.GetUnitAndCoefficientRequest{}, 20*time.Second).Result()
	if err != nil {
		return domain.Settings{}, err
	}
	ucResp, ok := ucRes.(domain.GetUnitAndCoefficientResponse)
	if !ok || ucResp.HasResponseError() {
		return domain.Settings{}, fmt.Errorf("could not read unit and coefficient: %v", ucRes)
	}

	// The property map is logged for diagnostic purposes; pairing itself
	// never branches on it, since the daemon detects a T-phase current
	// from the live instantaneous-current reading instead.
	var propertyMap []byte
	pmRes, err := ctx.RequestFuture(sessionPID, domain.GetPropertyMapRequest{}, 20*time.Second).Result()
	if err == nil {
		if pmResp, ok := pmRes.(domain.GetPropertyMapResponse); ok && !pmResp.HasResponseError() {
			propertyMap = pmResp.PropertyMap
		}
	}

	return domain.Settings{
		RouteBID:       routeBID,
		RouteBPassword: routeBPassword,
		Channel:        stateResp.Channel,
		PanID:          stateResp.PanID,
		MACAddr:        stateResp.MACAddr,
		Unit:           ucResp.Unit,
		Coefficient:    ucResp.Coefficient,
		PropertyMap:    propertyMap,
	}, nil
}

func pairingConfig() (serialDevice, databaseURL string, err error) {
	viper.SetEnvPrefix("frostmeter")
	viper.AutomaticEnv()

	serialDevice = viper.GetString("serial_device")
	databaseURL = viper.GetString("database_url")
	if serialDevice == "" {
		return "", "", fmt.Errorf("config param serial_device is required")
	}
	if databaseURL == "" {
		return "", "", fmt.Errorf("config param database_url is required")
	}
	return serialDevice, databaseURL, nil
}
