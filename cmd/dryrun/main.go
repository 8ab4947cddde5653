package main

import (
	"context"
	"flag"
	"fmt"
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

const defaultSerialDevice = "/dev/ttyUSB0"

// dryrun runs a single read without ever opening a database write path:
// either from inline route-B credentials (subcommand "pairing") or from
// the last persisted Settings row (subcommand "dry-run").
func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	viper.SetEnvPrefix("frostmeter")
	viper.AutomaticEnv()

	logger := zap.Must(zap.NewDevelopmentConfig().Build())
	defer logger.Sync()

	switch os.Args[1] {
	case "pairing":
		fs := flag.NewFlagSet("pairing", flag.ExitOnError)
		id := fs.String("id", "", "route-b id")
		password := fs.String("password", "", "route-b password")
		device := fs.String("device", "", "serial device")
		fs.Parse(os.Args[2:])
		if *id == "" || *password == "" {
			usage()
			os.Exit(2)
		}
		runRead(logger, resolveDevice(*device), domain.Settings{RouteBID: *id, RouteBPassword: *password})
	case "dry-run":
		fs := flag.NewFlagSet("dry-run", flag.ExitOnError)
		device := fs.String("device", "", "serial device")
		fs.Parse(os.Args[2:])
		settings, err := loadLastSettings()
		if err != nil {
			logger.Error("dry-run: could not load settings", zap.Error(err))
			os.Exit(2)
		}
		runRead(logger, resolveDevice(*device), *settings)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dryrun pairing --id <id> --password <password> [--device <dev>]")
	fmt.Fprintln(os.Stderr, "       dryrun dry-run [--device <dev>]")
}

func resolveDevice(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := viper.GetString("serial_device"); env != "" {
		return env
	}
	return defaultSerialDevice
}

func loadLastSettings() (*domain.Settings, error) {
	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		return nil, fmt.Errorf("config param database_url is required")
	}
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	logger := zap.NewNop()
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root
	defer as.Shutdown()

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewPersistenceActor(pool, logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_PERSISTENCE)
	if err != nil {
		return nil, err
	}
	defer ctx.Stop(pid)

	res, err := ctx.RequestFuture(pid, domain.LoadSettingsRequest{}, 10*time.Second).Result()
	if err != nil {
		return nil, err
	}
	loadResp, ok := res.(domain.LoadSettingsResponse)
	if !ok || loadResp.HasResponseError() {
		return nil, fmt.Errorf("could not load settings: %v", res)
	}
	if loadResp.Settings == nil {
		return nil, fmt.Errorf("no pairing settings found, run the pairing command first")
	}
	return loadResp.Settings, nil
}

func runRead(logger *zap.Logger, serialDevice string, settings domain.Settings) {
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
		return coreactor.NewSessionActor(settings, moduleDriverPID, logger)
	})
	sessionPID, err := ctx.SpawnNamed(sessionProps, domain.ACTOR_ID_SESSION)
	if err != nil {
		logger.Error("could not start session", zap.Error(err))
		os.Exit(2)
	}

	deadline := time.Now().Add(2 * time.Minute)
	authenticated := false
	for time.Now().Before(deadline) {
		res, err := ctx.RequestFuture(sessionPID, domain.GetSessionStateRequest{}, 1*time.Second).Result()
		if err == nil {
			if stateResp, ok := res.(domain.GetSessionStateResponse); ok && stateResp.State == "authenticated" {
				authenticated = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !authenticated {
		logger.Error("dry-run: join did not reach authenticated state")
		os.Exit(1)
	}

	res, err := ctx.RequestFuture(sessionPID, domain.GetInstantReadingRequest{}, 20*time.Second).Result()
	if err != nil {
		logger.Error("dry-run: instant reading timed out", zap.Error(err))
		os.Exit(1)
	}
	readingResp, ok := res.(domain.GetInstantReadingResponse)
	if !ok || readingResp.HasResponseError() {
		logger.Error("dry-run: instant reading failed", zap.Any("response", res))
		os.Exit(1)
	}

	if readingResp.Power != nil {
		fmt.Printf("power: %d W\n", readingResp.Power.Watts)
	}
	if readingResp.Current != nil {
		if readingResp.Current.TPhase != nil {
			fmt.Printf("current: r=%s A t=%s A\n", readingResp.Current.RPhase.String(), readingResp.Current.TPhase.String())
		} else {
			fmt.Printf("current: r=%s A\n", readingResp.Current.RPhase.String())
		}
	}

	ctx.Stop(sessionPID)
	ctx.Stop(moduleDriverPID)
	as.Shutdown()
	os.Exit(0)
}
