package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/frostmeter/broutemeterd/internal/adapter/actor"
	"github.com/frostmeter/broutemeterd/internal/core/domain"
	"github.com/frostmeter/broutemeterd/internal/util/actorutil"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// recordctl inspects and repairs telemetry history. It talks only to the
// Persistence actor - never to Session or ModuleDriver - since it never
// needs the serial link.
func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	viper.SetEnvPrefix("frostmeter")
	viper.AutomaticEnv()
	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "config param database_url is required")
		os.Exit(2)
	}

	logger := zap.NewNop()
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open database pool: %v\n", err)
		os.Exit(2)
	}
	defer pool.Close()

	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root
	defer as.Shutdown()

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewPersistenceActor(pool, logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_PERSISTENCE)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not start persistence: %v\n", err)
		os.Exit(2)
	}
	defer ctx.Stop(pid)

	switch os.Args[1] {
	case "get-records":
		fs := flag.NewFlagSet("get-records", flag.ExitOnError)
		count := fs.Int("count", 10, "number of rows per table")
		fs.Parse(os.Args[2:])
		getRecords(ctx, pid, *count)
	case "unique-records":
		fs := flag.NewFlagSet("unique-records", flag.ExitOnError)
		dryrun := fs.Bool("dryrun", false, "report duplicates without deleting them")
		fs.Parse(os.Args[2:])
		uniqueRecords(ctx, pid, *dryrun)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: recordctl get-records [-count N]")
	fmt.Fprintln(os.Stderr, "       recordctl unique-records [-dryrun]")
}

func getRecords(ctx *pactor.RootContext, pid *pactor.PID, count int) {
	res, err := ctx.RequestFuture(pid, domain.GetRecentRecordsRequest{Count: count}, 10*time.Second).Result()
	if err != nil {
		fmt.Fprintf(os.Stderr, "get-records: %v\n", err)
		os.Exit(2)
	}
	resp, ok := res.(domain.GetRecentRecordsResponse)
	if !ok || resp.HasResponseError() {
		fmt.Fprintf(os.Stderr, "get-records failed: %v\n", res)
		os.Exit(2)
	}

	fmt.Println("time, instantaneous electric power(W)")
	for _, s := range resp.InstantPower {
		fmt.Printf("%s, %d\n", s.RecordedAt.Format(time.RFC3339), s.Watts)
	}
	fmt.Println()

	fmt.Println("time, instantaneous current R(A), T(A)")
	for _, s := range resp.InstantCurrent {
		if s.TPhase != nil {
			fmt.Printf("%s, %s, %s\n", s.RecordedAt.Format(time.RFC3339), s.RPhase.String(), s.TPhase.String())
		} else {
			fmt.Printf("%s, %s\n", s.RecordedAt.Format(time.RFC3339), s.RPhase.String())
		}
	}
	fmt.Println()

	fmt.Println("time, cumulative amount of power(kWh)")
	for _, s := range resp.CumulativeEnergy {
		fmt.Printf("%s, %s\n", s.RecordedAt.Format(time.RFC3339), s.KWh.String())
	}
}

func uniqueRecords(ctx *pactor.RootContext, pid *pactor.PID, dryrun bool) {
	res, err := ctx.RequestFuture(pid, domain.FindDuplicateCumulativeEnergyRequest{}, 30*time.Second).Result()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unique-records: %v\n", err)
		os.Exit(2)
	}
	resp, ok := res.(domain.FindDuplicateCumulativeEnergyResponse)
	if !ok || resp.HasResponseError() {
		fmt.Fprintf(os.Stderr, "unique-records failed: %v\n", res)
		os.Exit(2)
	}

	duplicates := make(map[int64]bool, len(resp.DuplicateIDs))
	for _, id := range resp.DuplicateIDs {
		duplicates[id] = true
	}
	for _, rec := range resp.Records {
		fmt.Printf("%d, %s, %s", rec.ID, rec.RecordedAt.Format(time.RFC3339), rec.KWh.String())
		if duplicates[rec.ID] {
			fmt.Printf(" **duplicate**")
		}
		fmt.Println()
	}

	if dryrun {
		fmt.Printf("%d duplicate rows found (dryrun, nothing deleted)\n", len(resp.DuplicateIDs))
		return
	}

	delRes, err := ctx.RequestFuture(pid, domain.DeleteCumulativeEnergyRequest{IDs: resp.DuplicateIDs}, 30*time.Second).Result()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unique-records: delete failed: %v\n", err)
		os.Exit(2)
	}
	delResp, ok := delRes.(domain.DeleteCumulativeEnergyResponse)
	if !ok || delResp.HasResponseError() {
		fmt.Fprintf(os.Stderr, "unique-records: delete failed: %v\n", delRes)
		os.Exit(2)
	}
	fmt.Printf("%d duplicate rows deleted\n", delResp.Deleted)
}
