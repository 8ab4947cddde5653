package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/frostmeter/broutemeterd/internal/core/domain"
	"github.com/frostmeter/broutemeterd/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const defaultPersistenceTimeout = 5 * time.Second

// PersistenceActor owns the connection pool to Postgres and is the only
// component that issues SQL. Every query blocks on the network, so it
// follows ModuleDriverActor's shape exactly: run on a SafeBackgroundTask,
// stash everything else until the query completes.
type PersistenceActor struct {
	behavior actor.Behavior
	stash    *actorutil.Stash
	pool     *pgxpool.Pool
	logger   *zap.Logger
}

func NewPersistenceActor(pool *pgxpool.Pool, logger *zap.Logger) *PersistenceActor {
	act := &PersistenceActor{
		pool:     pool,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger("persistence", logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *PersistenceActor) Receive(ctx actor.Context) {
	state.behavior.Receive(ctx)
}

func (state *PersistenceActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_PERSISTENCE, Healthy: true, State: "idle"})
	case domain.InsertInstantPowerRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipePersistenceTask(ctx, sender, func() (*domain.InsertInstantPowerResponse, error) {
			return &domain.InsertInstantPowerResponse{ActorResponseMixIn: errMixIn(state.insertInstantPower(msg.Sample))}, nil
		})
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.InsertInstantCurrentRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipePersistenceTask(ctx, sender, func() (*domain.InsertInstantCurrentResponse, error) {
			return &domain.InsertInstantCurrentResponse{ActorResponseMixIn: errMixIn(state.insertInstantCurrent(msg.Sample))}, nil
		})
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.InsertCumulativeEnergyRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipePersistenceTask(ctx, sender, func() (*domain.InsertCumulativeEnergyResponse, error) {
			return &domain.InsertCumulativeEnergyResponse{ActorResponseMixIn: errMixIn(state.insertCumulativeEnergy(msg.Sample))}, nil
		})
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.SaveSettingsRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipePersistenceTask(ctx, sender, func() (*domain.SaveSettingsResponse, error) {
			return &domain.SaveSettingsResponse{ActorResponseMixIn: errMixIn(state.saveSettings(msg.Settings))}, nil
		})
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.LoadSettingsRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipePersistenceTask(ctx, sender, func() (*domain.LoadSettingsResponse, error) {
			settings, err := state.loadSettings()
			return &domain.LoadSettingsResponse{ActorResponseMixIn: errMixIn(err), Settings: settings}, nil
		})
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.GetRecentRecordsRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipePersistenceTask(ctx, sender, func() (*domain.GetRecentRecordsResponse, error) {
			resp, err := state.getRecentRecords(msg.Count)
			if resp == nil {
				resp = &domain.GetRecentRecordsResponse{}
			}
			resp.ActorResponseMixIn = errMixIn(err)
			return resp, nil
		})
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.FindDuplicateCumulativeEnergyRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipePersistenceTask(ctx, sender, func() (*domain.FindDuplicateCumulativeEnergyResponse, error) {
			resp, err := state.findDuplicateCumulativeEnergy()
			if resp == nil {
				resp = &domain.FindDuplicateCumulativeEnergyResponse{}
			}
			resp.ActorResponseMixIn = errMixIn(err)
			return resp, nil
		})
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.DeleteCumulativeEnergyRequest:
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		pipePersistenceTask(ctx, sender, func() (*domain.DeleteCumulativeEnergyResponse, error) {
			deleted, err := state.deleteCumulativeEnergy(msg.IDs)
			return &domain.DeleteCumulativeEnergyResponse{ActorResponseMixIn: errMixIn(err), Deleted: deleted}, nil
		})
		state.behavior.BecomeStacked(state.WaitingStore)
	default:
		state.logger.Debug("persistence: unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *PersistenceActor) WaitingStore(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		ctx.Send(msg.replyTo, msg.message)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	default:
		state.stash.Stash(ctx, msg)
	}
}

func (state *PersistenceActor) insertInstantPower(sample domain.InstantPowerSample) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistenceTimeout)
	defer cancel()
	_, err := state.pool.Exec(ctx,
		`INSERT INTO instant_epower (recorded_at, watt) VALUES ($1, $2)`,
		sample.RecordedAt, sample.Watts)
	if err != nil {
		return domain.WrapPersistence(err)
	}
	return nil
}

func (state *PersistenceActor) insertInstantCurrent(sample domain.InstantCurrentSample) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistenceTimeout)
	defer cancel()
	_, err := state.pool.Exec(ctx,
		`INSERT INTO instant_current (recorded_at, r, t) VALUES ($1, $2, $3)`,
		sample.RecordedAt, sample.RPhase, sample.TPhase)
	if err != nil {
		return domain.WrapPersistence(err)
	}
	return nil
}

func (state *PersistenceActor) insertCumulativeEnergy(sample domain.CumulativeEnergySample) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistenceTimeout)
	defer cancel()
	_, err := state.pool.Exec(ctx,
		`INSERT INTO cumlative_amount_epower (recorded_at, kwh) VALUES ($1, $2)`,
		sample.RecordedAt, sample.KWh)
	if err != nil {
		return domain.WrapPersistence(err)
	}
	return nil
}

// settingsNote is the shape stored in settings.note - the schema holds
// the whole pairing record as one JSON document rather than a column
// per field, so a re-pair with a new property map never needs a
// migration.
type settingsNote struct {
	RouteBID       string `json:"route_b_id"`
	RouteBPassword string `json:"route_b_password"`
	Channel        byte   `json:"channel"`
	PanID          uint16 `json:"pan_id"`
	MACAddr        uint64 `json:"mac_addr"`
	Unit           byte   `json:"unit"`
	Coefficient    uint32 `json:"coefficient"`
	PropertyMap    []byte `json:"property_map,omitempty"`
}

func (state *PersistenceActor) saveSettings(settings domain.Settings) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistenceTimeout)
	defer cancel()
	note, err := json.Marshal(settingsNote{
		RouteBID:       settings.RouteBID,
		RouteBPassword: settings.RouteBPassword,
		Channel:        settings.Channel,
		PanID:          settings.PanID,
		MACAddr:        settings.MACAddr,
		Unit:           settings.Unit,
		Coefficient:    settings.Coefficient,
		PropertyMap:    settings.PropertyMap,
	})
	if err != nil {
		return domain.WrapPersistence(err)
	}
	_, err = state.pool.Exec(ctx, `
INSERT INTO settings (id, note)
VALUES (1, $1)
ON CONFLICT (id) DO UPDATE SET note = EXCLUDED.note`, note)
	if err != nil {
		return domain.WrapPersistence(err)
	}
	return nil
}

func (state *PersistenceActor) loadSettings() (*domain.Settings, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistenceTimeout)
	defer cancel()
	var note []byte
	err := state.pool.QueryRow(ctx, `SELECT note FROM settings WHERE id = 1`).Scan(&note)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapPersistence(err)
	}
	var parsed settingsNote
	if err := json.Unmarshal(note, &parsed); err != nil {
		return nil, domain.WrapPersistence(err)
	}
	return &domain.Settings{
		RouteBID:       parsed.RouteBID,
		RouteBPassword: parsed.RouteBPassword,
		Channel:        parsed.Channel,
		PanID:          parsed.PanID,
		MACAddr:        parsed.MACAddr,
		Unit:           parsed.Unit,
		Coefficient:    parsed.Coefficient,
		PropertyMap:    parsed.PropertyMap,
	}, nil
}

func (state *PersistenceActor) getRecentRecords(count int) (*domain.GetRecentRecordsResponse, error) {
	if count <= 0 {
		count = 10
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistenceTimeout)
	defer cancel()

	power := make([]domain.InstantPowerSample, 0, count)
	rows, err := state.pool.Query(ctx, `SELECT recorded_at, watt FROM instant_epower ORDER BY recorded_at DESC LIMIT $1`, count)
	if err != nil {
		return nil, domain.WrapPersistence(err)
	}
	for rows.Next() {
		var s domain.InstantPowerSample
		if err := rows.Scan(&s.RecordedAt, &s.Watts); err != nil {
			rows.Close()
			return nil, domain.WrapPersistence(err)
		}
		power = append(power, s)
	}
	rows.Close()
	reverseInstantPower(power)

	current := make([]domain.InstantCurrentSample, 0, count)
	rows, err = state.pool.Query(ctx, `SELECT recorded_at, r, t FROM instant_current ORDER BY recorded_at DESC LIMIT $1`, count)
	if err != nil {
		return nil, domain.WrapPersistence(err)
	}
	for rows.Next() {
		var s domain.InstantCurrentSample
		if err := rows.Scan(&s.RecordedAt, &s.RPhase, &s.TPhase); err != nil {
			rows.Close()
			return nil, domain.WrapPersistence(err)
		}
		current = append(current, s)
	}
	rows.Close()
	reverseInstantCurrent(current)

	energy := make([]domain.CumulativeEnergySample, 0, count)
	rows, err = state.pool.Query(ctx, `SELECT recorded_at, kwh FROM cumlative_amount_epower ORDER BY recorded_at DESC LIMIT $1`, count)
	if err != nil {
		return nil, domain.WrapPersistence(err)
	}
	for rows.Next() {
		var s domain.CumulativeEnergySample
		if err := rows.Scan(&s.RecordedAt, &s.KWh); err != nil {
			rows.Close()
			return nil, domain.WrapPersistence(err)
		}
		energy = append(energy, s)
	}
	rows.Close()
	reverseCumulativeEnergy(energy)

	return &domain.GetRecentRecordsResponse{InstantPower: power, InstantCurrent: current, CumulativeEnergy: energy}, nil
}

// findDuplicateCumulativeEnergy flags a row as a duplicate of its
// immediate predecessor in recorded_at order, mirroring a rerun of the
// half-hour tick against a meter that has not advanced its counter.
func (state *PersistenceActor) findDuplicateCumulativeEnergy() (*domain.FindDuplicateCumulativeEnergyResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistenceTimeout)
	defer cancel()

	rows, err := state.pool.Query(ctx, `SELECT id, recorded_at, kwh FROM cumlative_amount_epower ORDER BY recorded_at`)
	if err != nil {
		return nil, domain.WrapPersistence(err)
	}
	defer rows.Close()

	var records []domain.CumulativeEnergyRecord
	var duplicateIDs []int64
	var prev domain.CumulativeEnergyRecord
	hasPrev := false
	for rows.Next() {
		var rec domain.CumulativeEnergyRecord
		if err := rows.Scan(&rec.ID, &rec.RecordedAt, &rec.KWh); err != nil {
			return nil, domain.WrapPersistence(err)
		}
		if hasPrev && prev.RecordedAt.Equal(rec.RecordedAt) && prev.KWh.Equal(rec.KWh) {
			duplicateIDs = append(duplicateIDs, rec.ID)
		}
		records = append(records, rec)
		prev = rec
		hasPrev = true
	}
	return &domain.FindDuplicateCumulativeEnergyResponse{Records: records, DuplicateIDs: duplicateIDs}, nil
}

func (state *PersistenceActor) deleteCumulativeEnergy(ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultPersistenceTimeout)
	defer cancel()

	tx, err := state.pool.Begin(ctx)
	if err != nil {
		return 0, domain.WrapPersistence(err)
	}
	defer tx.Rollback(ctx)

	deleted := 0
	for _, id := range ids {
		tag, err := tx.Exec(ctx, `DELETE FROM cumlative_amount_epower WHERE id = $1`, id)
		if err != nil {
			return deleted, domain.WrapPersistence(err)
		}
		deleted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return deleted, domain.WrapPersistence(err)
	}
	return deleted, nil
}

func reverseInstantPower(s []domain.InstantPowerSample) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseInstantCurrent(s []domain.InstantCurrentSample) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func reverseCumulativeEnergy(s []domain.CumulativeEnergySample) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func pipePersistenceTask[T any](ctx actor.Context, sender *actor.PID, fn func() (*T, error)) {
	actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, fn), mapTaskResult[T](sender)).
		Recover(func(err error) backgroundTaskResult {
			var zero T
			return backgroundTaskResult{message: zero, replyTo: sender}
		}).
		WithTimeout(defaultPersistenceTimeout * 2).
		PipeTo(ctx.Self())
}
