package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

// PostgresStore persists trips and batches in postgres. The winner claim
// and every state transition are conditional UPDATEs guarded on current
// values, so concurrent writers resolve in the database, not in Go.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.TripRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trip_requests(
			id, rider_id,
			pickup_lat, pickup_lon, pickup_address,
			dropoff_lat, dropoff_lon, dropoff_address,
			state, current_batch_number, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.RiderID,
		t.Pickup.Lat, t.Pickup.Lon, t.Pickup.Address,
		t.Dropoff.Lat, t.Dropoff.Lon, t.Dropoff.Address,
		string(t.State), t.CurrentBatchNumber, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.TripRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id,
			pickup_lat, pickup_lon, pickup_address,
			dropoff_lat, dropoff_lon, dropoff_address,
			COALESCE(selected_tenant_id,''), COALESCE(selected_category,''),
			state, current_batch_number,
			COALESCE(assigned_driver_id,''),
			COALESCE(otp,''), otp_issued_at, otp_expires_at,
			COALESCE(cancel_reason,''),
			fare_total, fare_distance_m, fare_duration_s, fare_surge, COALESCE(fare_currency,''),
			created_at, updated_at
		FROM trip_requests WHERE id = $1`, id)
	return scanTrip(row)
}

func scanTrip(row *sql.Row) (*models.TripRequest, error) {
	var t models.TripRequest
	var state string
	var otpIssued, otpExpires sql.NullTime
	var fareTotal, fareDist, fareDur, fareSurge sql.NullFloat64
	var fareCurrency string
	err := row.Scan(&t.ID, &t.RiderID,
		&t.Pickup.Lat, &t.Pickup.Lon, &t.Pickup.Address,
		&t.Dropoff.Lat, &t.Dropoff.Lon, &t.Dropoff.Address,
		&t.SelectedTenantID, &t.SelectedCategory,
		&state, &t.CurrentBatchNumber,
		&t.AssignedDriverID,
		&t.Otp, &otpIssued, &otpExpires,
		&t.CancelReason,
		&fareTotal, &fareDist, &fareDur, &fareSurge, &fareCurrency,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.State = models.TripState(state)
	if otpIssued.Valid {
		t.OtpIssuedAt = otpIssued.Time
	}
	if otpExpires.Valid {
		t.OtpExpiresAt = otpExpires.Time
	}
	if fareTotal.Valid {
		t.Fare = &models.FareReceipt{
			Total:     fareTotal.Float64,
			DistanceM: fareDist.Float64,
			DurationS: fareDur.Float64,
			Surge:     fareSurge.Float64,
			Currency:  fareCurrency,
		}
	}
	return &t, nil
}

func (p *PostgresStore) TransitionTrip(ctx context.Context, id string, from, to models.TripState, mutate func(*models.TripRequest)) (*models.TripRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, rider_id,
			pickup_lat, pickup_lon, pickup_address,
			dropoff_lat, dropoff_lon, dropoff_address,
			COALESCE(selected_tenant_id,''), COALESCE(selected_category,''),
			state, current_batch_number,
			COALESCE(assigned_driver_id,''),
			COALESCE(otp,''), otp_issued_at, otp_expires_at,
			COALESCE(cancel_reason,''),
			fare_total, fare_distance_m, fare_duration_s, fare_surge, COALESCE(fare_currency,''),
			created_at, updated_at
		FROM trip_requests WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTrip(row)
	if err != nil {
		return nil, err
	}
	if t.State != from {
		return nil, fmt.Errorf("%w: trip is %s, expected %s", models.ErrStateConflict, t.State, from)
	}
	if mutate != nil {
		mutate(t)
	}
	t.State = to
	t.UpdatedAt = time.Now()

	var fareTotal, fareDist, fareDur, fareSurge sql.NullFloat64
	var fareCurrency sql.NullString
	if t.Fare != nil {
		fareTotal = sql.NullFloat64{Float64: t.Fare.Total, Valid: true}
		fareDist = sql.NullFloat64{Float64: t.Fare.DistanceM, Valid: true}
		fareDur = sql.NullFloat64{Float64: t.Fare.DurationS, Valid: true}
		fareSurge = sql.NullFloat64{Float64: t.Fare.Surge, Valid: true}
		fareCurrency = sql.NullString{String: t.Fare.Currency, Valid: true}
	}
	// Guarded on the old state so a concurrent transition loses cleanly.
	res, err := tx.ExecContext(ctx, `
		UPDATE trip_requests SET
			selected_tenant_id = NULLIF($1,''),
			selected_category = NULLIF($2,''),
			state = $3,
			assigned_driver_id = NULLIF($4,''),
			otp = NULLIF($5,''),
			otp_issued_at = $6,
			otp_expires_at = $7,
			cancel_reason = NULLIF($8,''),
			fare_total = $9, fare_distance_m = $10, fare_duration_s = $11,
			fare_surge = $12, fare_currency = $13,
			updated_at = $14
		WHERE id = $15 AND state = $16`,
		t.SelectedTenantID, t.SelectedCategory, string(t.State),
		t.AssignedDriverID, t.Otp,
		nullTime(t.OtpIssuedAt), nullTime(t.OtpExpiresAt),
		t.CancelReason,
		fareTotal, fareDist, fareDur, fareSurge, fareCurrency,
		t.UpdatedAt, id, string(from))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: concurrent transition on trip %s", models.ErrStateConflict, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (p *PostgresStore) CreateBatch(ctx context.Context, tripID string, offered []string, openedAt time.Time) (*models.DispatchBatch, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var batchNumber int
	err = tx.QueryRowContext(ctx, `
		UPDATE trip_requests SET current_batch_number = current_batch_number + 1, updated_at = now()
		WHERE id = $1
		RETURNING current_batch_number`, tripID).Scan(&batchNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b := &models.DispatchBatch{
		TripRequestID:    tripID,
		BatchNumber:      batchNumber,
		OfferedDriverIDs: append([]string(nil), offered...),
		Responses:        make(map[string]models.Decision),
		OpenedAt:         openedAt,
	}
	// The partial unique index on (trip_request_id) WHERE closed_at IS NULL
	// is what enforces the single-open-batch invariant.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispatch_batches(trip_request_id, batch_number, offered_driver_ids, opened_at)
		VALUES($1,$2,$3,$4)`,
		tripID, batchNumber, pq.Array(b.OfferedDriverIDs), openedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, models.ErrBatchAlreadyOpen
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) GetBatch(ctx context.Context, tripID string, batchNumber int) (*models.DispatchBatch, error) {
	b, err := p.queryBatch(ctx, `
		SELECT trip_request_id, batch_number, offered_driver_ids,
			COALESCE(winner_driver_id,''), COALESCE(resolution,''), opened_at, closed_at
		FROM dispatch_batches WHERE trip_request_id = $1 AND batch_number = $2`, tripID, batchNumber)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) OpenBatch(ctx context.Context, tripID string) (*models.DispatchBatch, error) {
	return p.queryBatch(ctx, `
		SELECT trip_request_id, batch_number, offered_driver_ids,
			COALESCE(winner_driver_id,''), COALESCE(resolution,''), opened_at, closed_at
		FROM dispatch_batches WHERE trip_request_id = $1 AND closed_at IS NULL`, tripID)
}

func (p *PostgresStore) queryBatch(ctx context.Context, query string, args ...any) (*models.DispatchBatch, error) {
	var b models.DispatchBatch
	var resolution string
	var closedAt sql.NullTime
	var offered pq.StringArray
	err := p.db.QueryRowContext(ctx, query, args...).Scan(
		&b.TripRequestID, &b.BatchNumber, &offered,
		&b.WinnerDriverID, &resolution, &b.OpenedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	b.OfferedDriverIDs = []string(offered)
	b.Resolution = models.BatchResolution(resolution)
	if closedAt.Valid {
		b.ClosedAt = &closedAt.Time
	}
	b.Responses = make(map[string]models.Decision)
	rows, err := p.db.QueryContext(ctx, `
		SELECT driver_id, decision FROM batch_responses
		WHERE trip_request_id = $1 AND batch_number = $2`, b.TripRequestID, b.BatchNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var driverID, decision string
		if err := rows.Scan(&driverID, &decision); err != nil {
			return nil, err
		}
		b.Responses[driverID] = models.Decision(decision)
	}
	return &b, rows.Err()
}

func (p *PostgresStore) OfferedDrivers(ctx context.Context, tripID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT unnest(offered_driver_ids) FROM dispatch_batches
		WHERE trip_request_id = $1`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RespondToBatch(ctx context.Context, tripID string, batchNumber int, driverID string, decision models.Decision) (RespondResult, error) {
	b, err := p.GetBatch(ctx, tripID, batchNumber)
	if err != nil {
		return RespondResult{}, err
	}
	if !b.Offered(driverID) {
		return RespondResult{}, models.ErrNotOffered
	}
	if prior, ok := b.Responses[driverID]; ok {
		return RespondResult{Decision: prior, Prior: true, Won: b.WinnerDriverID == driverID, Closed: !b.IsOpen()}, nil
	}
	if !b.IsOpen() {
		return RespondResult{Decision: decision, Closed: true}, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return RespondResult{}, err
	}
	defer tx.Rollback()

	// First write wins per driver; a concurrent duplicate inserts nothing.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO batch_responses(trip_request_id, batch_number, driver_id, decision, responded_at)
		VALUES($1,$2,$3,$4,now())
		ON CONFLICT (trip_request_id, batch_number, driver_id) DO NOTHING`,
		tripID, batchNumber, driverID, string(decision))
	if err != nil {
		return RespondResult{}, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return RespondResult{}, err
	}
	if inserted == 0 {
		// Lost a duplicate-delivery race; report the record that won it.
		if err := tx.Commit(); err != nil {
			return RespondResult{}, err
		}
		again, err := p.GetBatch(ctx, tripID, batchNumber)
		if err != nil {
			return RespondResult{}, err
		}
		return RespondResult{Decision: again.Responses[driverID], Prior: true, Won: again.WinnerDriverID == driverID, Closed: !again.IsOpen()}, nil
	}

	out := RespondResult{Decision: decision}
	if decision == models.DecisionAccepted {
		// The CAS. One statement, guarded on the empty winner slot.
		res, err := tx.ExecContext(ctx, `
			UPDATE dispatch_batches
			SET winner_driver_id = $1, resolution = 'won', closed_at = now()
			WHERE trip_request_id = $2 AND batch_number = $3
				AND winner_driver_id IS NULL AND closed_at IS NULL`,
			driverID, tripID, batchNumber)
		if err != nil {
			return RespondResult{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return RespondResult{}, err
		}
		out.Won = n == 1
	} else {
		// Eager close when every offered driver has now rejected.
		res, err := tx.ExecContext(ctx, `
			UPDATE dispatch_batches b
			SET resolution = 'all_rejected', closed_at = now()
			WHERE b.trip_request_id = $1 AND b.batch_number = $2
				AND b.winner_driver_id IS NULL AND b.closed_at IS NULL
				AND cardinality(b.offered_driver_ids) = (
					SELECT count(*) FROM batch_responses r
					WHERE r.trip_request_id = b.trip_request_id
						AND r.batch_number = b.batch_number
						AND r.decision = 'rejected')`,
			tripID, batchNumber)
		if err != nil {
			return RespondResult{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return RespondResult{}, err
		}
		out.AllRejected = n == 1
	}
	if err := tx.Commit(); err != nil {
		return RespondResult{}, err
	}
	return out, nil
}

func (p *PostgresStore) CloseBatch(ctx context.Context, tripID string, batchNumber int, resolution models.BatchResolution, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE dispatch_batches SET resolution = $1, closed_at = $2
		WHERE trip_request_id = $3 AND batch_number = $4 AND closed_at IS NULL`,
		string(resolution), at, tripID, batchNumber)
	return err
}

func (p *PostgresStore) ListExpiredOpenBatches(ctx context.Context, openedBefore time.Time) ([]*models.DispatchBatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT trip_request_id, batch_number, offered_driver_ids,
			COALESCE(winner_driver_id,''), COALESCE(resolution,''), opened_at, closed_at
		FROM dispatch_batches WHERE closed_at IS NULL AND opened_at < $1`, openedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.DispatchBatch
	for rows.Next() {
		var b models.DispatchBatch
		var resolution string
		var closedAt sql.NullTime
		var offered pq.StringArray
		if err := rows.Scan(&b.TripRequestID, &b.BatchNumber, &offered, &b.WinnerDriverID, &resolution, &b.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		b.OfferedDriverIDs = []string(offered)
		b.Resolution = models.BatchResolution(resolution)
		if closedAt.Valid {
			b.ClosedAt = &closedAt.Time
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
