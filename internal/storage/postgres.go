package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/campus-transit/internal/models"
)

// PostgresStore implements every store interface on one database/sql pool.
// State-machine transitions are conditional UPDATEs; the single-active
// invariants live in partial unique indexes (see migrations/001_init.sql),
// so they hold across any number of server instances.
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

func (p *PostgresStore) DB() *sql.DB { return p.db }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Bus(ctx context.Context, busID string) (models.Bus, bool, error) {
	var b models.Bus
	err := p.db.QueryRowContext(ctx,
		`SELECT id, route_id, driver_id, status, seats_available FROM buses WHERE id=$1`, busID).
		Scan(&b.ID, &b.RouteID, &b.DriverID, &b.Status, &b.SeatsAvailable)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Bus{}, false, nil
	}
	if err != nil {
		return models.Bus{}, false, err
	}
	return b, true, nil
}

func (p *PostgresStore) ActiveBusesOnRoute(ctx context.Context, routeID string) ([]models.Bus, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, route_id, driver_id, status, seats_available FROM buses WHERE route_id=$1 AND status='active'`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Bus
	for rows.Next() {
		var b models.Bus
		if err := rows.Scan(&b.ID, &b.RouteID, &b.DriverID, &b.Status, &b.SeatsAvailable); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertCurrent(ctx context.Context, s models.PositionSample) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bus_positions(bus_id, driver_id, route_id, lat, lng, speed_mps, heading_deg, accuracy_m, captured_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (bus_id) DO UPDATE SET
			driver_id=EXCLUDED.driver_id, route_id=EXCLUDED.route_id,
			lat=EXCLUDED.lat, lng=EXCLUDED.lng,
			speed_mps=EXCLUDED.speed_mps, heading_deg=EXCLUDED.heading_deg,
			accuracy_m=EXCLUDED.accuracy_m, captured_at=EXCLUDED.captured_at`,
		s.BusID, s.DriverID, s.RouteID, s.Lat, s.Lng, s.SpeedMps, s.HeadingDeg, s.AccuracyM, s.CapturedAt)
	return err
}

func (p *PostgresStore) Current(ctx context.Context, busID string) (models.PositionSample, bool, error) {
	var s models.PositionSample
	err := p.db.QueryRowContext(ctx, `
		SELECT bus_id, driver_id, route_id, lat, lng, speed_mps, heading_deg, accuracy_m, captured_at
		FROM bus_positions WHERE bus_id=$1`, busID).
		Scan(&s.BusID, &s.DriverID, &s.RouteID, &s.Lat, &s.Lng, &s.SpeedMps, &s.HeadingDeg, &s.AccuracyM, &s.CapturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PositionSample{}, false, nil
	}
	if err != nil {
		return models.PositionSample{}, false, err
	}
	return s, true, nil
}

func (p *PostgresStore) AppendHistory(ctx context.Context, s models.PositionSample) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bus_location_history(bus_id, driver_id, route_id, lat, lng, speed_mps, heading_deg, accuracy_m, captured_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.BusID, s.DriverID, s.RouteID, s.Lat, s.Lng, s.SpeedMps, s.HeadingDeg, s.AccuracyM, s.CapturedAt)
	return err
}

const flagColumns = `id, student_id, student_name, bus_id, route_id, stop_id, stop_name, lat, lng, status, acknowledged_by, created_at, expires_at`

func scanFlag(row interface{ Scan(...any) error }) (models.WaitingFlag, error) {
	var f models.WaitingFlag
	err := row.Scan(&f.ID, &f.StudentID, &f.StudentName, &f.BusID, &f.RouteID, &f.StopID, &f.StopName,
		&f.Loc.Lat, &f.Loc.Lng, &f.Status, &f.AcknowledgedBy, &f.CreatedAt, &f.ExpiresAt)
	return f, err
}

func (p *PostgresStore) CreateFlag(ctx context.Context, f *models.WaitingFlag) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO waiting_flags(`+flagColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		f.ID, f.StudentID, f.StudentName, f.BusID, f.RouteID, f.StopID, f.StopName,
		f.Loc.Lat, f.Loc.Lng, f.Status, f.AcknowledgedBy, f.CreatedAt, f.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Flag(ctx context.Context, id string) (models.WaitingFlag, bool, error) {
	f, err := scanFlag(p.db.QueryRowContext(ctx,
		`SELECT `+flagColumns+` FROM waiting_flags WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.WaitingFlag{}, false, nil
	}
	if err != nil {
		return models.WaitingFlag{}, false, err
	}
	return f, true, nil
}

func (p *PostgresStore) UpdateFlagLocation(ctx context.Context, id string, loc models.Coord) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE waiting_flags SET lat=$2, lng=$3
		WHERE id=$1 AND status IN ('raised','acknowledged')`, id, loc.Lat, loc.Lng)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) TransitionFlag(ctx context.Context, id string, from []models.FlagStatus, to models.FlagStatus, ackBy string) (models.WaitingFlag, bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE waiting_flags
		SET status=$2, acknowledged_by=CASE WHEN $3 <> '' THEN $3 ELSE acknowledged_by END
		WHERE id=$1 AND status = ANY($4)
		RETURNING `+flagColumns, id, to, ackBy, pq.Array(states))
	f, err := scanFlag(row)
	if errors.Is(err, sql.ErrNoRows) {
		// transition refused; report the current row so callers can tell
		// a benign race from a missing flag
		cur, _, err2 := p.Flag(ctx, id)
		return cur, false, err2
	}
	if err != nil {
		return models.WaitingFlag{}, false, err
	}
	return f, true, nil
}

func (p *PostgresStore) DueFlags(ctx context.Context, now time.Time) ([]models.WaitingFlag, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+flagColumns+` FROM waiting_flags
		WHERE status IN ('raised','acknowledged') AND expires_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.WaitingFlag
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const requestColumns = `id, operation_id, student_id, route_id, stop_id, assigned_bus_id, status, candidate_bus_id, resolution, created_at, expires_at`

func scanRequest(row interface{ Scan(...any) error }) (models.MissedBusRequest, error) {
	var r models.MissedBusRequest
	err := row.Scan(&r.ID, &r.OperationID, &r.StudentID, &r.RouteID, &r.StopID, &r.AssignedBusID,
		&r.Status, &r.CandidateBus, &r.Resolution, &r.CreatedAt, &r.ExpiresAt)
	return r, err
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.MissedBusRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO missed_bus_requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.OperationID, r.StudentID, r.RouteID, r.StopID, r.AssignedBusID,
		r.Status, r.CandidateBus, r.Resolution, r.CreatedAt, r.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Request(ctx context.Context, id string) (models.MissedBusRequest, bool, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM missed_bus_requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.MissedBusRequest{}, false, nil
	}
	if err != nil {
		return models.MissedBusRequest{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) RequestByOperation(ctx context.Context, studentID, operationID string) (models.MissedBusRequest, bool, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM missed_bus_requests WHERE student_id=$1 AND operation_id=$2`, studentID, operationID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.MissedBusRequest{}, false, nil
	}
	if err != nil {
		return models.MissedBusRequest{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) OpenRequest(ctx context.Context, studentID string) (models.MissedBusRequest, bool, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM missed_bus_requests
		WHERE student_id=$1 AND status IN ('pending','approved')
		ORDER BY created_at DESC LIMIT 1`, studentID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.MissedBusRequest{}, false, nil
	}
	if err != nil {
		return models.MissedBusRequest{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) TransitionRequest(ctx context.Context, id string, from []models.RequestStatus, to models.RequestStatus, candidateBus, resolution string) (models.MissedBusRequest, bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE missed_bus_requests
		SET status=$2,
		    candidate_bus_id=CASE WHEN $3 <> '' THEN $3 ELSE candidate_bus_id END,
		    resolution=CASE WHEN $4 <> '' THEN $4 ELSE resolution END
		WHERE id=$1 AND status = ANY($5)
		RETURNING `+requestColumns, id, to, candidateBus, resolution, pq.Array(states))
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, _, err2 := p.Request(ctx, id)
		return cur, false, err2
	}
	if err != nil {
		return models.MissedBusRequest{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) PendingRequests(ctx context.Context) ([]models.MissedBusRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM missed_bus_requests WHERE status='pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.MissedBusRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRenewal(ctx context.Context, r *models.PassRenewal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pass_renewals(id, student_id, pass_id, amount_cents, currency, payment_intent_id, status, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.StudentID, r.PassID, r.AmountCents, r.Currency, r.PaymentIntentID, r.Status, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}
