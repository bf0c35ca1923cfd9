// Package store is the relational collaborator: positional history,
// vehicle descriptors, hazard reports and emergency events in Postgres.
// The hot path never waits on it; the persistence worker and the
// direct-write fallback are its main writers.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetryd/internal/telemetry"
)

// Sentinel errors callers branch on. ErrDuplicate wraps Postgres unique
// violations (SQLSTATE 23505).
var (
	ErrNotFound  = errors.New("store: not found")
	ErrNoCredit  = errors.New("store: no sos credit")
	ErrDuplicate = errors.New("store: duplicate")
)

// MaxHistoryLimit caps the page size of history queries.
const MaxHistoryLimit = 1000

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertPosition writes a single position row. A duplicate (vehicle_id, ts)
// pair is skipped silently.
func (s *Store) InsertPosition(ctx context.Context, pos telemetry.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (vehicle_id, lat, lng, speed, heading, accuracy, altitude, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		pos.VehicleID, pos.Lat, pos.Lng, pos.Speed, pos.Heading, pos.Accuracy, pos.Altitude,
		pos.Time().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// InsertPositions writes a batch of positions inside one transaction and
// returns how many rows were actually inserted. Duplicates are skipped
// per row, so a batch never fails on redelivered records.
func (s *Store) InsertPositions(ctx context.Context, positions []telemetry.Position) (int64, error) {
	if len(positions) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted int64
	for _, pos := range positions {
		tag, err := tx.Exec(ctx, `
			INSERT INTO positions (vehicle_id, lat, lng, speed, heading, accuracy, altitude, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING`,
			pos.VehicleID, pos.Lat, pos.Lng, pos.Speed, pos.Heading, pos.Accuracy, pos.Altitude,
			pos.Time().UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert position for %s: %w", pos.VehicleID, err)
		}
		inserted += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

// MarkVehiclesActive flips the given descriptors to active and stamps
// last_seen. Unknown vehicle ids are ignored; the row count tells the
// caller how many descriptors actually exist.
func (s *Store) MarkVehiclesActive(ctx context.Context, vehicleIDs []string) (int64, error) {
	if len(vehicleIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE vehicles SET status = 'active', last_seen = now() WHERE vehicle_id = ANY($1)`,
		vehicleIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("mark vehicles active: %w", err)
	}
	return tag.RowsAffected(), nil
}

// NewestPosition returns the most recent history row for a vehicle.
func (s *Store) NewestPosition(ctx context.Context, vehicleID string) (telemetry.Position, error) {
	var (
		pos telemetry.Position
		ts  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT vehicle_id, lat, lng, speed, heading, accuracy, altitude, ts
		FROM positions
		WHERE vehicle_id = $1
		ORDER BY ts DESC
		LIMIT 1`,
		vehicleID,
	).Scan(&pos.VehicleID, &pos.Lat, &pos.Lng, &pos.Speed, &pos.Heading, &pos.Accuracy, &pos.Altitude, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return telemetry.Position{}, ErrNotFound
	}
	if err != nil {
		return telemetry.Position{}, fmt.Errorf("newest position for %s: %w", vehicleID, err)
	}
	pos.Timestamp = ts.UnixMilli()
	return pos, nil
}

// HistoryPage returns one reverse-chronological page of a vehicle's track.
// Zero from/to bounds are open. Limit is clamped to MaxHistoryLimit and
// page starts at 1.
func (s *Store) HistoryPage(ctx context.Context, vehicleID string, from, to time.Time, page, limit int) ([]telemetry.Position, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if page < 1 {
		page = 1
	}

	query := `
		SELECT vehicle_id, lat, lng, speed, heading, accuracy, altitude, ts
		FROM positions
		WHERE vehicle_id = $1`
	args := []any{vehicleID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		query += fmt.Sprintf(" AND ts <= $%d", len(args))
	}
	args = append(args, limit, (page-1)*limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", vehicleID, err)
	}
	defer rows.Close()

	var out []telemetry.Position
	for rows.Next() {
		var (
			pos telemetry.Position
			ts  time.Time
		)
		if err := rows.Scan(&pos.VehicleID, &pos.Lat, &pos.Lng, &pos.Speed, &pos.Heading, &pos.Accuracy, &pos.Altitude, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		pos.Timestamp = ts.UnixMilli()
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}

// NearbyVehicle is one candidate row for a nearby query: the newest recent
// position of a public vehicle inside the bounding box, joined with the
// descriptor subset safe to show strangers.
type NearbyVehicle struct {
	VehicleID  string  `json:"vehicleId"`
	Plate      string  `json:"plate,omitempty"`
	Type       string  `json:"type,omitempty"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Speed      float64 `json:"speed"`
	Heading    float64 `json:"heading"`
	Timestamp  int64   `json:"timestamp"`
	DistanceKM float64 `json:"distanceKm"`
}

// NearbyCandidates returns, per public vehicle, its single newest position
// since the given time inside a planar bounding box around (lat, lng).
// The box over-selects; the caller applies the exact radius filter.
func (s *Store) NearbyCandidates(ctx context.Context, lat, lng, radiusKM float64, since time.Time) ([]NearbyVehicle, error) {
	delta := radiusKM / telemetry.KMPerDegree

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (p.vehicle_id)
			p.vehicle_id, COALESCE(v.plate, ''), COALESCE(v.type, ''),
			p.lat, p.lng, p.speed, p.heading, p.ts
		FROM positions p
		JOIN vehicles v ON v.vehicle_id = p.vehicle_id
		WHERE v.is_public = true
		  AND p.ts >= $1
		  AND p.lat BETWEEN $2 AND $3
		  AND p.lng BETWEEN $4 AND $5
		ORDER BY p.vehicle_id, p.ts DESC`,
		since.UTC(), lat-delta, lat+delta, lng-delta, lng+delta,
	)
	if err != nil {
		return nil, fmt.Errorf("nearby candidates: %w", err)
	}
	defer rows.Close()

	var out []NearbyVehicle
	for rows.Next() {
		var (
			nv NearbyVehicle
			ts time.Time
		)
		if err := rows.Scan(&nv.VehicleID, &nv.Plate, &nv.Type, &nv.Lat, &nv.Lng, &nv.Speed, &nv.Heading, &ts); err != nil {
			return nil, fmt.Errorf("scan nearby row: %w", err)
		}
		nv.Timestamp = ts.UnixMilli()
		out = append(out, nv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearby rows: %w", err)
	}
	return out, nil
}

// InsertReport persists a hazard report until its expiry.
func (s *Store) InsertReport(ctx context.Context, r telemetry.HazardReport) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO route_reports (id, kind, severity, lat, lng, description, reported_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Kind, r.Severity, r.Lat, r.Lng,
		nullableString(r.Description), nullableString(r.ReportedBy),
		time.UnixMilli(r.CreatedAt).UTC(), time.UnixMilli(r.ExpiresAt).UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: report %s", ErrDuplicate, r.ID)
	}
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// PurgeExpiredReports deletes hazard reports past their expiry.
func (s *Store) PurgeExpiredReports(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM route_reports WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SOSEvent is one emergency trigger.
type SOSEvent struct {
	ID        string
	UserID    string
	VehicleID string
	Lat       float64
	Lng       float64
	SourceIP  string
	CreatedAt time.Time
}

// InsertSOSEvent records an emergency trigger.
func (s *Store) InsertSOSEvent(ctx context.Context, ev SOSEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sos_events (id, user_id, vehicle_id, lat, lng, source_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.UserID, nullableString(ev.VehicleID), ev.Lat, ev.Lng, ev.SourceIP, ev.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: sos event %s", ErrDuplicate, ev.ID)
	}
	if err != nil {
		return fmt.Errorf("insert sos event: %w", err)
	}
	return nil
}

// DebitSOSCredit atomically spends one of the user's SOS credits and
// returns the remainder. ErrNoCredit when the balance is already zero,
// ErrNotFound for an unknown user.
func (s *Store) DebitSOSCredit(ctx context.Context, userID string) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
		UPDATE users SET sos_credits = sos_credits - 1
		WHERE id = $1 AND sos_credits > 0
		RETURNING sos_credits`,
		userID,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("check user %s: %w", userID, err)
		}
		if !exists {
			return 0, fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return 0, ErrNoCredit
	}
	if err != nil {
		return 0, fmt.Errorf("debit sos credit for %s: %w", userID, err)
	}
	return remaining, nil
}

// CountSOSFromIP counts emergency triggers from one source address since
// the given time, for the per-IP abuse cap.
func (s *Store) CountSOSFromIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM sos_events WHERE source_ip = $1 AND created_at >= $2`,
		ip, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sos from ip: %w", err)
	}
	return n, nil
}

// PurgeExpiredRefreshCredentials deletes refresh credentials past expiry.
// The auth collaborator owns the rows; the core only sweeps them.
func (s *Store) PurgeExpiredRefreshCredentials(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_credentials WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired refresh credentials: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkStaleVehiclesInactive flips descriptors not seen within staleAfter
// back to inactive and returns the affected vehicle ids so the caller can
// announce the status change.
func (s *Store) MarkStaleVehiclesInactive(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE vehicles SET status = 'inactive'
		WHERE status = 'active' AND last_seen < now() - $1::interval
		RETURNING vehicle_id`,
		staleAfter,
	)
	if err != nil {
		return nil, fmt.Errorf("mark stale vehicles inactive: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale vehicle id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale vehicle ids: %w", err)
	}
	return ids, nil
}

// ArchivedEvent is one vehicle-events record prepared for cold storage:
// the indexable fields extracted, the full wire form zstd-compressed.
type ArchivedEvent struct {
	ID         string
	Kind       string
	VehicleID  string
	UserID     string
	OccurredAt time.Time
	Compressed []byte
}

// ArchiveEvents inserts a batch of archived events in one transaction
// and returns the number of rows written. Replayed events dedup on id.
func (s *Store) ArchiveEvents(ctx context.Context, rows []ArchivedEvent) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var inserted int64
	for _, row := range rows {
		tag, err := tx.Exec(ctx, `
			INSERT INTO vehicle_events_archive (id, kind, vehicle_id, user_id, occurred_at, payload_zstd)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			row.ID, row.Kind, nullableString(row.VehicleID), nullableString(row.UserID),
			row.OccurredAt.UTC(), row.Compressed,
		)
		if err != nil {
			return 0, fmt.Errorf("archive event %s: %w", row.ID, err)
		}
		inserted += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
