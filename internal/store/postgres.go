package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    id               TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    first_seen       TIMESTAMPTZ NOT NULL,
    last_seen        TIMESTAMPTZ NOT NULL,
    connection_count INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS samples (
    id          UUID PRIMARY KEY,
    session_id  TEXT NOT NULL,
    device_id   TEXT NOT NULL,
    seq         BIGINT NOT NULL,
    x           SMALLINT NOT NULL,
    y           SMALLINT NOT NULL,
    z           SMALLINT NOT NULL,
    cal_x       DOUBLE PRECISION NOT NULL,
    cal_y       DOUBLE PRECISION NOT NULL,
    cal_z       DOUBLE PRECISION NOT NULL,
    temperature DOUBLE PRECISION,
    device_ts   BIGINT,
    received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_device_received ON samples (device_id, received_at DESC);

CREATE TABLE IF NOT EXISTS config_snapshots (
    id        UUID PRIMARY KEY,
    device_id TEXT NOT NULL,
    taken_at  TIMESTAMPTZ NOT NULL,
    document  JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS config_snapshots_device_taken ON config_snapshots (device_id, taken_at DESC);
`

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn and creates the schema if missing.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) PutDevice(ctx context.Context, d DeviceRecord) error {
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}

	query := `
        INSERT INTO devices (id, name, first_seen, last_seen, connection_count)
        VALUES ($1, $2, $3, $3, 1)
        ON CONFLICT (id) DO UPDATE SET
            name = COALESCE(NULLIF(EXCLUDED.name, ''), devices.name),
            last_seen = EXCLUDED.last_seen,
            connection_count = devices.connection_count + 1`

	_, err := s.db.ExecContext(ctx, query, d.ID, d.Name, d.LastSeen)
	return wrapPQ("put device", err)
}

func (s *PostgresStore) PutSample(ctx context.Context, r SampleRecord) error {
	query := `
        INSERT INTO samples (
            id, session_id, device_id, seq, x, y, z,
            cal_x, cal_y, cal_z, temperature, device_ts, received_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.SessionID, r.DeviceID, int64(r.Seq), r.X, r.Y, r.Z,
		r.CalX, r.CalY, r.CalZ, r.Temperature, r.DeviceTimestamp, r.ReceivedAt,
	)
	return wrapPQ("put sample", err)
}

func (s *PostgresStore) PutConfigSnapshot(ctx context.Context, c ConfigSnapshot) error {
	query := `
        INSERT INTO config_snapshots (id, device_id, taken_at, document)
        VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, c.ID, c.DeviceID, c.TakenAt, []byte(c.Document))
	return wrapPQ("put config snapshot", err)
}

func (s *PostgresStore) RecentDevices(ctx context.Context, limit int) ([]DeviceRecord, error) {
	query := `
        SELECT id, name, first_seen, last_seen, connection_count
        FROM devices
        ORDER BY last_seen DESC
        LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, sqlLimit(limit))
	if err != nil {
		return nil, wrapPQ("query devices", err)
	}
	defer rows.Close()

	var devices []DeviceRecord
	for rows.Next() {
		var d DeviceRecord
		if err := rows.Scan(&d.ID, &d.Name, &d.FirstSeen, &d.LastSeen, &d.ConnectionCount); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *PostgresStore) RecentSamples(ctx context.Context, limit int, f Filter) ([]SampleRecord, error) {
	query := `
        SELECT id, session_id, device_id, seq, x, y, z,
               cal_x, cal_y, cal_z, temperature, device_ts, received_at
        FROM samples
        WHERE ($1 = '' OR device_id = $1)
          AND ($2 = '' OR session_id = $2)
          AND received_at >= $3
        ORDER BY received_at DESC, seq DESC
        LIMIT $4`

	since := f.Since
	if since.IsZero() {
		since = time.Unix(0, 0)
	}
	return s.querySamples(ctx, query, f.DeviceID, f.SessionID, since, sqlLimit(limit))
}

func (s *PostgresStore) querySamples(ctx context.Context, query string, args ...any) ([]SampleRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapPQ("query samples", err)
	}
	defer rows.Close()

	var samples []SampleRecord
	for rows.Next() {
		var (
			r    SampleRecord
			seq  int64
			temp sql.NullFloat64
			ts   sql.NullInt64
		)
		err := rows.Scan(
			&r.ID, &r.SessionID, &r.DeviceID, &seq, &r.X, &r.Y, &r.Z,
			&r.CalX, &r.CalY, &r.CalZ, &temp, &ts, &r.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		r.Seq = uint64(seq)
		if temp.Valid {
			r.Temperature = &temp.Float64
		}
		if ts.Valid {
			r.DeviceTimestamp = &ts.Int64
		}
		samples = append(samples, r)
	}
	return samples, rows.Err()
}

func (s *PostgresStore) ConfigSnapshot(ctx context.Context, deviceID string) (ConfigSnapshot, error) {
	query := `
        SELECT id, device_id, taken_at, document
        FROM config_snapshots
        WHERE device_id = $1
        ORDER BY taken_at DESC
        LIMIT 1`

	var (
		c   ConfigSnapshot
		doc []byte
	)
	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(&c.ID, &c.DeviceID, &c.TakenAt, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ConfigSnapshot{}, ErrNotFound
	}
	if err != nil {
		return ConfigSnapshot{}, wrapPQ("query config snapshot", err)
	}
	c.Document = doc
	return c, nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, kind Kind, cutoff time.Time) (int64, error) {
	var query string
	switch kind {
	case KindDevices:
		query = `DELETE FROM devices WHERE last_seen < $1`
	case KindSamples:
		query = `DELETE FROM samples WHERE received_at < $1`
	case KindConfigs:
		query = `DELETE FROM config_snapshots WHERE taken_at < $1`
	default:
		return 0, ErrUnknownKind
	}

	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, wrapPQ("delete "+string(kind), err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Export(ctx context.Context, deviceID string) (*Bundle, error) {
	var b Bundle
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, first_seen, last_seen, connection_count FROM devices WHERE id = $1`, deviceID,
	).Scan(&b.Device.ID, &b.Device.Name, &b.Device.FirstSeen, &b.Device.LastSeen, &b.Device.ConnectionCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapPQ("query device", err)
	}

	if snap, err := s.ConfigSnapshot(ctx, deviceID); err == nil {
		b.Config = &snap
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	b.Samples, err = s.querySamples(ctx, `
        SELECT id, session_id, device_id, seq, x, y, z,
               cal_x, cal_y, cal_z, temperature, device_ts, received_at
        FROM samples
        WHERE device_id = $1
        ORDER BY received_at ASC, seq ASC`, deviceID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// sqlLimit maps a non-positive limit to no limit.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// wrapPQ adds the server error code and table to driver errors.
func wrapPQ(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s: %s (code %s, table %q): %w", op, pqErr.Message, pqErr.Code, pqErr.Table, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Store = (*PostgresStore)(nil)
