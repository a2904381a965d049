package walog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresBackend persists the log to a relational store. Sequence
// assignment is `MAX(sequence)+1` inside a serializable transaction per
// stream, matching §4.1's algorithm for relationally-backed logs.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend opens dsn and ensures the event_log table exists.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b := &PostgresBackend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS event_log (
	id              TEXT PRIMARY KEY,
	stream          TEXT NOT NULL,
	sequence        BIGINT NOT NULL,
	schema_version  INT NOT NULL,
	event_type      TEXT NOT NULL,
	timestamp       TIMESTAMPTZ NOT NULL,
	correlation_id  TEXT NOT NULL,
	checksum        TEXT NOT NULL,
	payload         JSONB NOT NULL,
	UNIQUE(stream, sequence)
);
CREATE INDEX IF NOT EXISTS event_log_stream_seq_idx ON event_log (stream, sequence);
`)
	return err
}

func (b *PostgresBackend) appendLocked(ctx context.Context, stream string, rec *EventRecord) error {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log WHERE stream = $1`, stream,
	).Scan(&next); err != nil {
		return err
	}
	rec.Sequence = uint64(next.Int64) + 1

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO event_log (id, stream, sequence, schema_version, event_type, timestamp, correlation_id, checksum, payload)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, stream, rec.Sequence, rec.SchemaVersion, rec.EventType, rec.Timestamp, rec.CorrelationID, rec.Checksum, payload,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (b *PostgresBackend) replay(ctx context.Context, stream string, afterSeq uint64, limit int) ([]*EventRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT id, stream, sequence, schema_version, event_type, timestamp, correlation_id, checksum, payload
FROM event_log WHERE stream = $1 AND sequence > $2 ORDER BY sequence ASC LIMIT $3`,
		stream, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.Stream, &rec.Sequence, &rec.SchemaVersion, &rec.EventType, &rec.Timestamp, &rec.CorrelationID, &rec.Checksum, &payload); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) latestSequence(ctx context.Context, stream string) (uint64, error) {
	var seq sql.NullInt64
	if err := b.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM event_log WHERE stream = $1`, stream,
	).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq.Int64), nil
}

func (b *PostgresBackend) close() error { return b.db.Close() }
