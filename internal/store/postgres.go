package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sgerhart/siemflux/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS log_entries (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	raw         TEXT NOT NULL,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_log_entries_timestamp ON log_entries (timestamp);

CREATE TABLE IF NOT EXISTS alerts (
	id                    TEXT PRIMARY KEY,
	title                 TEXT NOT NULL,
	description           TEXT NOT NULL,
	severity              TEXT NOT NULL,
	confidence            DOUBLE PRECISION NOT NULL,
	entities              JSONB NOT NULL,
	attack_vector         TEXT,
	recommended_actions   JSONB NOT NULL,
	status                TEXT NOT NULL,
	analyst_notes         TEXT,
	false_positive_reason TEXT,
	fallback              BOOLEAN NOT NULL DEFAULT FALSE,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts (created_at);

CREATE TABLE IF NOT EXISTS alert_log_mapping (
	alert_id TEXT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
	log_id   TEXT NOT NULL,
	PRIMARY KEY (alert_id, log_id)
);

CREATE TABLE IF NOT EXISTS processing_metrics (
	id                   BIGSERIAL PRIMARY KEY,
	total_logs_processed BIGINT NOT NULL,
	alerts_generated     BIGINT NOT NULL,
	anomalies_detected   BIGINT NOT NULL,
	threats_verified     BIGINT NOT NULL,
	fallback_results     BIGINT NOT NULL,
	failed_batches       BIGINT NOT NULL,
	normalization_errors BIGINT NOT NULL,
	processing_time_avg  DOUBLE PRECISION NOT NULL,
	recorded_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const alertColumns = `a.id, a.title, a.description, a.severity, a.confidence, a.entities,
	COALESCE(a.attack_vector, ''), a.recommended_actions, a.status,
	COALESCE(a.analyst_notes, ''), COALESCE(a.false_positive_reason, ''), a.fallback,
	a.created_at, a.updated_at,
	COALESCE(ARRAY(SELECT m.log_id FROM alert_log_mapping m WHERE m.alert_id = a.id ORDER BY m.log_id), '{}')`

// PostgresStore persists raw logs, alerts and processing metrics
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens and pings the database
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

// Migrate creates the tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Health checks if the database is accessible
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveLogs stores raw log entries; existing IDs are left untouched
func (s *PostgresStore) SaveLogs(ctx context.Context, raws []model.RawLogEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO log_entries (id, source, timestamp, raw, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare log insert: %w", err)
		}
		defer stmt.Close()

		for _, raw := range raws {
			if raw.ID == "" {
				continue
			}
			metadata, err := json.Marshal(raw.Metadata)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata for %s: %w", raw.ID, err)
			}
			ts := raw.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx, raw.ID, string(raw.Source), ts, raw.Raw, string(metadata)); err != nil {
				return fmt.Errorf("failed to insert log %s: %w", raw.ID, err)
			}
		}
		return nil
	})
}

// Save stores alerts and their source log mapping
func (s *PostgresStore) Save(ctx context.Context, alerts []model.Alert) (int, error) {
	added := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, a := range alerts {
			entities, err := json.Marshal(a.Entities)
			if err != nil {
				return fmt.Errorf("failed to marshal entities: %w", err)
			}
			actions, err := json.Marshal(a.RecommendedActions)
			if err != nil {
				return fmt.Errorf("failed to marshal recommended actions: %w", err)
			}

			res, err := tx.ExecContext(ctx, `
				INSERT INTO alerts (id, title, description, severity, confidence, entities, attack_vector,
					recommended_actions, status, analyst_notes, false_positive_reason, fallback, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				ON CONFLICT (id) DO NOTHING`,
				a.ID, a.Title, a.Description, a.Severity, a.Confidence, string(entities), a.AttackVector,
				string(actions), a.Status, a.AnalystNotes, a.FalsePositiveReason, a.Fallback, a.CreatedAt, a.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert alert %s: %w", a.ID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			added++

			for _, logID := range a.SourceLogIDs {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO alert_log_mapping (alert_id, log_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
					a.ID, logID); err != nil {
					return fmt.Errorf("failed to map alert %s to log %s: %w", a.ID, logID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// Get retrieves an alert by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts a WHERE a.id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Alert{}, fmt.Errorf("failed to query alert: %w", err)
	}
	return a, nil
}

// List returns alerts matching the filter, newest first
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]model.Alert, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("a.status = $%d", len(args)))
	}
	if filter.MinSeverity != "" {
		var allowed []string
		for sev, level := range model.SeverityLevels {
			if level >= model.SeverityLevels[filter.MinSeverity] {
				allowed = append(allowed, sev)
			}
		}
		args = append(args, pq.Array(allowed))
		where = append(where, fmt.Sprintf("a.severity = ANY($%d)", len(args)))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts a`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return alerts, nil
}

// UpdateStatus sets status, notes and false-positive reason on an alert
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (model.Alert, error) {
	if !model.IsValidStatus(update.Status) {
		return model.Alert{}, ErrInvalidStatus
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET
			status = $2,
			analyst_notes = COALESCE(NULLIF($3, ''), analyst_notes),
			false_positive_reason = COALESCE(NULLIF($4, ''), false_positive_reason),
			updated_at = NOW()
		WHERE id = $1`,
		id, update.Status, update.AnalystNotes, update.FalsePositiveReason)
	if err != nil {
		return model.Alert{}, fmt.Errorf("failed to update alert: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return model.Alert{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Get(ctx, id)
}

// SaveStats appends a processing_metrics row
func (s *PostgresStore) SaveStats(ctx context.Context, stats model.ProcessingStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_metrics (total_logs_processed, alerts_generated, anomalies_detected,
			threats_verified, fallback_results, failed_batches, normalization_errors, processing_time_avg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		stats.TotalLogsProcessed, stats.AlertsGenerated, stats.AnomaliesDetected, stats.ThreatsVerified,
		stats.FallbackResults, stats.FailedBatches, stats.NormalizationErrors, stats.ProcessingTimeAvg)
	if err != nil {
		return fmt.Errorf("failed to insert processing metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (model.Alert, error) {
	var (
		a        model.Alert
		entities []byte
		actions  []byte
	)
	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.Severity, &a.Confidence, &entities,
		&a.AttackVector, &actions, &a.Status, &a.AnalystNotes, &a.FalsePositiveReason, &a.Fallback,
		&a.CreatedAt, &a.UpdatedAt, pq.Array(&a.SourceLogIDs))
	if err != nil {
		return model.Alert{}, err
	}
	if err := json.Unmarshal(entities, &a.Entities); err != nil {
		return model.Alert{}, fmt.Errorf("failed to decode entities: %w", err)
	}
	if err := json.Unmarshal(actions, &a.RecommendedActions); err != nil {
		return model.Alert{}, fmt.Errorf("failed to decode recommended actions: %w", err)
	}
	return a, nil
}
