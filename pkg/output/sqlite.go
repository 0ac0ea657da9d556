package output

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id           TEXT PRIMARY KEY,
    started_at       TEXT NOT NULL,
    manifest         TEXT NOT NULL,
    negative_control TEXT
);
CREATE TABLE IF NOT EXISTS extractions (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id             TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    patient_id         TEXT NOT NULL,
    study_uid          TEXT,
    study_description  TEXT,
    series_uid         TEXT NOT NULL,
    series_description TEXT,
    image_modality     TEXT,
    instances          INTEGER,
    seg_series_uid     TEXT NOT NULL,
    seg_modality       TEXT,
    seg_ref_image      TEXT,
    roi                TEXT NOT NULL,
    roi_number         INTEGER NOT NULL,
    negative_control   TEXT
);
CREATE TABLE IF NOT EXISTS features (
    extraction_id INTEGER NOT NULL REFERENCES extractions(id) ON DELETE CASCADE,
    position      INTEGER NOT NULL,
    name          TEXT NOT NULL,
    value         TEXT NOT NULL,
    numeric_value REAL,
    PRIMARY KEY (extraction_id, name)
);
CREATE INDEX IF NOT EXISTS idx_extractions_run ON extractions(run_id);
CREATE INDEX IF NOT EXISTS idx_features_name ON features(name);
`

// RunInfo identifies one batch run in the feature store.
type RunInfo struct {
	ID              string
	StartedAt       time.Time
	Manifest        string
	NegativeControl string
}

// Store is a SQLite feature store holding one row per extraction and one
// row per (extraction, feature).
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates the feature store at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WriteRun stores the run and every row of t in a single transaction.
func (s *Store) WriteRun(ctx context.Context, run RunInfo, t *Table) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, manifest, negative_control) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.Manifest, nullableString(run.NegativeControl),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	insertFeature, err := tx.PrepareContext(ctx,
		`INSERT INTO features (extraction_id, position, name, value, numeric_value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare feature insert: %w", err)
	}
	defer insertFeature.Close()

	for _, row := range t.Rows {
		p := row.Provenance
		res, err := tx.ExecContext(ctx,
			`INSERT INTO extractions (
                run_id, patient_id, study_uid, study_description, series_uid, series_description,
                image_modality, instances, seg_series_uid, seg_modality, seg_ref_image,
                roi, roi_number, negative_control
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, p.SubjectID, p.StudyUID, p.StudyDescription, p.SeriesUID, p.SeriesDescription,
			p.ImageModality, p.Instances, p.SegSeriesUID, p.SegModality, p.SegRefImage,
			p.ROI, p.ROINumber, nullableString(p.NegativeControl),
		)
		if err != nil {
			return fmt.Errorf("insert extraction: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}

		if row.Features == nil {
			continue
		}
		for pos, name := range row.Features.Keys() {
			v, _ := row.Features.Get(name)
			var numeric any
			if f, ok := numericValue(v); ok {
				numeric = f
			}
			if _, err := insertFeature.ExecContext(ctx, id, pos, name, FormatValue(v), numeric); err != nil {
				return fmt.Errorf("insert feature %s: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// CountExtractions returns the number of extractions stored for runID.
func (s *Store) CountExtractions(ctx context.Context, runID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM extractions WHERE run_id = ?`, runID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count extractions: %w", err)
	}
	return n, nil
}

// FeatureValues returns the numeric values of feature name for runID, in
// insertion order.
func (s *Store) FeatureValues(ctx context.Context, runID, name string) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.numeric_value FROM features f
         JOIN extractions e ON e.id = f.extraction_id
         WHERE e.run_id = ? AND f.name = ? AND f.numeric_value IS NOT NULL
         ORDER BY e.id`, runID, name)
	if err != nil {
		return nil, fmt.Errorf("query features: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
