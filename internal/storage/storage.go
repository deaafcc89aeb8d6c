package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for reconstruction runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS stage_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            stage TEXT NOT NULL,
            duration_ms INTEGER,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS pairs (
            run_id TEXT NOT NULL,
            image_i INTEGER NOT NULL,
            image_j INTEGER NOT NULL,
            matches INTEGER,
            points INTEGER,
            angle REAL,
            error REAL,
            status TEXT,
            reason TEXT,
            PRIMARY KEY (run_id, image_i, image_j)
        );`,
		`CREATE TABLE IF NOT EXISTS cameras (
            run_id TEXT NOT NULL,
            image INTEGER NOT NULL,
            name TEXT,
            focal REAL,
            k1 REAL,
            k2 REAL,
            points INTEGER,
            round INTEGER,
            PRIMARY KEY (run_id, image)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_stage_results_run ON stage_results(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_pairs_run ON pairs(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string
	Kind        string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// PairSummary is the outcome of one two-frame reconstruction.
type PairSummary struct {
	RunID   string
	I, J    int
	Matches int
	Points  int
	Angle   float64
	Error   float64
	Status  string // "model", "failed", "duplicate", "cached"
	Reason  string
}

// CameraRecord is a camera accepted into the reconstruction.
type CameraRecord struct {
	RunID  string
	Image  int
	Name   string
	Focal  float64
	K1, K2 float64
	Points int
	Round  int
}

// StageRecord is a finished pipeline stage.
type StageRecord struct {
	RunID    string
	Stage    string
	Duration time.Duration
	Meta     map[string]any
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, kind, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Kind, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordStage stores the result of one stage.
func (s *Store) RecordStage(rec StageRecord) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(rec.Meta)
	_, err := s.DB.Exec(`INSERT INTO stage_results (run_id, stage, duration_ms, meta_json) VALUES (?, ?, ?, ?);`,
		rec.RunID, rec.Stage, rec.Duration.Milliseconds(), string(metaJSON))
	return err
}

// RecordPair upserts a pair summary.
func (s *Store) RecordPair(p PairSummary) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO pairs (run_id, image_i, image_j, matches, points, angle, error, status, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		p.RunID, p.I, p.J, p.Matches, p.Points, nullFloat(p.Angle), nullFloat(p.Error), p.Status, p.Reason)
	return err
}

// RecordCamera upserts a registered camera.
func (s *Store) RecordCamera(c CameraRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO cameras (run_id, image, name, focal, k1, k2, points, round) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		c.RunID, c.Image, c.Name, c.Focal, c.K1, c.K2, c.Points, c.Round)
	return err
}

// RemoveCamera deletes a camera that was demoted.
func (s *Store) RemoveCamera(runID string, image int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`DELETE FROM cameras WHERE run_id=? AND image=?;`, runID, image)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, kind, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM runs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started, completed sql.NullTime
		var input, output, opts, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Status, &input, &output, &opts, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.Error = input.String, output.String, opts.String, errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// Pairs returns the pair summaries of a run ordered by pair.
func (s *Store) Pairs(runID string) ([]PairSummary, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT image_i, image_j, matches, points, angle, error, status, reason FROM pairs WHERE run_id=? ORDER BY image_i, image_j;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PairSummary
	for rows.Next() {
		p := PairSummary{RunID: runID}
		var angle, perr sql.NullFloat64
		var reason sql.NullString
		if err := rows.Scan(&p.I, &p.J, &p.Matches, &p.Points, &angle, &perr, &p.Status, &reason); err != nil {
			return nil, err
		}
		p.Angle, p.Error, p.Reason = angle.Float64, perr.Float64, reason.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// Cameras returns the registered cameras of a run ordered by image.
func (s *Store) Cameras(runID string) ([]CameraRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT image, name, focal, k1, k2, points, round FROM cameras WHERE run_id=? ORDER BY image;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CameraRecord
	for rows.Next() {
		c := CameraRecord{RunID: runID}
		if err := rows.Scan(&c.Image, &c.Name, &c.Focal, &c.K1, &c.K2, &c.Points, &c.Round); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stages returns the stage results of a run in insertion order.
func (s *Store) Stages(runID string) ([]StageRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT stage, duration_ms, meta_json FROM stage_results WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StageRecord
	for rows.Next() {
		rec := StageRecord{RunID: runID}
		var ms int64
		var metaJSON string
		if err := rows.Scan(&rec.Stage, &ms, &metaJSON); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		_ = json.Unmarshal([]byte(metaJSON), &rec.Meta)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// NaN is not a valid SQLite REAL.
func nullFloat(v float64) any {
	if v != v {
		return nil
	}
	return v
}
