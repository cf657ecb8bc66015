package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"

	"github.com/plan-takeoff/backend/internal/models"
)

// DuckOptions tunes the DuckDB connection.
type DuckOptions struct {
	MemoryLimit string // e.g. "512MB"
	Threads     int
	Logger      *slog.Logger
}

// DuckStore persists plans, calibrations and measurements in a DuckDB file.
type DuckStore struct {
	db  *sql.DB
	log *slog.Logger

	// DuckDB allows one writer; concurrent write transactions abort on conflict.
	writeMu sync.Mutex
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		id          VARCHAR PRIMARY KEY,
		project_id  VARCHAR NOT NULL,
		name        VARCHAR NOT NULL,
		file_id     VARCHAR NOT NULL,
		page_count  INTEGER NOT NULL,
		size        BIGINT NOT NULL,
		uploaded_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS calibrations (
		id               VARCHAR PRIMARY KEY,
		plan_id          VARCHAR NOT NULL,
		page             INTEGER NOT NULL,
		p1_x             DOUBLE NOT NULL,
		p1_y             DOUBLE NOT NULL,
		p2_x             DOUBLE NOT NULL,
		p2_y             DOUBLE NOT NULL,
		real_distance    DOUBLE NOT NULL,
		real_unit        VARCHAR NOT NULL,
		pixels_per_unit  DOUBLE NOT NULL,
		pixels_per_meter DOUBLE NOT NULL,
		scale_ratio      VARCHAR,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE SEQUENCE IF NOT EXISTS measurement_seq`,
	`CREATE TABLE IF NOT EXISTS measurements (
		id          VARCHAR PRIMARY KEY,
		seq         BIGINT DEFAULT nextval('measurement_seq'),
		project_id  VARCHAR NOT NULL,
		plan_id     VARCHAR,
		page        INTEGER,
		type        VARCHAR NOT NULL,
		points      VARCHAR NOT NULL,
		value       DOUBLE NOT NULL,
		unit        VARCHAR NOT NULL,
		label       VARCHAR,
		category    VARCHAR,
		color       VARCHAR,
		unit_price  DOUBLE NOT NULL,
		total_price DOUBLE NOT NULL,
		notes       VARCHAR,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calibrations_page ON calibrations(plan_id, page)`,
	`CREATE INDEX IF NOT EXISTS idx_measurements_project ON measurements(project_id)`,
}

// OpenDuckStore opens or creates the database at dbPath and applies the schema.
func OpenDuckStore(dbPath string, opts DuckOptions) (*DuckStore, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "duckstore")

	if opts.MemoryLimit == "" {
		opts.MemoryLimit = "512MB"
	}
	if opts.Threads <= 0 {
		opts.Threads = 2
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	log.Info("opening database", "path", dbPath)
	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			fmt.Sprintf("PRAGMA memory_limit='%s'", opts.MemoryLimit),
			fmt.Sprintf("PRAGMA threads=%d", opts.Threads),
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &DuckStore{db: db, log: log}, nil
}

// Close closes the database.
func (ds *DuckStore) Close() error {
	return ds.db.Close()
}

// withTx runs fn in a write transaction.
func (ds *DuckStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()

	tx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (ds *DuckStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ds.writeMu.Lock()
	defer ds.writeMu.Unlock()
	return ds.db.ExecContext(ctx, query, args...)
}

// --- plans ---

// CreatePlan inserts a plan record.
func (ds *DuckStore) CreatePlan(ctx context.Context, p *models.Plan) error {
	_, err := ds.exec(ctx,
		`INSERT INTO plans (id, project_id, name, file_id, page_count, size, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.Name, p.FileID, p.PageCount, p.Size, p.UploadedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting plan %s: %w", p.ID, err)
	}
	return nil
}

const planColumns = `id, project_id, name, file_id, page_count, size, uploaded_at`

func scanPlan(row interface{ Scan(...any) error }) (*models.Plan, error) {
	var p models.Plan
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &p.FileID, &p.PageCount, &p.Size, &p.UploadedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPlan returns a plan or an error wrapping models.ErrNotFound.
func (ds *DuckStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	row := ds.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying plan %s: %w", id, err)
	}
	return p, nil
}

// ListPlans returns the plans of a project, newest first.
func (ds *DuckStore) ListPlans(ctx context.Context, projectID string) ([]*models.Plan, error) {
	rows, err := ds.db.QueryContext(ctx,
		`SELECT `+planColumns+` FROM plans WHERE project_id = ? ORDER BY uploaded_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying plans: %w", err)
	}
	defer rows.Close()

	var out []*models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePlan removes a plan together with its calibrations and measurements.
func (ds *DuckStore) DeletePlan(ctx context.Context, id string) error {
	return ds.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM measurements WHERE plan_id = ?`,
			`DELETE FROM calibrations WHERE plan_id = ?`,
			`DELETE FROM plans WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("deleting plan %s: %w", id, err)
			}
		}
		ds.log.Info("plan deleted", "plan", id)
		return nil
	})
}

// --- calibrations ---

// ReplaceCalibration deletes the page's calibration and inserts cal in one
// transaction, so at most one calibration is active per (plan, page).
func (ds *DuckStore) ReplaceCalibration(ctx context.Context, cal *models.Calibration) error {
	return ds.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM calibrations WHERE plan_id = ? AND page = ?`, cal.PlanID, cal.Page); err != nil {
			return fmt.Errorf("deleting calibration: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO calibrations (id, plan_id, page, p1_x, p1_y, p2_x, p2_y, real_distance,
				real_unit, pixels_per_unit, pixels_per_meter, scale_ratio, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cal.ID, cal.PlanID, cal.Page, cal.Point1.X, cal.Point1.Y, cal.Point2.X, cal.Point2.Y,
			cal.RealDistance, string(cal.RealUnit), cal.PixelsPerUnit, cal.PixelsPerMeter,
			cal.ScaleRatio, cal.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("inserting calibration: %w", err)
		}
		return nil
	})
}

// GetCalibration returns the active calibration of a page.
func (ds *DuckStore) GetCalibration(ctx context.Context, planID string, page int) (*models.Calibration, error) {
	var (
		c     models.Calibration
		unit  string
		ratio sql.NullString
	)
	err := ds.db.QueryRowContext(ctx,
		`SELECT id, plan_id, page, p1_x, p1_y, p2_x, p2_y, real_distance, real_unit,
			pixels_per_unit, pixels_per_meter, scale_ratio, created_at
		 FROM calibrations WHERE plan_id = ? AND page = ?
		 ORDER BY created_at DESC LIMIT 1`, planID, page).
		Scan(&c.ID, &c.PlanID, &c.Page, &c.Point1.X, &c.Point1.Y, &c.Point2.X, &c.Point2.Y,
			&c.RealDistance, &unit, &c.PixelsPerUnit, &c.PixelsPerMeter, &ratio, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration %s/%d: %w", planID, page, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying calibration: %w", err)
	}
	c.RealUnit = models.Unit(unit)
	c.ScaleRatio = ratio.String
	return &c, nil
}

// --- measurements ---

const measurementColumns = `id, project_id, plan_id, page, type, points, value, unit, label,
	category, color, unit_price, total_price, notes, created_at, updated_at`

func measurementArgs(m *models.Measurement) ([]any, error) {
	points, err := json.Marshal(m.Points)
	if err != nil {
		return nil, fmt.Errorf("encoding points: %w", err)
	}
	return []any{
		m.ID, m.ProjectID, m.PlanID, m.Page, string(m.Type), string(points), m.Value, m.Unit,
		m.Label, m.Category, m.Color, m.UnitPrice, m.TotalPrice, m.Notes,
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	}, nil
}

const insertMeasurement = `INSERT INTO measurements (` + measurementColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertMeasurement stores a new measurement.
func (ds *DuckStore) InsertMeasurement(ctx context.Context, m *models.Measurement) error {
	args, err := measurementArgs(m)
	if err != nil {
		return err
	}
	if _, err := ds.exec(ctx, insertMeasurement, args...); err != nil {
		return fmt.Errorf("inserting measurement %s: %w", m.ID, err)
	}
	return nil
}

// UpdateMeasurement overwrites the editable fields of a stored measurement.
func (ds *DuckStore) UpdateMeasurement(ctx context.Context, m *models.Measurement) error {
	res, err := ds.exec(ctx,
		`UPDATE measurements SET label = ?, category = ?, color = ?, unit_price = ?,
			total_price = ?, notes = ?, updated_at = ?
		 WHERE id = ? AND project_id = ?`,
		m.Label, m.Category, m.Color, m.UnitPrice, m.TotalPrice, m.Notes, m.UpdatedAt.UTC(), m.ID, m.ProjectID)
	if err != nil {
		return fmt.Errorf("updating measurement %s: %w", m.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("measurement %s: %w", m.ID, models.ErrNotFound)
	}
	return nil
}

// DeleteMeasurement removes a measurement of projectID. Unknown ids are not
// an error.
func (ds *DuckStore) DeleteMeasurement(ctx context.Context, projectID, id string) error {
	if _, err := ds.exec(ctx, `DELETE FROM measurements WHERE id = ? AND project_id = ?`, id, projectID); err != nil {
		return fmt.Errorf("deleting measurement %s: %w", id, err)
	}
	return nil
}

// UpsertMeasurements saves the whole batch in one transaction. On failure
// nothing is saved and the error is a *models.BatchError naming the record.
func (ds *DuckStore) UpsertMeasurements(ctx context.Context, batch []*models.Measurement) error {
	start := time.Now()
	err := ds.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertMeasurement+`
			ON CONFLICT (id) DO UPDATE SET
				label = excluded.label, category = excluded.category, color = excluded.color,
				unit_price = excluded.unit_price, total_price = excluded.total_price,
				notes = excluded.notes, updated_at = excluded.updated_at
			WHERE measurements.project_id = excluded.project_id`)
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer stmt.Close()

		owner, err := tx.PrepareContext(ctx, `SELECT project_id FROM measurements WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("preparing owner lookup: %w", err)
		}
		defer owner.Close()

		for i, m := range batch {
			if m.ID == "" {
				return &models.BatchError{Index: i, Err: errors.New("missing id")}
			}
			var project string
			switch err := owner.QueryRowContext(ctx, m.ID).Scan(&project); {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return &models.BatchError{Index: i, ID: m.ID, Err: err}
			case project != m.ProjectID:
				return &models.BatchError{Index: i, ID: m.ID, Err: models.ErrForeignRecord}
			}
			args, err := measurementArgs(m)
			if err != nil {
				return &models.BatchError{Index: i, ID: m.ID, Err: err}
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return &models.BatchError{Index: i, ID: m.ID, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	ds.log.Debug("batch saved", "count", len(batch), "elapsed", time.Since(start))
	return nil
}

// ListMeasurements returns matching measurements in creation order.
func (ds *DuckStore) ListMeasurements(ctx context.Context, f models.MeasurementFilter) ([]*models.Measurement, error) {
	query := `SELECT ` + measurementColumns + ` FROM measurements WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.PlanID != "" {
		query += ` AND plan_id = ?`
		args = append(args, f.PlanID)
	}
	if f.Page != 0 {
		query += ` AND page = ?`
		args = append(args, f.Page)
	}
	query += ` ORDER BY created_at, seq`

	rows, err := ds.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying measurements: %w", err)
	}
	defer rows.Close()

	var out []*models.Measurement
	for rows.Next() {
		var (
			m                           models.Measurement
			typ, points                 string
			planID, label, cat, col, nt sql.NullString
			page                        sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &planID, &page, &typ, &points, &m.Value, &m.Unit,
			&label, &cat, &col, &m.UnitPrice, &m.TotalPrice, &nt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning measurement: %w", err)
		}
		if err := json.Unmarshal([]byte(points), &m.Points); err != nil {
			return nil, fmt.Errorf("decoding points of %s: %w", m.ID, err)
		}
		m.Type = models.MeasurementType(typ)
		m.PlanID = planID.String
		m.Page = int(page.Int64)
		m.Label = label.String
		m.Category = cat.String
		m.Color = col.String
		m.Notes = nt.String
		m.SyncState = models.SyncConfirmed
		out = append(out, &m)
	}
	return out, rows.Err()
}
