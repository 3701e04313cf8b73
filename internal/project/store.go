// Package project is the SQLite project catalog the bootstrap flow lists and opens
// projects from.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"backbone/internal/logging"
	"backbone/internal/startup"
)

var (
	// ErrNotFound is returned when no project has the requested id.
	ErrNotFound = errors.New("project not found")

	// ErrArchived is returned when opening an archived project.
	ErrArchived = errors.New("project is archived")
)

// Summary is a row of the project picker.
type Summary struct {
	ID           string
	Name         string
	Mode         startup.Mode
	Storage      startup.StorageMode
	LastOpenedAt time.Time // zero if never opened
}

// Details is a loaded project.
type Details struct {
	Summary
	Description string
	OwnerID     string
	CreatedAt   time.Time
}

// NewProject is the input to Create.
type NewProject struct {
	Name        string
	Mode        startup.Mode
	Storage     startup.StorageMode
	Description string
	OwnerID     string
}

// Store manages the project catalog database.
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewStore creates or opens the catalog at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dbPath: dbPath, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		mode TEXT NOT NULL,
		storage TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		last_opened_at DATETIME,
		archived INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_projects_backend ON projects(mode, storage, archived);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_name ON projects(mode, storage, name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create adds a project to the catalog.
func (s *Store) Create(ctx context.Context, p NewProject) (Summary, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return Summary{}, fmt.Errorf("project name is required")
	}
	if _, err := startup.Validate(p.Mode, p.Storage, &startup.Entitlement{AllowedBackends: startup.IntrinsicBackends(p.Mode)}); err != nil {
		return Summary{}, fmt.Errorf("cannot create project: %w", err)
	}

	sum := Summary{ID: uuid.NewString(), Name: name, Mode: p.Mode, Storage: p.Storage}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, mode, storage, description, owner_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.Name, p.Mode.String(), p.Storage.String(), p.Description, p.OwnerID, s.now().UTC())
	if err != nil {
		return Summary{}, fmt.Errorf("failed to insert project: %w", err)
	}

	logging.Project("created project %s (%s) on %s/%s", sum.Name, sum.ID, p.Mode, p.Storage)
	return sum, nil
}

// ListProjects returns the open projects for a mode and backend, most recently opened first.
func (s *Store) ListProjects(ctx context.Context, mode startup.Mode, storage startup.StorageMode) ([]Summary, error) {
	timer := logging.StartTimer(logging.CategoryProject, "ListProjects")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, mode, storage, last_opened_at
		FROM projects
		WHERE mode = ? AND storage = ? AND archived = 0
		ORDER BY last_opened_at IS NULL, last_opened_at DESC, name`,
		mode.String(), storage.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// All returns every project in the catalog, archived ones included.
func (s *Store) All(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, mode, storage, last_opened_at FROM projects ORDER BY mode, storage, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (Summary, error) {
	var (
		sum           Summary
		mode, storage string
		lastOpened    sql.NullTime
	)
	if err := row.Scan(&sum.ID, &sum.Name, &mode, &storage, &lastOpened); err != nil {
		return Summary{}, err
	}
	var err error
	if sum.Mode, err = startup.ParseMode(mode); err != nil {
		return Summary{}, fmt.Errorf("project %s: %w", sum.ID, err)
	}
	if sum.Storage, err = startup.ParseStorageMode(storage); err != nil {
		return Summary{}, fmt.Errorf("project %s: %w", sum.ID, err)
	}
	if lastOpened.Valid {
		sum.LastOpenedAt = lastOpened.Time
	}
	return sum, nil
}

// LoadProject returns the project with the given id.
func (s *Store) LoadProject(ctx context.Context, id string) (Details, error) {
	var (
		d             Details
		mode, storage string
		lastOpened    sql.NullTime
		archived      bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, mode, storage, description, owner_id, created_at, last_opened_at, archived
		FROM projects WHERE id = ?`, id).
		Scan(&d.ID, &d.Name, &mode, &storage, &d.Description, &d.OwnerID, &d.CreatedAt, &lastOpened, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return Details{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Details{}, fmt.Errorf("failed to load project %s: %w", id, err)
	}
	if archived {
		return Details{}, fmt.Errorf("%w: %s", ErrArchived, d.Name)
	}

	if d.Mode, err = startup.ParseMode(mode); err != nil {
		return Details{}, err
	}
	if d.Storage, err = startup.ParseStorageMode(storage); err != nil {
		return Details{}, err
	}
	if lastOpened.Valid {
		d.LastOpenedAt = lastOpened.Time
	}
	return d, nil
}

// Touch records that the project was opened.
func (s *Store) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET last_opened_at = ? WHERE id = ?`, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Archive hides a project from the picker.
func (s *Store) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to archive project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	logging.Project("archived project %s", id)
	return nil
}
