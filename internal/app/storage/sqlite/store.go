// Package sqlite persists device identity, cached credentials and project
// records in a local database so they survive process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starcpay/stream_engine/internal/app/domain/project"
	"github.com/starcpay/stream_engine/internal/app/domain/wallet"
	"github.com/starcpay/stream_engine/internal/app/storage"
)

// Store is a sqlite-backed implementation of SessionStore and ProjectStore.
// Action records stay in memory: a pending action does not survive the
// process that owns its signing session.
type Store struct {
	db *sql.DB
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.ProjectStore = (*Store)(nil)

// Open opens (and initialises) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS device_identity (
			singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
			device_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS device_credentials (
			device_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			encryption_key TEXT NOT NULL,
			issued_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			freelancer_alias TEXT,
			freelancer_addr TEXT,
			contractor_addr TEXT,
			treasury_address TEXT,
			stream_id INTEGER,
			rate_per_second TEXT,
			status TEXT,
			total_budget REAL,
			evaluation_mode TEXT,
			repo_url TEXT,
			meet_link TEXT,
			specification TEXT,
			start_date INTEGER,
			end_date INTEGER,
			tenure_days INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_contractor ON projects(contractor_addr)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// GetDeviceIdentity returns the stored device identity.
func (s *Store) GetDeviceIdentity(ctx context.Context) (wallet.DeviceIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, created_at FROM device_identity WHERE singleton = 1`)

	var id wallet.DeviceIdentity
	var createdAt int64
	if err := row.Scan(&id.ID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wallet.DeviceIdentity{}, storage.ErrNotFound
		}
		return wallet.DeviceIdentity{}, fmt.Errorf("load device identity: %w", err)
	}
	id.CreatedAt = time.Unix(createdAt, 0).UTC()
	return id, nil
}

// PutDeviceIdentity stores the device identity, replacing any previous one.
func (s *Store) PutDeviceIdentity(ctx context.Context, id wallet.DeviceIdentity) error {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_identity (singleton, device_id, created_at) VALUES (1, ?, ?)
		 ON CONFLICT(singleton) DO UPDATE SET device_id = excluded.device_id, created_at = excluded.created_at`,
		id.ID, id.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("store device identity: %w", err)
	}
	return nil
}

// GetDeviceCredential returns the cached credential for a device.
func (s *Store) GetDeviceCredential(ctx context.Context, deviceID string) (wallet.DeviceCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id, token, encryption_key, issued_at FROM device_credentials WHERE device_id = ?`,
		deviceID)

	var cred wallet.DeviceCredential
	var issuedAt int64
	if err := row.Scan(&cred.DeviceID, &cred.Token, &cred.EncryptionKey, &issuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wallet.DeviceCredential{}, storage.ErrNotFound
		}
		return wallet.DeviceCredential{}, fmt.Errorf("load device credential: %w", err)
	}
	cred.IssuedAt = time.Unix(issuedAt, 0).UTC()
	return cred, nil
}

// PutDeviceCredential caches a device credential.
func (s *Store) PutDeviceCredential(ctx context.Context, cred wallet.DeviceCredential) error {
	if cred.DeviceID == "" {
		return fmt.Errorf("device id required")
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_credentials (device_id, token, encryption_key, issued_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET token = excluded.token,
		 encryption_key = excluded.encryption_key, issued_at = excluded.issued_at`,
		cred.DeviceID, cred.Token, cred.EncryptionKey, cred.IssuedAt.Unix())
	if err != nil {
		return fmt.Errorf("store device credential: %w", err)
	}
	return nil
}

// DeleteDeviceCredential drops a cached credential.
func (s *Store) DeleteDeviceCredential(ctx context.Context, deviceID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM device_credentials WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete device credential: %w", err)
	}
	return nil
}

// CreateProject stores a project record.
func (s *Store) CreateProject(ctx context.Context, rec project.Record) (project.Record, error) {
	if rec.ID == "" {
		return project.Record{}, fmt.Errorf("project id required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	spec := "{}"
	if len(rec.Specification) > 0 {
		if !json.Valid(rec.Specification) {
			return project.Record{}, fmt.Errorf("project specification is not valid JSON")
		}
		spec = string(rec.Specification)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, freelancer_alias, freelancer_addr, contractor_addr,
			treasury_address, stream_id, rate_per_second, status, total_budget, evaluation_mode,
			repo_url, meet_link, specification, start_date, end_date, tenure_days, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.FreelancerAlias, rec.FreelancerAddr, rec.ContractorAddr,
		rec.TreasuryAddress, rec.StreamID, rec.RatePerSecond, rec.Status, rec.TotalBudget,
		rec.EvaluationMode, rec.RepoURL, rec.MeetLink, spec,
		rec.StartDate.Unix(), rec.EndDate.Unix(), rec.TenureDays, rec.CreatedAt.Unix())
	if err != nil {
		return project.Record{}, fmt.Errorf("store project: %w", err)
	}
	return rec, nil
}

// UpdateProject replaces mutable project fields.
func (s *Store) UpdateProject(ctx context.Context, rec project.Record) (project.Record, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = ?, stream_id = ?, rate_per_second = ?, treasury_address = ? WHERE id = ?`,
		rec.Status, rec.StreamID, rec.RatePerSecond, rec.TreasuryAddress, rec.ID)
	if err != nil {
		return project.Record{}, fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return project.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (project.Record, error) {
	row := s.db.QueryRowContext(ctx, selectProjects+` WHERE id = ?`, id)
	rec, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return project.Record{}, storage.ErrNotFound
		}
		return project.Record{}, fmt.Errorf("load project: %w", err)
	}
	return rec, nil
}

// ListProjects returns projects for an owner address, all when empty.
func (s *Store) ListProjects(ctx context.Context, owner string) ([]project.Record, error) {
	query := selectProjects
	args := []any{}
	if owner != "" {
		query += ` WHERE contractor_addr = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []project.Record
	for rows.Next() {
		rec, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectProjects = `SELECT id, name, freelancer_alias, freelancer_addr, contractor_addr,
	treasury_address, stream_id, rate_per_second, status, total_budget, evaluation_mode,
	repo_url, meet_link, specification, start_date, end_date, tenure_days, created_at
	FROM projects`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (project.Record, error) {
	var rec project.Record
	var spec string
	var startDate, endDate, createdAt int64
	err := row.Scan(&rec.ID, &rec.Name, &rec.FreelancerAlias, &rec.FreelancerAddr,
		&rec.ContractorAddr, &rec.TreasuryAddress, &rec.StreamID, &rec.RatePerSecond,
		&rec.Status, &rec.TotalBudget, &rec.EvaluationMode, &rec.RepoURL, &rec.MeetLink,
		&spec, &startDate, &endDate, &rec.TenureDays, &createdAt)
	if err != nil {
		return project.Record{}, err
	}
	rec.Specification = json.RawMessage(spec)
	rec.StartDate = time.Unix(startDate, 0).UTC()
	rec.EndDate = time.Unix(endDate, 0).UTC()
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return rec, nil
}
