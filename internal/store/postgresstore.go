package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/datajob/engine/internal/model"
)

// PostgresStore is an alternate Store backend built on github.com/lib/pq.
// It is opt-in (selected when DATABASE_URL is set) and satisfies the
// identical contract as FileStore, including NameInUse/NotFound semantics
// and a TouchLastRun that never fails the caller.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens connStr, retrying the initial ping up to five
// times with a two-second backoff to ride out a database that is still
// coming up, and ensures the jobs table exists.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, &StorageError{"open", err}
	}

	var pingErr error
	for i := 0; i < 5; i++ {
		if pingErr = db.Ping(); pingErr == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if pingErr != nil {
		db.Close()
		return nil, &StorageError{"ping", pingErr}
	}

	ps := &PostgresStore{db: db}
	if err := ps.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *PostgresStore) migrate() error {
	const q = `
	CREATE TABLE IF NOT EXISTS jobs (
		name TEXT PRIMARY KEY,
		schedule TEXT NOT NULL,
		source JSONB NOT NULL,
		transform TEXT NOT NULL,
		recipients JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_run TIMESTAMPTZ
	);`
	if _, err := ps.db.Exec(q); err != nil {
		return &StorageError{"migrate", err}
	}
	return nil
}

func (ps *PostgresStore) Close() error { return ps.db.Close() }

func (ps *PostgresStore) Put(job model.Job) error {
	source, err := json.Marshal(job.Source)
	if err != nil {
		return &StorageError{"marshal source", err}
	}
	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return &StorageError{"marshal recipients", err}
	}
	_, err = ps.db.Exec(
		`INSERT INTO jobs (name, schedule, source, transform, recipients, created_at, last_run)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		job.Name, job.Schedule, source, job.Transform, recipients, job.CreatedAt, job.LastRun,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameInUse
		}
		return &StorageError{"insert", err}
	}
	return nil
}

func (ps *PostgresStore) Replace(name string, job model.Job) error {
	source, err := json.Marshal(job.Source)
	if err != nil {
		return &StorageError{"marshal source", err}
	}
	recipients, err := json.Marshal(job.Recipients)
	if err != nil {
		return &StorageError{"marshal recipients", err}
	}
	res, err := ps.db.Exec(
		`UPDATE jobs SET schedule=$1, source=$2, transform=$3, recipients=$4
		 WHERE name=$5`,
		job.Schedule, source, job.Transform, recipients, name,
	)
	if err != nil {
		return &StorageError{"update", err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{"rows affected", err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) Get(name string) (model.Job, error) {
	row := ps.db.QueryRow(
		`SELECT name, schedule, source, transform, recipients, created_at, last_run FROM jobs WHERE name=$1`,
		name,
	)
	return scanJob(row)
}

func (ps *PostgresStore) List() ([]model.Job, error) {
	rows, err := ps.db.Query(`SELECT name, schedule, source, transform, recipients, created_at, last_run FROM jobs`)
	if err != nil {
		return nil, &StorageError{"list", err}
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) Remove(name string) error {
	res, err := ps.db.Exec(`DELETE FROM jobs WHERE name=$1`, name)
	if err != nil {
		return &StorageError{"delete", err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StorageError{"rows affected", err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) TouchLastRun(name string, t time.Time) error {
	if _, err := ps.db.Exec(`UPDATE jobs SET last_run=$1 WHERE name=$2`, t, name); err != nil {
		return fmt.Errorf("store: touch last_run: %w", &StorageError{"touch last_run", err})
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var j model.Job
	var source, recipients []byte
	var lastRun sql.NullTime
	err := row.Scan(&j.Name, &j.Schedule, &source, &j.Transform, &recipients, &j.CreatedAt, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, &StorageError{"scan", err}
	}
	if err := json.Unmarshal(source, &j.Source); err != nil {
		return model.Job{}, &StorageError{"unmarshal source", err}
	}
	if err := json.Unmarshal(recipients, &j.Recipients); err != nil {
		return model.Job{}, &StorageError{"unmarshal recipients", err}
	}
	if lastRun.Valid {
		j.LastRun = &lastRun.Time
	}
	return j, nil
}

// isUniqueViolation detects a Postgres unique-key violation (SQLSTATE
// 23505) by matching lib/pq's error text, since lib/pq's driver-specific
// error type is reached through database/sql's generic error interface.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
