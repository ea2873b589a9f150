// Package store persists service snapshots in SQLite so a restarted
// supervisor can pick up where it left off.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/overseer/service"
)

// ErrNotFound is returned by Load when no snapshot is stored under a name.
var ErrNotFound = errors.New("snapshot not found")

const schema = `
CREATE TABLE IF NOT EXISTS service_v1 (
	name TEXT PRIMARY KEY NOT NULL,
	revision TEXT NOT NULL,
	count INTEGER NOT NULL,
	last_instance_number INTEGER NOT NULL,
	state TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS instance_v1 (
	service_name TEXT NOT NULL,
	number INTEGER NOT NULL,
	node TEXT NOT NULL,
	state TEXT NOT NULL,
	PRIMARY KEY (service_name, number)
);
`

const upsertServiceV1Sql = `
INSERT INTO service_v1 (name, revision, count, last_instance_number, state, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT(name) DO UPDATE SET
	revision = excluded.revision,
	count = excluded.count,
	last_instance_number = excluded.last_instance_number,
	state = excluded.state,
	updated_at = excluded.updated_at;
`

const deleteInstancesV1Sql = `DELETE FROM instance_v1 WHERE service_name = $1;`

const insertInstanceV1Sql = `
INSERT INTO instance_v1 (service_name, number, node, state) VALUES ($1, $2, $3, $4);
`

const getServiceV1Sql = `SELECT * FROM service_v1 WHERE name = $1;`

const listServicesV1Sql = `SELECT * FROM service_v1 ORDER BY name;`

const getInstancesV1Sql = `
SELECT * FROM instance_v1 WHERE service_name = $1 ORDER BY number;
`

const deleteServiceV1Sql = `DELETE FROM service_v1 WHERE name = $1;`

type serviceRow struct {
	Name               string `db:"name"`
	Revision           string `db:"revision"`
	Count              int    `db:"count"`
	LastInstanceNumber int    `db:"last_instance_number"`
	State              string `db:"state"`
	UpdatedAt          int64  `db:"updated_at"`
}

type instanceRow struct {
	ServiceName string `db:"service_name"`
	Number      int    `db:"number"`
	Node        string `db:"node"`
	State       string `db:"state"`
}

// Record is a stored snapshot together with its bookkeeping.
type Record struct {
	Snapshot  service.Snapshot
	Revision  string    // Changes on every Save
	UpdatedAt time.Time // UTC
}

// Store keeps one snapshot per service name.
type Store struct {
	db *sqlx.DB
}

// DBInit creates the snapshot tables if they don't exist.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open initializes the schema on db and returns a Store using it.
func Open(db *sqlx.DB) (*Store, error) {
	if err := DBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize snapshot database: %w", err)
	}
	return &Store{db: db}, nil
}

// Save replaces the stored snapshot for snap.Name and returns the new revision.
func (s *Store) Save(ctx context.Context, snap service.Snapshot) (string, error) {
	state, err := snap.State.MarshalText()
	if err != nil {
		return "", err
	}
	revision := uuid.NewString()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, upsertServiceV1Sql,
		snap.Name, revision, snap.Count, snap.LastInstanceNumber, string(state), time.Now().UTC().Unix())
	if err != nil {
		return "", fmt.Errorf("saving service %s: %w", snap.Name, err)
	}
	if _, err := tx.ExecContext(ctx, deleteInstancesV1Sql, snap.Name); err != nil {
		return "", fmt.Errorf("clearing instances of %s: %w", snap.Name, err)
	}
	for _, inst := range snap.Instances {
		instState, err := inst.State.MarshalText()
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, insertInstanceV1Sql, snap.Name, inst.Number, inst.Node, string(instState)); err != nil {
			return "", fmt.Errorf("saving instance %d of %s: %w", inst.Number, snap.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return revision, nil
}

// Load returns the stored snapshot for name, or ErrNotFound.
func (s *Store) Load(ctx context.Context, name string) (Record, error) {
	var row serviceRow
	err := s.db.GetContext(ctx, &row, getServiceV1Sql, name)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}
	return s.record(ctx, row)
}

// List returns every stored snapshot ordered by service name.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var rows []serviceRow
	if err := s.db.SelectContext(ctx, &rows, listServicesV1Sql); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := s.record(ctx, row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes the snapshot stored for name. Deleting a missing name is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteInstancesV1Sql, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, deleteServiceV1Sql, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) record(ctx context.Context, row serviceRow) (Record, error) {
	var instances []instanceRow
	if err := s.db.SelectContext(ctx, &instances, getInstancesV1Sql, row.Name); err != nil {
		return Record{}, err
	}

	snap := service.Snapshot{
		Name:               row.Name,
		Count:              row.Count,
		LastInstanceNumber: row.LastInstanceNumber,
		Instances:          make([]service.InstanceSnapshot, 0, len(instances)),
	}
	if err := snap.State.UnmarshalText([]byte(row.State)); err != nil {
		return Record{}, fmt.Errorf("service %s: %w", row.Name, err)
	}
	for _, r := range instances {
		inst := service.InstanceSnapshot{Number: r.Number, Node: r.Node}
		if err := inst.State.UnmarshalText([]byte(r.State)); err != nil {
			return Record{}, fmt.Errorf("service %s instance %d: %w", row.Name, r.Number, err)
		}
		snap.Instances = append(snap.Instances, inst)
	}

	return Record{
		Snapshot:  snap,
		Revision:  row.Revision,
		UpdatedAt: time.Unix(row.UpdatedAt, 0).UTC(),
	}, nil
}
