package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/kandev/agentd/pkg/api/v1"
)

// SQLStore keeps the snapshot in two tables: one row per agent plus a small
// key/value table for the snapshot header. Works on sqlite3 and pgx.
type SQLStore struct {
	db     *sqlx.DB
	ownsDB bool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the schema if needed. When ownsDB is true Close also
// closes db.
func NewSQLStore(db *sqlx.DB, ownsDB bool) (*SQLStore, error) {
	s := &SQLStore{db: db, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("registry schema init: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registry_entries (
		agent_id          TEXT PRIMARY KEY,
		agent_name        TEXT NOT NULL,
		agent_type        TEXT NOT NULL,
		status            TEXT NOT NULL,
		priority          INTEGER NOT NULL DEFAULT 5,
		capabilities      TEXT NOT NULL DEFAULT '[]',
		dependencies      TEXT NOT NULL DEFAULT '[]',
		endpoint          TEXT NOT NULL DEFAULT '',
		last_heartbeat    TIMESTAMP NULL,
		registration_time TIMESTAMP NOT NULL,
		metadata          TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_registry_entries_type ON registry_entries(agent_type);
	CREATE TABLE IF NOT EXISTS registry_meta (
		meta_key   TEXT PRIMARY KEY,
		meta_value TEXT NOT NULL
	);
	`
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type entryRow struct {
	AgentID          string       `db:"agent_id"`
	AgentName        string       `db:"agent_name"`
	AgentType        string       `db:"agent_type"`
	Status           string       `db:"status"`
	Priority         int          `db:"priority"`
	Capabilities     string       `db:"capabilities"`
	Dependencies     string       `db:"dependencies"`
	Endpoint         string       `db:"endpoint"`
	LastHeartbeat    sql.NullTime `db:"last_heartbeat"`
	RegistrationTime time.Time    `db:"registration_time"`
	Metadata         string       `db:"metadata"`
}

func (r *entryRow) toEntry() (v1.RegistryEntry, error) {
	e := v1.RegistryEntry{
		AgentID:          r.AgentID,
		AgentName:        r.AgentName,
		AgentType:        r.AgentType,
		Status:           v1.AgentStatus(r.Status),
		Priority:         r.Priority,
		Endpoint:         r.Endpoint,
		RegistrationTime: r.RegistrationTime.UTC(),
	}
	if r.LastHeartbeat.Valid {
		hb := r.LastHeartbeat.Time.UTC()
		e.LastHeartbeat = &hb
	}
	if err := json.Unmarshal([]byte(r.Capabilities), &e.Capabilities); err != nil {
		return e, fmt.Errorf("decode capabilities of %s: %w", r.AgentID, err)
	}
	if err := json.Unmarshal([]byte(r.Dependencies), &e.Dependencies); err != nil {
		return e, fmt.Errorf("decode dependencies of %s: %w", r.AgentID, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
		return e, fmt.Errorf("decode metadata of %s: %w", r.AgentID, err)
	}
	return e, nil
}

// Load reads every stored entry. An empty table yields (nil, nil).
func (s *SQLStore) Load(ctx context.Context) (*Snapshot, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT agent_id, agent_name, agent_type, status, priority, capabilities,
		       dependencies, endpoint, last_heartbeat, registration_time, metadata
		FROM registry_entries ORDER BY registration_time, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("select registry entries: %w", err)
	}

	var meta []struct {
		Key   string `db:"meta_key"`
		Value string `db:"meta_value"`
	}
	if err := s.db.SelectContext(ctx, &meta, `SELECT meta_key, meta_value FROM registry_meta`); err != nil {
		return nil, fmt.Errorf("select registry meta: %w", err)
	}
	if len(rows) == 0 && len(meta) == 0 {
		return nil, nil
	}

	snap := &Snapshot{Agents: make(map[string]v1.RegistryEntry, len(rows))}
	for _, m := range meta {
		switch m.Key {
		case "version":
			snap.Version = m.Value
		case "last_updated":
			if t, err := time.Parse(time.RFC3339Nano, m.Value); err == nil {
				snap.LastUpdated = t
			}
		}
	}
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		snap.Agents[e.AgentID] = e
	}
	return snap, nil
}

// Save replaces the stored contents with snap in one transaction.
func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin registry save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM registry_entries`); err != nil {
		return fmt.Errorf("clear registry entries: %w", err)
	}

	insert := tx.Rebind(`
		INSERT INTO registry_entries (agent_id, agent_name, agent_type, status, priority,
			capabilities, dependencies, endpoint, last_heartbeat, registration_time, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for id, e := range snap.Agents {
		caps, _ := json.Marshal(nonNil(e.Capabilities))
		deps, _ := json.Marshal(nonNil(e.Dependencies))
		meta, err := json.Marshal(e.Metadata)
		if err != nil || e.Metadata == nil {
			meta = []byte("{}")
		}
		var hb sql.NullTime
		if e.LastHeartbeat != nil {
			hb = sql.NullTime{Time: e.LastHeartbeat.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insert,
			id, e.AgentName, e.AgentType, string(e.Status), e.Priority,
			string(caps), string(deps), e.Endpoint, hb, e.RegistrationTime.UTC(), string(meta),
		); err != nil {
			return fmt.Errorf("insert registry entry %s: %w", id, err)
		}
	}

	upsert := tx.Rebind(`
		INSERT INTO registry_meta (meta_key, meta_value) VALUES (?, ?)
		ON CONFLICT (meta_key) DO UPDATE SET meta_value = excluded.meta_value`)
	if _, err := tx.ExecContext(ctx, upsert, "version", snap.Version); err != nil {
		return fmt.Errorf("write registry version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, "last_updated", snap.LastUpdated.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("write registry timestamp: %w", err)
	}

	return tx.Commit()
}

// Close releases the database if the store owns it.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
