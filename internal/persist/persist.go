// Package persist saves and restores the daemon's durable state: the
// project tree, the usage ledger buckets, and the selection pointers.
// Ephemeral run state (streaming flags, in-progress pointers, pending
// permissions) never touches the database.
package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/prism-desktop/prismd/internal/store"
	"github.com/prism-desktop/prismd/internal/usage"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	position   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	data       TEXT NOT NULL,
	position   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_days (
	date TEXT PRIMARY KEY,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS usage_models (
	model TEXT PRIMARY KEY,
	data  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS app_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type DB struct {
	db  *sql.DB
	log *zap.Logger
}

func Open(stateDir string, log *zap.Logger) (*DB, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	path := filepath.Join(stateDir, "prismd.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Keep sqlite responsive under concurrent saves.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma failed: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return &DB{db: db, log: log}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Save writes the full durable state in one transaction, replacing the
// previous snapshot wholesale.
func (d *DB) Save(snap store.Snapshot, days []usage.DayUsage, models []usage.ModelUsage) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"projects", "threads", "usage_days", "usage_models", "app_state"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}

	for pi, p := range snap.Projects {
		// Threads are stored in their own table; strip them from the
		// project blob to avoid duplicating the message logs.
		bare := *p
		bare.Threads = nil
		blob, err := json.Marshal(&bare)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT INTO projects (id, data, position) VALUES (?, ?, ?)",
			p.ID, string(blob), pi,
		); err != nil {
			return err
		}
		for ti, t := range p.Threads {
			tblob, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				"INSERT INTO threads (id, project_id, data, position) VALUES (?, ?, ?, ?)",
				t.ID, p.ID, string(tblob), ti,
			); err != nil {
				return err
			}
		}
	}

	for _, day := range days {
		blob, err := json.Marshal(day)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT INTO usage_days (date, data) VALUES (?, ?)", day.Date, string(blob),
		); err != nil {
			return err
		}
	}
	for _, m := range models {
		blob, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT INTO usage_models (model, data) VALUES (?, ?)", m.Model, string(blob),
		); err != nil {
			return err
		}
	}

	for key, value := range map[string]string{
		"selected_project": snap.SelectedProject,
		"selected_thread":  snap.SelectedThread,
	} {
		if _, err := tx.Exec(
			"INSERT INTO app_state (key, value) VALUES (?, ?)", key, value,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load reads the persisted snapshot back. A fresh database yields an
// empty snapshot and no error.
func (d *DB) Load() (store.Snapshot, []usage.DayUsage, []usage.ModelUsage, error) {
	var snap store.Snapshot

	rows, err := d.db.Query("SELECT id, data FROM projects ORDER BY position")
	if err != nil {
		return snap, nil, nil, err
	}
	byID := make(map[string]*store.Project)
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return snap, nil, nil, err
		}
		var p store.Project
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			d.log.Warn("skipping corrupt project row", zap.String("id", id), zap.Error(err))
			continue
		}
		byID[p.ID] = &p
		snap.Projects = append(snap.Projects, &p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, nil, nil, err
	}

	rows, err = d.db.Query("SELECT id, project_id, data FROM threads ORDER BY position")
	if err != nil {
		return snap, nil, nil, err
	}
	for rows.Next() {
		var id, projectID, blob string
		if err := rows.Scan(&id, &projectID, &blob); err != nil {
			rows.Close()
			return snap, nil, nil, err
		}
		var t store.Thread
		if err := json.Unmarshal([]byte(blob), &t); err != nil {
			d.log.Warn("skipping corrupt thread row", zap.String("id", id), zap.Error(err))
			continue
		}
		if p, ok := byID[projectID]; ok {
			p.Threads = append(p.Threads, &t)
		} else {
			d.log.Warn("orphan thread row dropped", zap.String("id", id))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, nil, nil, err
	}

	var days []usage.DayUsage
	rows, err = d.db.Query("SELECT data FROM usage_days ORDER BY date")
	if err != nil {
		return snap, nil, nil, err
	}
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			rows.Close()
			return snap, nil, nil, err
		}
		var day usage.DayUsage
		if err := json.Unmarshal([]byte(blob), &day); err == nil {
			days = append(days, day)
		}
	}
	rows.Close()

	var models []usage.ModelUsage
	rows, err = d.db.Query("SELECT data FROM usage_models ORDER BY model")
	if err != nil {
		return snap, nil, nil, err
	}
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			rows.Close()
			return snap, nil, nil, err
		}
		var m usage.ModelUsage
		if err := json.Unmarshal([]byte(blob), &m); err == nil {
			models = append(models, m)
		}
	}
	rows.Close()

	for key, dst := range map[string]*string{
		"selected_project": &snap.SelectedProject,
		"selected_thread":  &snap.SelectedThread,
	} {
		var value string
		err := d.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
		if err == nil {
			*dst = value
		} else if err != sql.ErrNoRows {
			return snap, nil, nil, err
		}
	}

	return snap, days, models, nil
}
