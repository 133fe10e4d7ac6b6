// Package store provides the sqlite-backed diagnostic archive: completed
// focus episodes and evicted memory slices survive process restarts for
// offline inspection. The archive is best-effort and never sits on the hot
// path; a write failure degrades to a log line, not an error for the turn.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"quorum/internal/logging"
	"quorum/internal/memory"
)

// CurrentSchemaVersion tracks the archive schema.
// v1: episodes + slices + turns tables.
const CurrentSchemaVersion = 1

// Archive wraps the sqlite handle.
type Archive struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the archive at path and applies migrations.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// Single writer; the archive is not a concurrent store.
	db.SetMaxOpenConns(1)

	a := &Archive{db: db, path: path}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("archive opened: %s", path)
	return a, nil
}

// migrate applies the versioned schema.
func (a *Archive) migrate() error {
	if _, err := a.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("schema_version table: %w", err)
	}

	var version int
	row := a.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&version); err != nil {
		if err != sql.ErrNoRows {
			return fmt.Errorf("read schema version: %w", err)
		}
		if _, err := a.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
	}

	if version < 1 {
		if err := a.applyV1(); err != nil {
			return err
		}
		version = 1
	}

	if _, err := a.db.Exec(`UPDATE schema_version SET version = ?`, version); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return nil
}

func (a *Archive) applyV1() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			objective TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			summary_json TEXT NOT NULL,
			derived_slice_ids TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS slices (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			text TEXT NOT NULL,
			summary TEXT,
			tags TEXT,
			entities TEXT,
			source_agent_ids TEXT,
			importance REAL,
			confidence REAL,
			retrieval_count INTEGER,
			created_at DATETIME NOT NULL,
			archived_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			query TEXT NOT NULL,
			response TEXT NOT NULL,
			agent_ids TEXT,
			cached INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_slices_type ON slices(type)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at)`,
	}
	for _, s := range stmts {
		if _, err := a.db.Exec(s); err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

// ArchiveEpisode stores a completed episode. Implements memory.Archiver.
func (a *Archive) ArchiveEpisode(ep *memory.Episode) error {
	summary, err := json.Marshal(ep.Summary)
	if err != nil {
		return fmt.Errorf("marshal episode summary: %w", err)
	}
	ids, _ := json.Marshal(ep.DerivedSlices)

	_, err = a.db.Exec(
		`INSERT OR REPLACE INTO episodes (id, label, objective, started_at, completed_at, summary_json, derived_slice_ids)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Label, ep.Objective, ep.StartedAt, ep.CompletedAt, string(summary), string(ids),
	)
	if err != nil {
		return fmt.Errorf("archive episode %s: %w", ep.ID, err)
	}
	logging.Store("episode archived: %s", ep.ID)
	return nil
}

// ArchiveSlices stores evicted slices. Implements memory.Archiver.
func (a *Archive) ArchiveSlices(slices []*memory.Slice) error {
	if len(slices) == 0 {
		return nil
	}
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO slices (id, type, text, summary, tags, entities, source_agent_ids,
		 importance, confidence, retrieval_count, created_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare slice insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, sl := range slices {
		tags, _ := json.Marshal(sl.Tags)
		ents, _ := json.Marshal(sl.Entities)
		agents, _ := json.Marshal(sl.SourceAgentIDs)
		if _, err := stmt.Exec(sl.ID, string(sl.Type), sl.Text, sl.Summary,
			string(tags), string(ents), string(agents),
			sl.Importance, sl.Confidence, sl.RetrievalCount, sl.Timestamp, now); err != nil {
			return fmt.Errorf("archive slice %s: %w", sl.ID, err)
		}
	}
	return tx.Commit()
}

// RecordTurn appends a turn to the turn history table.
func (a *Archive) RecordTurn(query, response string, agentIDs []string, cached bool) error {
	agents, _ := json.Marshal(agentIDs)
	cachedInt := 0
	if cached {
		cachedInt = 1
	}
	_, err := a.db.Exec(
		`INSERT INTO turns (query, response, agent_ids, cached, created_at) VALUES (?, ?, ?, ?, ?)`,
		query, response, string(agents), cachedInt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// EpisodeCount returns the number of archived episodes.
func (a *Archive) EpisodeCount() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM episodes`).Scan(&n)
	return n, err
}

// SliceCount returns the number of archived slices.
func (a *Archive) SliceCount() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM slices`).Scan(&n)
	return n, err
}

// Close closes the underlying handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
