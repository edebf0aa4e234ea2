/*
Copyright 2025 The Sluice Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package media

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go4.org/syncutil"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS media (
 id INTEGER PRIMARY KEY AUTOINCREMENT,
 key TEXT NOT NULL UNIQUE,
 model_type TEXT NOT NULL,
 model_id TEXT NOT NULL,
 collection TEXT NOT NULL,
 disk TEXT NOT NULL,
 directory TEXT NOT NULL,
 file_name TEXT NOT NULL,
 mime_type TEXT NOT NULL,
 size INTEGER NOT NULL,
 custom_properties TEXT NOT NULL DEFAULT '{}',
 generated_conversions TEXT NOT NULL DEFAULT '{}',
 responsive_images TEXT NOT NULL DEFAULT '[]',
 superseded INTEGER NOT NULL DEFAULT 0,
 created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS media_model ON media (model_type, model_id, collection, superseded);
CREATE INDEX IF NOT EXISTS media_upload ON media (json_extract(custom_properties, '$.upload_uuid'));
`

// SQLiteStore is the default Store, backed by a single sqlite file.
// SQLite allows one writer at a time, so writes go through a gate.
type SQLiteStore struct {
	db   *sql.DB
	gate *syncutil.Gate
	now  func() time.Time
}

// NewSQLiteStore opens (creating if needed) the media database at file.
// Use ":memory:" for tests.
func NewSQLiteStore(file string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("media: open %s: %w", file, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("media: init schema: %w", err)
	}
	return &SQLiteStore{db: db, gate: syncutil.NewGate(1), now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	s.gate.Start()
	defer s.gate.Done()
	return s.insert(ctx, s.db, rec)
}

// CreateReplacing inserts rec and marks every other non-superseded
// record for the same model and collection superseded, all in one
// transaction, so two racing single-file attaches cannot both end up
// current: commits are ordered by the transaction, and the loser's
// record lands already superseded by the winner's update. It returns
// the newest record it superseded, if any.
func (s *SQLiteStore) CreateReplacing(ctx context.Context, rec *Record) (*Record, error) {
	s.gate.Start()
	defer s.gate.Done()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("media: begin: %w", err)
	}
	defer tx.Rollback()

	prev, err := scanRecord(tx.QueryRowContext(ctx,
		selectCols+`WHERE model_type = ? AND model_id = ? AND collection = ? AND superseded = 0 ORDER BY id DESC LIMIT 1`,
		rec.ModelType, rec.ModelID, rec.Collection))
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if prev != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE media SET superseded = 1 WHERE model_type = ? AND model_id = ? AND collection = ? AND superseded = 0`,
			rec.ModelType, rec.ModelID, rec.Collection); err != nil {
			return nil, fmt.Errorf("media: supersede: %w", err)
		}
	}
	if err := s.insert(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("media: commit: %w", err)
	}
	if prev != nil {
		prev.Superseded = true
	}
	return prev, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteStore) insert(ctx context.Context, db execer, rec *Record) error {
	if rec.Key == "" {
		rec.Key = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	props, err := json.Marshal(orEmptyMap(rec.CustomProperties))
	if err != nil {
		return err
	}
	convs, err := json.Marshal(orEmptyBoolMap(rec.GeneratedConversions))
	if err != nil {
		return err
	}
	resp, err := json.Marshal(orEmptySlice(rec.ResponsiveImages))
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
INSERT INTO media (key, model_type, model_id, collection, disk, directory, file_name, mime_type, size,
 custom_properties, generated_conversions, responsive_images, superseded, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.ModelType, rec.ModelID, rec.Collection, rec.Disk, rec.Directory,
		rec.FileName, rec.MIME, rec.Size, string(props), string(convs), string(resp),
		boolInt(rec.Superseded), rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("media: insert: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ByID(ctx context.Context, id int64) (*Record, error) {
	return s.one(ctx, `WHERE id = ?`, id)
}

func (s *SQLiteStore) ByUploadUUID(ctx context.Context, uploadUUID string) (*Record, error) {
	return s.one(ctx, `WHERE json_extract(custom_properties, '$.upload_uuid') = ? ORDER BY id DESC LIMIT 1`, uploadUUID)
}

func (s *SQLiteStore) Current(ctx context.Context, modelType, modelID, collection string) (*Record, error) {
	return s.one(ctx, `WHERE model_type = ? AND model_id = ? AND collection = ? AND superseded = 0 ORDER BY id DESC LIMIT 1`,
		modelType, modelID, collection)
}

func (s *SQLiteStore) MarkConversionGenerated(ctx context.Context, id int64, name string) (bool, error) {
	rec, err := s.ByID(ctx, id)
	if err != nil {
		return false, err
	}
	if _, expected := rec.GeneratedConversions[name]; !expected {
		return false, fmt.Errorf("media: record %d has no conversion %q", id, name)
	}
	rec.GeneratedConversions[name] = true
	convs, err := json.Marshal(rec.GeneratedConversions)
	if err != nil {
		return false, err
	}

	s.gate.Start()
	defer s.gate.Done()
	if _, err := s.db.ExecContext(ctx, `UPDATE media SET generated_conversions = ? WHERE id = ?`, string(convs), id); err != nil {
		return false, fmt.Errorf("media: update conversions: %w", err)
	}
	return rec.ConversionsComplete(), nil
}

func (s *SQLiteStore) MarkSuperseded(ctx context.Context, id int64) error {
	s.gate.Start()
	defer s.gate.Done()
	_, err := s.db.ExecContext(ctx, `UPDATE media SET superseded = 1 WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	s.gate.Start()
	defer s.gate.Done()
	_, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE id = ?`, id)
	return err
}

const selectCols = `SELECT id, key, model_type, model_id, collection, disk, directory, file_name, mime_type, size,
 custom_properties, generated_conversions, responsive_images, superseded, created_at FROM media `

func (s *SQLiteStore) one(ctx context.Context, where string, args ...interface{}) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectCols+where, args...))
}

func scanRecord(row *sql.Row) (*Record, error) {
	var (
		rec                Record
		props, convs, resp string
		superseded         int
		created            int64
	)
	err := row.Scan(&rec.ID, &rec.Key, &rec.ModelType, &rec.ModelID, &rec.Collection,
		&rec.Disk, &rec.Directory, &rec.FileName, &rec.MIME, &rec.Size,
		&props, &convs, &resp, &superseded, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("media: query: %w", err)
	}
	if err := json.Unmarshal([]byte(props), &rec.CustomProperties); err != nil {
		return nil, fmt.Errorf("media: record %d properties: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(convs), &rec.GeneratedConversions); err != nil {
		return nil, fmt.Errorf("media: record %d conversions: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(resp), &rec.ResponsiveImages); err != nil {
		return nil, fmt.Errorf("media: record %d responsive images: %w", rec.ID, err)
	}
	rec.Superseded = superseded != 0
	rec.CreatedAt = time.Unix(created, 0).UTC()
	return &rec, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyBoolMap(m map[string]bool) map[string]bool {
	if m == nil {
		return map[string]bool{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
