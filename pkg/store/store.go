// Package store persists bin records in sqlite and publishes a change
// document to the feed on every mutation.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/binwatch/binwatch/pkg/log"
	"github.com/binwatch/binwatch/pkg/realtime"
)

// ErrNotFound is returned when a bin does not exist or belongs to another user.
var ErrNotFound = errors.New("bin not found")

// Publisher emits change documents to the feed. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Store owns the bins table. Mutations are published to the change feed
// best-effort: a feed outage never fails the mutation, it only costs the
// realtime notification.
type Store struct {
	db      *sql.DB
	feed    Publisher
	subject string
	logger  *log.Logger
}

func NewStore(dbPath string, feed Publisher, subject string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	// A single connection keeps the read-modify-write transactions in
	// UpdateBin/DeleteBin serialized.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		feed:    feed,
		subject: subject,
		logger:  log.ForComponent("store"),
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bins (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			organik_status TEXT NOT NULL DEFAULT '',
			anorganik_status TEXT NOT NULL DEFAULT '',
			b3_status TEXT NOT NULL DEFAULT '',
			fill_level INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bins_user_id ON bins(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const binColumns = "id, user_id, title, location, status, organik_status, anorganik_status, b3_status, fill_level, created_at"

func scanBin(row interface{ Scan(...any) error }) (*realtime.BinRecord, error) {
	var bin realtime.BinRecord
	var createdAt string
	err := row.Scan(&bin.ID, &bin.UserID, &bin.Title, &bin.Location, &bin.Status,
		&bin.OrganikStatus, &bin.AnorganikStatus, &bin.B3Status, &bin.FillLevel, &createdAt)
	if err != nil {
		return nil, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		bin.CreatedAt = ts
	}
	return &bin, nil
}

// GetUserBins returns all bins owned by userID, newest first.
func (s *Store) GetUserBins(userID string) ([]*realtime.BinRecord, error) {
	rows, err := s.db.Query(
		"SELECT "+binColumns+" FROM bins WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("querying bins: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Warnf("closing rows: %v", err)
		}
	}()

	var bins []*realtime.BinRecord
	for rows.Next() {
		bin, err := scanBin(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bin: %w", err)
		}
		bins = append(bins, bin)
	}
	return bins, rows.Err()
}

// SearchBins returns userID's bins whose title or location matches query.
func (s *Store) SearchBins(userID, query string) ([]*realtime.BinRecord, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(
		"SELECT "+binColumns+" FROM bins WHERE user_id = ? AND (title LIKE ? OR location LIKE ?) ORDER BY created_at DESC",
		userID, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("searching bins: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Warnf("closing rows: %v", err)
		}
	}()

	var bins []*realtime.BinRecord
	for rows.Next() {
		bin, err := scanBin(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bin: %w", err)
		}
		bins = append(bins, bin)
	}
	return bins, rows.Err()
}

// querier covers *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getBin(q querier, userID, id string) (*realtime.BinRecord, error) {
	row := q.QueryRow(
		"SELECT "+binColumns+" FROM bins WHERE id = ? AND user_id = ?", id, userID)
	bin, err := scanBin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bin %s: %w", id, err)
	}
	return bin, nil
}

// GetBinByID returns one bin, scoped to its owner.
func (s *Store) GetBinByID(userID, id string) (*realtime.BinRecord, error) {
	return getBin(s.db, userID, id)
}

// CreateBin inserts a new bin for userID. The id and creation time are
// assigned here; any values in the input are ignored.
func (s *Store) CreateBin(userID string, bin *realtime.BinRecord) (*realtime.BinRecord, error) {
	created := *bin
	created.ID = uuid.New().String()
	created.UserID = userID
	created.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(
		"INSERT INTO bins ("+binColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		created.ID, created.UserID, created.Title, created.Location, created.Status,
		created.OrganikStatus, created.AnorganikStatus, created.B3Status, created.FillLevel,
		created.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting bin: %w", err)
	}

	s.publish(realtime.OpInsert, &created, nil)
	return &created, nil
}

// UpdateBin replaces the mutable fields of an existing bin. Ownership cannot
// change: the user_id of the input is ignored. The read of the old record and
// the write happen in one transaction, so the published old_record is never
// stale.
func (s *Store) UpdateBin(userID, id string, updates *realtime.BinRecord) (*realtime.BinRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				s.logger.Warnf("rolling back transaction: %v", err)
			}
		}
	}()

	old, err := getBin(tx, userID, id)
	if err != nil {
		return nil, err
	}

	updated := *old
	updated.Title = updates.Title
	updated.Location = updates.Location
	updated.Status = updates.Status
	updated.OrganikStatus = updates.OrganikStatus
	updated.AnorganikStatus = updates.AnorganikStatus
	updated.B3Status = updates.B3Status
	updated.FillLevel = updates.FillLevel

	_, err = tx.Exec(
		`UPDATE bins SET title = ?, location = ?, status = ?, organik_status = ?,
			anorganik_status = ?, b3_status = ?, fill_level = ?
		 WHERE id = ? AND user_id = ?`,
		updated.Title, updated.Location, updated.Status, updated.OrganikStatus,
		updated.AnorganikStatus, updated.B3Status, updated.FillLevel, id, userID)
	if err != nil {
		return nil, fmt.Errorf("updating bin %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update of bin %s: %w", id, err)
	}
	committed = true

	s.publish(realtime.OpUpdate, &updated, old)
	return &updated, nil
}

// DeleteBin removes a bin, scoped to its owner.
func (s *Store) DeleteBin(userID, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				s.logger.Warnf("rolling back transaction: %v", err)
			}
		}
	}()

	old, err := getBin(tx, userID, id)
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM bins WHERE id = ? AND user_id = ?", id, userID); err != nil {
		return fmt.Errorf("deleting bin %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete of bin %s: %w", id, err)
	}
	committed = true

	s.publish(realtime.OpDelete, nil, old)
	return nil
}

// changeDoc is the JSON document published to the feed on every mutation.
type changeDoc struct {
	ID        string              `json:"id"`
	Operation string              `json:"operation"`
	Record    *realtime.BinRecord `json:"record,omitempty"`
	OldRecord *realtime.BinRecord `json:"old_record,omitempty"`
}

func (s *Store) publish(operation string, record, oldRecord *realtime.BinRecord) {
	if s.feed == nil {
		return
	}

	doc := changeDoc{
		ID:        uuid.New().String(),
		Operation: operation,
		Record:    record,
		OldRecord: oldRecord,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		s.logger.Errorf("marshaling %s change document: %v", operation, err)
		return
	}
	if err := s.feed.Publish(s.subject, data); err != nil {
		s.logger.Warnf("publishing %s change to %s: %v", operation, s.subject, err)
	}
}
