package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sitewatch/core"
	"sitewatch/util"
	"go.uber.org/zap"
)

// EventStorer is the persistence contract for the event stream.
type EventStorer interface {
	CreateEvent(event *core.Event) error
	GetEvent(id string) (*core.Event, error)
	GetRecentEvents(ctx context.Context, cutoff time.Time, limit int) ([]*core.Event, error)
	GetEventsAscending(ctx context.Context, afterTime time.Time, afterID string, limit int) ([]*core.Event, error)
	CountEvents() (int64, error)
}

// SQLiteEventStorage handles event persistence in SQLite.
type SQLiteEventStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteEventStorage creates a new SQLite event storage handler.
func NewSQLiteEventStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteEventStorage {
	return &SQLiteEventStorage{sqlite: sqlite, logger: logger}
}

const eventColumns = `id, site_code, timestamp, category, event_type, severity,
	raw_message, normalized_message, incident_id, incident_open`

// CreateEvent persists an event. The normalized message is computed at
// insert time so matching never re-normalizes historical rows.
func (s *SQLiteEventStorage) CreateEvent(event *core.Event) error {
	if event.Message == "" {
		event.Message = util.NormalizeText(event.RawMessage)
	}
	event.Timestamp = event.Timestamp.UTC()

	_, err := s.sqlite.execWrite(`
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SiteCode, formatTime(event.Timestamp), event.Category,
		event.EventType, event.Severity, event.RawMessage, event.Message,
		event.IncidentID, boolToInt(event.IncidentOpen),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetEvent retrieves one event by id.
func (s *SQLiteEventStorage) GetEvent(id string) (*core.Event, error) {
	row := s.sqlite.ReadDB.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return event, err
}

// GetRecentEvents returns up to limit events at or before cutoff, most
// recent first. A zero cutoff means no upper bound.
func (s *SQLiteEventStorage) GetRecentEvents(ctx context.Context, cutoff time.Time, limit int) ([]*core.Event, error) {
	var rows *sql.Rows
	var err error
	if cutoff.IsZero() {
		rows, err = s.sqlite.ReadDB.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM events
			ORDER BY timestamp DESC, id DESC
			LIMIT ?`, limit)
	} else {
		rows, err = s.sqlite.ReadDB.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM events
			WHERE timestamp <= ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?`, formatTime(cutoff), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// GetEventsAscending pages the event stream in ascending (timestamp,
// id) order, strictly after the cursor. RFC3339Nano text sorts
// chronologically for UTC timestamps, so string comparison is the time
// comparison.
func (s *SQLiteEventStorage) GetEventsAscending(ctx context.Context, afterTime time.Time, afterID string, limit int) ([]*core.Event, error) {
	var rows *sql.Rows
	var err error
	if afterTime.IsZero() && afterID == "" {
		rows, err = s.sqlite.ReadDB.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM events
			ORDER BY timestamp ASC, id ASC
			LIMIT ?`, limit)
	} else {
		rows, err = s.sqlite.ReadDB.QueryContext(ctx, `
			SELECT `+eventColumns+` FROM events
			WHERE timestamp > ? OR (timestamp = ? AND id > ?)
			ORDER BY timestamp ASC, id ASC
			LIMIT ?`, formatTime(afterTime), formatTime(afterTime), afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to page events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// CountEvents returns the total number of stored events.
func (s *SQLiteEventStorage) CountEvents() (int64, error) {
	var count int64
	if err := s.sqlite.ReadDB.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func scanEvent(row rowScanner) (*core.Event, error) {
	var event core.Event
	var timestamp string
	var incidentOpen int

	err := row.Scan(&event.ID, &event.SiteCode, &timestamp, &event.Category,
		&event.EventType, &event.Severity, &event.RawMessage, &event.Message,
		&event.IncidentID, &incidentOpen)
	if err != nil {
		return nil, err
	}

	event.IncidentOpen = incidentOpen == 1
	if event.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	return &event, nil
}

func collectEvents(rows *sql.Rows) ([]*core.Event, error) {
	var events []*core.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
