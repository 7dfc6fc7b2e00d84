package db

import (
	"database/sql"
	"fmt"
)

// EventLog records events as children of a single process.started root.
type EventLog struct {
	db     *sql.DB
	rootID int64
}

// StartEventLog writes the process.started root event and returns a log
// that parents every later event under it.
func StartEventLog(database *sql.DB, payload map[string]any) (*EventLog, error) {
	id, err := LogEvent(database, nil, EventProcessStarted, payload)
	if err != nil {
		return nil, fmt.Errorf("log process start: %w", err)
	}
	return &EventLog{db: database, rootID: id}, nil
}

// RootID is the id of the process.started event.
func (l *EventLog) RootID() int64 {
	return l.rootID
}

// Record inserts an event under the process root.
func (l *EventLog) Record(eventType string, payload map[string]any) error {
	_, err := LogEvent(l.db, &l.rootID, eventType, payload)
	return err
}

// Stop writes the process.stopped event.
func (l *EventLog) Stop(payload map[string]any) error {
	return l.Record(EventProcessStopped, payload)
}
