package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Assignment is one row of the assignment log: where a closed tab went and why.
type Assignment struct {
	ID         int64
	TabID      int
	URL        string
	SessionID  string
	Reason     string
	Created    bool
	AssignedAt time.Time
}

// RecordAssignment appends a row to the assignment log.
func RecordAssignment(ctx context.Context, db *sql.DB, a Assignment) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO assignments (tab_id, url, session_id, reason, created) VALUES (?, ?, ?, ?, ?)",
		a.TabID, a.URL, a.SessionID, a.Reason, a.Created,
	)
	if err != nil {
		return writeErr("record assignment", err)
	}
	return nil
}

// ListAssignments returns the most recent assignments, newest first. An
// empty sessionID lists all sessions.
func ListAssignments(ctx context.Context, db *sql.DB, sessionID string, limit int) ([]Assignment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, tab_id, url, session_id, reason, created, assigned_at FROM assignments"
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var result []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.TabID, &a.URL, &a.SessionID, &a.Reason, &a.Created, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return result, nil
}
