package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-screening-workflow/internal/database"
	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
)

// ActivityLogRepository appends and reads immutable activity log entries.
// Grounded on the teacher's ApprovalAuditRepository: append-only, with the
// previous/new-data snapshots and changed-field list carried as JSON.
type ActivityLogRepository struct {
	db *database.DB
}

// NewActivityLogRepository returns an ActivityLogRepository backed by db.
func NewActivityLogRepository(db *database.DB) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Append inserts one activity log entry. There is no corresponding Update or
// Delete: the table is write-once after creation (spec.md §5).
func (r *ActivityLogRepository) Append(ctx context.Context, entry *model.ActivityLogEntry) error {
	previousJSON, err := marshalMap(entry.PreviousData)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "marshal previous_data")
	}
	newJSON, err := marshalMap(entry.NewData)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "marshal new_data")
	}
	var changesJSON []byte
	if len(entry.Changes) > 0 {
		changesJSON, err = json.Marshal(entry.Changes)
		if err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "marshal changes")
		}
	}

	query := `
		INSERT INTO activity_logs
		    (id, session_id, patient_id, step, action,
		     user_id, user_name, user_role, timestamp,
		     previous_data, new_data, changes,
		     comment, source_ip, device_tag)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12,
		        $13, $14, $15)
	`
	_, err = r.db.Exec(ctx, query,
		entry.ID, entry.SessionID, entry.PatientID, entry.Step, entry.Action,
		entry.UserID, entry.UserName, entry.UserRole, entry.Timestamp,
		previousJSON, newJSON, changesJSON,
		entry.Comment, entry.SourceIP, entry.DeviceTag,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "append activity log entry")
	}
	return nil
}

// ListBySession returns a session's activity log, oldest entry first. The
// engine's ListActivity re-sorts it newest first before returning it.
func (r *ActivityLogRepository) ListBySession(ctx context.Context, sessionID string) ([]*model.ActivityLogEntry, error) {
	query := `
		SELECT id, session_id, patient_id, step, action,
		       user_id, user_name, user_role, timestamp,
		       previous_data, new_data, changes,
		       comment, source_ip, device_tag
		FROM activity_logs
		WHERE session_id = $1
		ORDER BY timestamp ASC
	`
	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "list activity log")
	}
	defer rows.Close()

	var entries []*model.ActivityLogEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.Internal, "scan activity log entry")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *ActivityLogRepository) scanEntry(row rowScanner) (*model.ActivityLogEntry, error) {
	entry := &model.ActivityLogEntry{}
	var previousJSON, newJSON, changesJSON []byte

	err := row.Scan(
		&entry.ID, &entry.SessionID, &entry.PatientID, &entry.Step, &entry.Action,
		&entry.UserID, &entry.UserName, &entry.UserRole, &entry.Timestamp,
		&previousJSON, &newJSON, &changesJSON,
		&entry.Comment, &entry.SourceIP, &entry.DeviceTag,
	)
	if err != nil {
		return nil, err
	}

	if len(previousJSON) > 0 {
		if err := json.Unmarshal(previousJSON, &entry.PreviousData); err != nil {
			return nil, err
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &entry.NewData); err != nil {
			return nil, err
		}
	}
	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &entry.Changes); err != nil {
			return nil, err
		}
	}
	return entry, nil
}
