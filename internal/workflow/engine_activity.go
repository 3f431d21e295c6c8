package workflow

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
)

// ListActivity returns a filtered, paged slice of a session's activity log,
// newest first (timestamp descending, log id ascending on ties).
func (e *Engine) ListActivity(ctx context.Context, actor Actor, in ListActivityInput) ([]*model.ActivityLogEntry, error) {
	var result []*model.ActivityLogEntry

	err := e.withSessionLock(ctx, in.SessionID, func() error {
		session, err := e.sessions.GetByID(ctx, in.SessionID)
		if err != nil {
			return err
		}
		if err := e.checkPermission(ctx, actor, in.SessionID, session.CurrentStep, model.ActionView); err != nil {
			return err
		}

		entries, err := e.logs.ListBySession(ctx, in.SessionID)
		if err != nil {
			return err
		}

		filtered := make([]*model.ActivityLogEntry, 0, len(entries))
		for _, entry := range entries {
			if in.Step != nil && entry.Step != *in.Step {
				continue
			}
			if in.Action != nil && entry.Action != *in.Action {
				continue
			}
			if in.UserID != nil && entry.UserID != *in.UserID {
				continue
			}
			if in.From != nil && entry.Timestamp.Before(*in.From) {
				continue
			}
			if in.To != nil && entry.Timestamp.After(*in.To) {
				continue
			}
			filtered = append(filtered, entry)
		}

		sort.Slice(filtered, func(i, j int) bool {
			if !filtered[i].Timestamp.Equal(filtered[j].Timestamp) {
				return filtered[i].Timestamp.After(filtered[j].Timestamp)
			}
			return filtered[i].ID < filtered[j].ID
		})

		skip := in.Skip
		if skip < 0 {
			skip = 0
		}
		if skip >= len(filtered) {
			result = []*model.ActivityLogEntry{}
			return nil
		}
		filtered = filtered[skip:]

		limit := in.Limit
		if limit > 0 && limit < len(filtered) {
			filtered = filtered[:limit]
		}
		result = filtered
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
