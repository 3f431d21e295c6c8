package workflow

import (
	"reflect"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
)

// diffPatch merges patch into base (last-writer-wins at field granularity)
// and returns the resulting map alongside the precise change list, deep-equal
// on scalars and shallow-equal on nested maps (spec.md §4.4): a change to a
// field that is itself a map records the whole submap as one change rather
// than recursing into it.
func diffPatch(base, patch map[string]any, changedAt time.Time) (map[string]any, []model.ChangedField) {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}

	var changes []model.ChangedField
	for field, newVal := range patch {
		oldVal, existed := base[field]
		merged[field] = newVal
		if existed && reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		changes = append(changes, model.ChangedField{
			Field:     field,
			Old:       oldVal,
			New:       newVal,
			ChangedAt: changedAt,
		})
	}
	return merged, changes
}
