// Package notify turns bin change events into popup notifications: message
// composition, display lifecycle with auto-hide and deduplication, and the
// terminal rendering used by the watch command.
package notify

import (
	"fmt"
	"strings"

	"github.com/binwatch/binwatch/pkg/realtime"
)

// ComposeMessage returns the notification text for a change event.
func ComposeMessage(ev *realtime.ChangeEvent) string {
	switch ev.Operation {
	case realtime.OpInsert:
		return fmt.Sprintf("%s has been created.", recordTitle(ev.Record))
	case realtime.OpUpdate:
		clauses := diffClauses(ev.OldRecord, ev.Record)
		if len(clauses) == 0 {
			return fmt.Sprintf("%s has been updated.", recordTitle(ev.Record))
		}
		return fmt.Sprintf("%s: %s", recordTitle(ev.Record), strings.Join(clauses, ", "))
	case realtime.OpDelete:
		return fmt.Sprintf("%s has been deleted.", recordTitle(ev.OldRecord))
	default:
		return fmt.Sprintf("%s changed.", recordTitle(ev.Record))
	}
}

func recordTitle(r *realtime.BinRecord) string {
	if r == nil || r.Title == "" {
		return "Unknown"
	}
	return r.Title
}

// diffClauses describes the fields that differ between the old and new
// record, e.g. "status changed from empty to full".
func diffClauses(old, updated *realtime.BinRecord) []string {
	if old == nil || updated == nil {
		return nil
	}

	var clauses []string
	fields := []struct {
		name     string
		old, new string
	}{
		{"title", old.Title, updated.Title},
		{"status", old.Status, updated.Status},
		{"organik status", old.OrganikStatus, updated.OrganikStatus},
		{"anorganik status", old.AnorganikStatus, updated.AnorganikStatus},
		{"b3 status", old.B3Status, updated.B3Status},
		{"location", old.Location, updated.Location},
	}
	for _, f := range fields {
		if f.old != f.new {
			clauses = append(clauses, fmt.Sprintf("%s changed from %s to %s",
				f.name, valueOrNone(f.old), valueOrNone(f.new)))
		}
	}
	if old.FillLevel != updated.FillLevel {
		clauses = append(clauses, fmt.Sprintf("fill level changed from %d to %d",
			old.FillLevel, updated.FillLevel))
	}
	return clauses
}

func valueOrNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
