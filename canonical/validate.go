package canonical

import (
	"fmt"
	"math"
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// Validate returns one message per violated rule. An empty result means the
// dataset may proceed; any message is fatal for the run and must stop it
// before any external side effect.
//
// Attendance in one dataset must span exactly one date: the browser driver
// works one date per form and must never conflate two.
func Validate(d Dataset) []string {
	errs := []string{}

	dates := map[string]bool{}
	for i, r := range d.Attendance {
		errs = appendRequired(errs, "attendance", i, map[string]string{
			"entity_key":  r.EntityKey,
			"student_key": r.StudentKey,
			"date":        r.Date,
			"status":      r.Status,
		})
		if r.Date != "" {
			if _, err := time.Parse(dateLayout, r.Date); err != nil {
				errs = append(errs, fmt.Sprintf("attendance[%d]: date %q is not YYYY-MM-DD", i, r.Date))
			}
			dates[r.Date] = true
		}
	}
	if len(dates) > 1 {
		list := make([]string, 0, len(dates))
		for date := range dates {
			list = append(list, date)
		}
		sort.Strings(list)
		errs = append(errs, fmt.Sprintf("attendance spans %d dates %v; a sync job may cover exactly one date", len(list), list))
	}

	for i, r := range d.Marks {
		errs = appendRequired(errs, "marks", i, map[string]string{
			"entity_key":     r.EntityKey,
			"student_key":    r.StudentKey,
			"assessment_key": r.AssessmentKey,
		})
		if !(r.Possible > 0) || math.IsInf(r.Possible, 0) {
			errs = append(errs, fmt.Sprintf("marks[%d]: possible must be > 0", i))
		}
		if !(r.Earned >= 0) || math.IsInf(r.Earned, 0) {
			errs = append(errs, fmt.Sprintf("marks[%d]: earned must be >= 0", i))
		}
	}

	for i, r := range d.ReportCards {
		errs = appendRequired(errs, "report_cards", i, map[string]string{
			"entity_key":  r.EntityKey,
			"student_key": r.StudentKey,
			"term":        r.Term,
		})
		if !(r.Percent >= 0 && r.Percent <= 100) {
			errs = append(errs, fmt.Sprintf("report_cards[%d]: percent must be within [0,100]", i))
		}
	}

	return errs
}

// appendRequired reports empty fields in a stable (sorted) order.
func appendRequired(errs []string, kind string, i int, fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if fields[name] == "" {
			errs = append(errs, fmt.Sprintf("%s[%d]: %s is required", kind, i, name))
		}
	}
	return errs
}
