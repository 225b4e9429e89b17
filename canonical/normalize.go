package canonical

import "strings"

// Normalize trims every string field, lower-cases enum-like fields and
// clamps them to known values: an unknown attendance status becomes
// "absent", an unknown term becomes "final". Negative zero collapses to zero
// so that it hashes like zero. Normalize is pure and total.
func Normalize(d Dataset) Dataset {
	out := emptyDataset()

	for _, r := range d.Attendance {
		status := strings.ToLower(strings.TrimSpace(r.Status))
		if !knownStatuses[status] {
			status = StatusAbsent
		}
		out.Attendance = append(out.Attendance, AttendanceRecord{
			EntityKey:  strings.TrimSpace(r.EntityKey),
			StudentKey: strings.TrimSpace(r.StudentKey),
			Date:       strings.TrimSpace(r.Date),
			Status:     status,
		})
	}

	for _, r := range d.Marks {
		out.Marks = append(out.Marks, MarkRecord{
			EntityKey:     strings.TrimSpace(r.EntityKey),
			StudentKey:    strings.TrimSpace(r.StudentKey),
			AssessmentKey: strings.TrimSpace(r.AssessmentKey),
			Earned:        plainZero(r.Earned),
			Possible:      plainZero(r.Possible),
		})
	}

	for _, r := range d.ReportCards {
		term := strings.ToLower(strings.TrimSpace(r.Term))
		if !knownTerms[term] {
			term = TermFinal
		}
		out.ReportCards = append(out.ReportCards, ReportCardRecord{
			EntityKey:  strings.TrimSpace(r.EntityKey),
			StudentKey: strings.TrimSpace(r.StudentKey),
			Term:       term,
			Percent:    plainZero(r.Percent),
			Comment:    strings.TrimSpace(r.Comment),
		})
	}
	return out
}

func plainZero(f float64) float64 {
	if f == 0 {
		return 0
	}
	return f
}
