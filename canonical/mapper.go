package canonical

// Map projects every record 1:1 into an upsert operation, attendance first,
// then marks, then report cards. It only renames fields.
func Map(d Dataset) []MappedOperation {
	ops := make([]MappedOperation, 0, d.Len())
	for _, r := range d.Attendance {
		ops = append(ops, MappedOperation{
			EntityType: EntityAttendance,
			EntityKey:  r.EntityKey,
			Payload: map[string]any{
				"student_key": r.StudentKey,
				"date":        r.Date,
				"status":      r.Status,
			},
		})
	}
	for _, r := range d.Marks {
		ops = append(ops, MappedOperation{
			EntityType: EntityMark,
			EntityKey:  r.EntityKey,
			Payload: map[string]any{
				"student_key":    r.StudentKey,
				"assessment_key": r.AssessmentKey,
				"earned":         r.Earned,
				"possible":       r.Possible,
			},
		})
	}
	for _, r := range d.ReportCards {
		ops = append(ops, MappedOperation{
			EntityType: EntityReportCard,
			EntityKey:  r.EntityKey,
			Payload: map[string]any{
				"student_key": r.StudentKey,
				"term":        r.Term,
				"percent":     r.Percent,
				"comment":     r.Comment,
			},
		})
	}
	return ops
}
