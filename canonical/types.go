// Package canonical is the pure half of a sync run: it turns loosely-typed
// input into validated canonical records, maps them to upsert operations and
// decides which of those operations actually need to be sent.
//
// Nothing in this package performs I/O. The state store supplies the hash
// cache consumed by PlanOperations; executors turn planned operations into
// executed ones.
package canonical

// Entity types.
const (
	EntityAttendance = "attendance"
	EntityMark       = "mark"
	EntityReportCard = "report_card"
)

// Attendance statuses understood by TA.
const (
	StatusPresent = "present"
	StatusLate    = "late"
	StatusAbsent  = "absent"
	StatusExcused = "excused"
)

// Report card terms.
const TermFinal = "final"

var knownStatuses = map[string]bool{
	StatusPresent: true,
	StatusLate:    true,
	StatusAbsent:  true,
	StatusExcused: true,
}

var knownTerms = map[string]bool{
	"q1": true, "q2": true, "q3": true, "q4": true,
	"s1": true, "s2": true,
	TermFinal: true,
}

// AttendanceRecord is one student's attendance on one date.
type AttendanceRecord struct {
	EntityKey  string `json:"entity_key"`
	StudentKey string `json:"student_key"`
	Date       string `json:"date"` // YYYY-MM-DD
	Status     string `json:"status"`
}

// MarkRecord is one student's score on one assessment.
type MarkRecord struct {
	EntityKey     string  `json:"entity_key"`
	StudentKey    string  `json:"student_key"`
	AssessmentKey string  `json:"assessment_key"`
	Earned        float64 `json:"earned"`
	Possible      float64 `json:"possible"`
}

// ReportCardRecord is one student's grade for one term.
type ReportCardRecord struct {
	EntityKey  string  `json:"entity_key"`
	StudentKey string  `json:"student_key"`
	Term       string  `json:"term"`
	Percent    float64 `json:"percent"`
	Comment    string  `json:"comment"`
}

// Dataset is the bag of canonical records for one pipeline run.
type Dataset struct {
	Attendance  []AttendanceRecord `json:"attendance"`
	Marks       []MarkRecord       `json:"marks"`
	ReportCards []ReportCardRecord `json:"report_cards"`
}

// Len returns the total number of records.
func (d Dataset) Len() int {
	return len(d.Attendance) + len(d.Marks) + len(d.ReportCards)
}

// Action is the planner's decision for one operation.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionNoop   Action = "noop"
)

// OpStatus is the outcome of one executed operation.
type OpStatus string

const (
	OpSuccess OpStatus = "success"
	OpFailed  OpStatus = "failed"
	OpSkipped OpStatus = "skipped"
)

// MappedOperation is an upsert instruction for one canonical record.
type MappedOperation struct {
	EntityType string         `json:"entity_type"`
	EntityKey  string         `json:"entity_key"`
	Payload    map[string]any `json:"payload"`
}

// HashKey is the lookup key used by the hash cache.
func (m MappedOperation) HashKey() string {
	return HashKey(m.EntityType, m.EntityKey)
}

// HashKey joins entity type and key as "entity_type:entity_key".
func HashKey(entityType, entityKey string) string {
	return entityType + ":" + entityKey
}

// PlannedOperation is a mapped operation tagged by the planner.
type PlannedOperation struct {
	MappedOperation
	PayloadHash string `json:"payload_hash"`
	Action      Action `json:"action"`
}

// ExecutedOperation is a planned operation with its outcome. Skipped means
// the operation was a noop and was never attempted.
type ExecutedOperation struct {
	PlannedOperation
	Status          OpStatus       `json:"status"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ResponsePayload map[string]any `json:"response_payload,omitempty"`
}

// Summary counts executed operations.
type Summary struct {
	Planned  int `json:"planned"`
	Upserted int `json:"upserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
