package canonical

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func TestIngest_MissingAndNonArrayFields(t *testing.T) {
	ds := Ingest(map[string]any{
		"attendance": "not an array",
		"marks":      []any{map[string]any{"entity_key": "m1", "earned": "7.5", "possible": 10}, 42},
	})
	if ds.Attendance == nil || len(ds.Attendance) != 0 {
		t.Fatalf("attendance: got %v, want empty non-nil slice", ds.Attendance)
	}
	if ds.ReportCards == nil || len(ds.ReportCards) != 0 {
		t.Fatalf("report_cards: got %v, want empty non-nil slice", ds.ReportCards)
	}
	if len(ds.Marks) != 1 {
		t.Fatalf("marks: got %d, want 1 (non-object dropped)", len(ds.Marks))
	}
	if ds.Marks[0].Earned != 7.5 || ds.Marks[0].Possible != 10 {
		t.Errorf("mark numbers: got %v/%v", ds.Marks[0].Earned, ds.Marks[0].Possible)
	}
}

func TestIngest_RawJSONAndGarbage(t *testing.T) {
	raw := []byte(`{"attendance":[{"entity_key":"s1:2024-01-10","student_key":"s1","date":"2024-01-10","status":"present"}]}`)
	ds := Ingest(raw)
	if len(ds.Attendance) != 1 || ds.Attendance[0].StudentKey != "s1" {
		t.Fatalf("raw json: got %+v", ds.Attendance)
	}

	if got := Ingest("{{{"); got.Len() != 0 {
		t.Errorf("garbage: got %d records, want 0", got.Len())
	}
	if got := Ingest(nil); got.Len() != 0 {
		t.Errorf("nil: got %d records, want 0", got.Len())
	}
}

func TestIngest_UnparsableNumberIsRejectedLater(t *testing.T) {
	ds := Ingest(map[string]any{
		"marks": []any{map[string]any{"entity_key": "m1", "student_key": "s1", "assessment_key": "a1", "earned": "lots", "possible": 10}},
	})
	if !math.IsNaN(ds.Marks[0].Earned) {
		t.Fatalf("earned: got %v, want NaN", ds.Marks[0].Earned)
	}
	problems := Validate(Normalize(ds))
	if len(problems) != 1 || !strings.Contains(problems[0], "earned") {
		t.Fatalf("problems: got %v", problems)
	}
}

func TestNormalize_TrimsAndClamps(t *testing.T) {
	ds := Normalize(Dataset{
		Attendance: []AttendanceRecord{
			{EntityKey: " s1:2024-01-10 ", StudentKey: " s1", Date: "2024-01-10 ", Status: " PRESENT "},
			{EntityKey: "s2:2024-01-10", StudentKey: "s2", Date: "2024-01-10", Status: "tardy"},
		},
		ReportCards: []ReportCardRecord{
			{EntityKey: "r1", StudentKey: "s1", Term: "Q2", Percent: 88},
			{EntityKey: "r2", StudentKey: "s1", Term: "midyear", Percent: math.Copysign(0, -1)},
		},
	})

	if got := ds.Attendance[0]; got.EntityKey != "s1:2024-01-10" || got.StudentKey != "s1" || got.Date != "2024-01-10" || got.Status != StatusPresent {
		t.Errorf("attendance[0]: got %+v", got)
	}
	if got := ds.Attendance[1].Status; got != StatusAbsent {
		t.Errorf("unknown status: got %q, want absent", got)
	}
	if got := ds.ReportCards[0].Term; got != "q2" {
		t.Errorf("term: got %q, want q2", got)
	}
	if got := ds.ReportCards[1].Term; got != TermFinal {
		t.Errorf("unknown term: got %q, want final", got)
	}
	if math.Signbit(ds.ReportCards[1].Percent) {
		t.Error("negative zero survived normalisation")
	}
}

func TestValidate_SingleDateRule(t *testing.T) {
	ds := Normalize(Dataset{Attendance: []AttendanceRecord{
		{EntityKey: "s1:2024-01-10", StudentKey: "s1", Date: "2024-01-10", Status: "present"},
		{EntityKey: "s1:2024-01-11", StudentKey: "s1", Date: "2024-01-11", Status: "present"},
	}})
	problems := Validate(ds)
	if len(problems) == 0 {
		t.Fatal("two dates must be rejected")
	}
	if !strings.Contains(problems[len(problems)-1], "exactly one date") {
		t.Errorf("message: got %q", problems[len(problems)-1])
	}
}

func TestValidate_Rules(t *testing.T) {
	ds := Dataset{
		Attendance: []AttendanceRecord{{EntityKey: "", StudentKey: "s1", Date: "10/01/2024", Status: "present"}},
		Marks: []MarkRecord{
			{EntityKey: "m1", StudentKey: "s1", AssessmentKey: "a1", Earned: -1, Possible: 0},
		},
		ReportCards: []ReportCardRecord{{EntityKey: "r1", StudentKey: "s1", Term: "final", Percent: 101}},
	}
	problems := Validate(ds)
	want := []string{
		"attendance[0]: entity_key is required",
		`attendance[0]: date "10/01/2024" is not YYYY-MM-DD`,
		"marks[0]: possible must be > 0",
		"marks[0]: earned must be >= 0",
		"report_cards[0]: percent must be within [0,100]",
	}
	if len(problems) != len(want) {
		t.Fatalf("problems: got %d %v, want %d", len(problems), problems, len(want))
	}
	for i := range want {
		if problems[i] != want[i] {
			t.Errorf("problem %d: got %q, want %q", i, problems[i], want[i])
		}
	}
}

func TestValidate_EmptyDatasetPasses(t *testing.T) {
	if problems := Validate(Ingest(nil)); len(problems) != 0 {
		t.Fatalf("empty dataset: got %v", problems)
	}
}

func TestMap_OneToOne(t *testing.T) {
	ds := Dataset{
		Attendance:  []AttendanceRecord{{EntityKey: "a", StudentKey: "s1", Date: "2024-01-10", Status: "late"}},
		Marks:       []MarkRecord{{EntityKey: "m", StudentKey: "s1", AssessmentKey: "quiz1", Earned: 4, Possible: 5}},
		ReportCards: []ReportCardRecord{{EntityKey: "r", StudentKey: "s1", Term: "q1", Percent: 90, Comment: "ok"}},
	}
	ops := Map(ds)
	if len(ops) != 3 {
		t.Fatalf("ops: got %d, want 3", len(ops))
	}
	if ops[0].EntityType != EntityAttendance || ops[0].Payload["status"] != "late" {
		t.Errorf("ops[0]: got %+v", ops[0])
	}
	if ops[1].EntityType != EntityMark || ops[1].Payload["assessment_key"] != "quiz1" {
		t.Errorf("ops[1]: got %+v", ops[1])
	}
	if ops[2].EntityType != EntityReportCard || ops[2].HashKey() != "report_card:r" {
		t.Errorf("ops[2]: got %+v", ops[2])
	}
}

func TestPayloadHash_KeyOrderIndependent(t *testing.T) {
	a := json.RawMessage(`{"status":"present","date":"2024-01-10","student_key":"s1"}`)
	b := json.RawMessage(`{"student_key":"s1","date":"2024-01-10","status":"present"}`)
	m := map[string]any{"date": "2024-01-10", "student_key": "s1", "status": "present"}

	ha, err := PayloadHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := PayloadHash(b)
	hm, _ := PayloadHash(m)
	if ha != hb || ha != hm {
		t.Fatalf("hashes differ: %s %s %s", ha, hb, hm)
	}
	if len(ha) != 64 {
		t.Errorf("hash length: got %d, want 64", len(ha))
	}
}

func TestPayloadHash_Nested(t *testing.T) {
	a := json.RawMessage(`{"outer":{"b":1,"a":[{"y":2,"x":1.50}]}}`)
	b := map[string]any{"outer": map[string]any{"a": []any{map[string]any{"x": 1.5, "y": 2.0}}, "b": 1}}
	ha, _ := PayloadHash(a)
	hb, _ := PayloadHash(b)
	if ha != hb {
		t.Fatalf("nested hashes differ: %s vs %s", ha, hb)
	}
}

// Normalize leaves strings in their input form; only the hash folds them
// to NFC, so composed and decomposed spellings plan as the same payload.
func TestPayloadHash_FoldsUnicodeForms(t *testing.T) {
	composed := "Ren\u00e9e"
	decomposed := "Rene\u0301e"
	ds := Normalize(Dataset{ReportCards: []ReportCardRecord{
		{EntityKey: "r1", StudentKey: "s1", Term: "q1", Comment: decomposed},
	}})
	if ds.ReportCards[0].Comment != decomposed {
		t.Fatalf("Normalize rewrote the comment: %q", ds.ReportCards[0].Comment)
	}

	h1, _ := PayloadHash(map[string]any{"comment": composed})
	h2, _ := PayloadHash(map[string]any{"comment": decomposed})
	if h1 != h2 {
		t.Fatalf("NFC and NFD spellings hash differently: %s vs %s", h1, h2)
	}
}

func TestPayloadHash_ContentSensitive(t *testing.T) {
	h1, _ := PayloadHash(map[string]any{"status": "present"})
	h2, _ := PayloadHash(map[string]any{"status": "absent"})
	if h1 == h2 {
		t.Fatal("different payloads hashed identically")
	}
}

func TestMarshalCanonical_RejectsNaN(t *testing.T) {
	if _, err := MarshalCanonical(map[string]any{"earned": math.NaN()}); err == nil {
		t.Fatal("expected error for NaN")
	}
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"comment": "a<b & c"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"comment":"a<b & c"}` {
		t.Errorf("got %s", got)
	}
}

func scenarioDataset() map[string]any {
	return map[string]any{
		"attendance": []any{map[string]any{
			"entity_key": "s1:2024-01-10", "student_key": "s1", "date": "2024-01-10", "status": "present",
		}},
	}
}

func TestPlan_EmptyCacheUpserts(t *testing.T) {
	_, ops, problems := Pipeline(Ingest(scenarioDataset()))
	if len(problems) != 0 {
		t.Fatalf("problems: %v", problems)
	}
	planned, err := PlanOperations(ops, map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 1 || planned[0].Action != ActionUpsert {
		t.Fatalf("planned: got %+v", planned)
	}
}

func TestPlan_IdenticalHashIsNoop(t *testing.T) {
	_, ops, _ := Pipeline(Ingest(scenarioDataset()))
	hash, err := PayloadHash(ops[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	planned, err := PlanOperations(ops, map[string]string{"attendance:s1:2024-01-10": hash})
	if err != nil {
		t.Fatal(err)
	}
	if planned[0].Action != ActionNoop {
		t.Fatalf("action: got %q, want noop", planned[0].Action)
	}

	results := []ExecutedOperation{Skip(planned[0])}
	want := Summary{Planned: 1, Upserted: 0, Skipped: 1, Failed: 0}
	if got := Summarize(results); got != want {
		t.Errorf("summary: got %+v, want %+v", got, want)
	}
}

func TestPlan_SecondRunIsAllNoop(t *testing.T) {
	input := map[string]any{
		"attendance": []any{
			map[string]any{"entity_key": "s1:2024-01-10", "student_key": "s1", "date": "2024-01-10", "status": "present"},
			map[string]any{"entity_key": "s2:2024-01-10", "student_key": "s2", "date": "2024-01-10", "status": "late"},
		},
		"marks": []any{
			map[string]any{"entity_key": "s1:quiz", "student_key": "s1", "assessment_key": "quiz", "earned": 8, "possible": 10},
		},
	}

	_, ops, _ := Pipeline(Ingest(input))
	first, _ := PlanOperations(ops, nil)

	// Prime the cache from the first run's successful items.
	cache := map[string]string{}
	for _, op := range first {
		executed := Succeed(op, nil)
		if executed.Status == OpSuccess {
			cache[op.HashKey()] = op.PayloadHash
		}
	}

	_, ops2, _ := Pipeline(Ingest(input))
	second, _ := PlanOperations(ops2, cache)
	for _, op := range second {
		if op.Action != ActionNoop {
			t.Errorf("%s: got %q, want noop", op.HashKey(), op.Action)
		}
	}
	if CountUpserts(second) != 0 {
		t.Errorf("upserts on second run: got %d", CountUpserts(second))
	}
}

func TestSummarize(t *testing.T) {
	up := PlannedOperation{Action: ActionUpsert}
	noop := PlannedOperation{Action: ActionNoop}
	results := []ExecutedOperation{
		Succeed(up, nil),
		Succeed(up, map[string]any{"dry_run": true}),
		Fail(up, "boom"),
		Skip(noop),
	}
	want := Summary{Planned: 4, Upserted: 2, Skipped: 1, Failed: 1}
	if got := Summarize(results); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
