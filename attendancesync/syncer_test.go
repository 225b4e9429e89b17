package attendancesync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/tasync/canonical"
	"github.com/hazyhaar/tasync/dbopen"
	"github.com/hazyhaar/tasync/idgen"
	"github.com/hazyhaar/tasync/localdata"
	"github.com/hazyhaar/tasync/matcher"
	"github.com/hazyhaar/tasync/observability"
	"github.com/hazyhaar/tasync/secretbox"
	"github.com/hazyhaar/tasync/syncstore"
	"github.com/hazyhaar/tasync/tadriver"
	"github.com/hazyhaar/tasync/taerr"

	_ "modernc.org/sqlite"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// --- fakes ---

type fakeAttendance struct {
	entries []localdata.Attendance
	err     error
}

func (f *fakeAttendance) AttendanceForDate(_ context.Context, _, date string) ([]localdata.Attendance, error) {
	out := make([]localdata.Attendance, len(f.entries))
	for i, e := range f.entries {
		if e.Date == "" {
			e.Date = date
		}
		out[i] = e
	}
	return out, f.err
}

type fakeRoster []matcher.Student

func (f fakeRoster) EnrolledStudents(context.Context, string) ([]matcher.Student, error) {
	return f, nil
}

type fakeSession struct {
	page       *tadriver.PageState
	loginErr   error
	submitErr  error
	panicOn    string
	calls      []string
	filled     []tadriver.Entry
	submitMode tadriver.ExecutionMode
	closed     int

	// cancel is called after the step whose name starts with cancelAfter.
	cancel      context.CancelFunc
	cancelAfter string
}

func (f *fakeSession) step(name string) {
	f.calls = append(f.calls, name)
	if f.panicOn == name {
		panic("boom in " + name)
	}
	if f.cancel != nil && f.cancelAfter != "" && strings.HasPrefix(name, f.cancelAfter) {
		f.cancel()
	}
}

func (f *fakeSession) Login(ctx context.Context, user, pass string) error {
	if err := ctx.Err(); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "open login page")
	}
	f.step("login:" + user + ":" + pass)
	return f.loginErr
}
func (f *fakeSession) SelectCourse(_ context.Context, search string) error {
	f.step("course:" + search)
	return nil
}
func (f *fakeSession) OpenAttendance(context.Context) error {
	f.step("attendance")
	return nil
}
func (f *fakeSession) SelectBlock(_ context.Context, code string) error {
	f.step("block:" + code)
	return nil
}
func (f *fakeSession) ReadPageState(context.Context) (*tadriver.PageState, error) {
	f.step("read")
	return f.page, nil
}
func (f *fakeSession) SetDate(_ context.Context, date string) error {
	f.step("date:" + date)
	return nil
}
func (f *fakeSession) Fill(_ context.Context, entries []tadriver.Entry) error {
	f.step("fill")
	f.filled = append(f.filled, entries...)
	return nil
}
func (f *fakeSession) Submit(_ context.Context, mode tadriver.ExecutionMode) error {
	f.step("submit")
	f.submitMode = mode
	return f.submitErr
}
func (f *fakeSession) Close() error {
	f.closed++
	return nil
}

type fakeLauncher struct {
	session  *fakeSession
	launches []tadriver.LaunchOptions
	// onLaunch runs once the session is handed out.
	onLaunch func()
}

func (f *fakeLauncher) Launch(_ context.Context, opts tadriver.LaunchOptions) (Session, error) {
	f.launches = append(f.launches, opts)
	if f.onLaunch != nil {
		f.onLaunch()
	}
	return f.session, nil
}

type recordedEvents struct{ events []observability.BusinessEvent }

func (r *recordedEvents) LogEvent(_ context.Context, e observability.BusinessEvent) {
	r.events = append(r.events, e)
}

type recordedMetrics struct{ summaries []canonical.Summary }

func (r *recordedMetrics) RecordSync(_, _, _ string, summary canonical.Summary, _ time.Duration) {
	r.summaries = append(r.summaries, summary)
}

// --- harness ---

type harness struct {
	store      *syncstore.Store
	attendance *fakeAttendance
	launcher   *fakeLauncher
	session    *fakeSession
	events     *recordedEvents
	metrics    *recordedMetrics
	syncer     *Syncer
}

func newHarness(t *testing.T, executionMode string) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(syncstore.Schema))
	store := syncstore.NewStore(db, syncstore.WithIDGenerators(idgen.Sequence("job"), idgen.Sequence("itm")))

	box, err := secretbox.New(testKey)
	if err != nil {
		t.Fatalf("secretbox.New: %v", err)
	}
	enc, err := box.Encrypt("s3cret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := store.SaveTAConfig(context.Background(), &syncstore.TAConfig{
		ClassroomID:       "c1",
		Username:          "teacher",
		EncryptedPassword: enc,
		BaseURL:           "https://ta.example.org",
		CourseSearchText:  "MATH 10",
		BlockCode:         "B2",
		ExecutionMode:     executionMode,
	}); err != nil {
		t.Fatalf("SaveTAConfig: %v", err)
	}

	h := &harness{
		store:      store,
		attendance: &fakeAttendance{},
		session: &fakeSession{page: &tadriver.PageState{
			Date:  "2024-01-10",
			Block: "B2",
			Rows: []tadriver.Row{
				{Name: "Dupont, Marie", FieldID: "att_101"},
				{Name: "Nguyen, Bao", FieldID: "att_102"},
			},
		}},
		events:  &recordedEvents{},
		metrics: &recordedMetrics{},
	}
	h.launcher = &fakeLauncher{session: h.session}
	h.syncer = New(Config{
		Store:       store,
		Attendance:  h.attendance,
		Roster:      fakeRoster{{ID: "s1", FirstName: "Marie", LastName: "Dupont"}, {ID: "s2", FirstName: "Zed", LastName: "Quux"}},
		Configs:     store,
		Credentials: box,
		Launcher:    h.launcher,
		Events:      h.events,
		Metrics:     h.metrics,
	})
	return h
}

func oneDay(date string) *DateRange { return &DateRange{Start: date, End: date} }

func (h *harness) job(t *testing.T, id string) *syncstore.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), id)
	if err != nil || j == nil {
		t.Fatalf("GetJob(%s): %v, %v", id, j, err)
	}
	return j
}

// --- tests ---

func TestDryRunPlansWithoutBrowser(t *testing.T) {
	h := newHarness(t, "confirmation")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s1", Status: "present"}}

	res, err := h.syncer.Run(context.Background(), Request{
		ClassroomID: "c1", Mode: syncstore.ModeDryRun, CreatedBy: "u1", DateRange: oneDay("2024-01-10"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := canonical.Summary{Planned: 1, Upserted: 1}
	if !res.OK || res.Summary != want {
		t.Fatalf("result: ok=%v summary=%+v, want ok summary=%+v", res.OK, res.Summary, want)
	}
	if len(h.launcher.launches) != 0 {
		t.Fatal("dry run launched a browser")
	}
	if got := res.Operations[0].ResponsePayload["dry_run"]; got != true {
		t.Fatalf("dry_run marker: got %v", got)
	}
	if j := h.job(t, res.JobID); j.Status != syncstore.JobCompleted || j.Summary != want {
		t.Fatalf("job: %+v", j)
	}
	if len(h.events.events) != 2 || h.events.events[1].EventType != "sync_job_finalized" {
		t.Fatalf("events: %+v", h.events.events)
	}
	if len(h.metrics.summaries) != 1 || h.metrics.summaries[0] != want {
		t.Fatalf("metrics: %+v", h.metrics.summaries)
	}
}

func TestSecondRunIsAllNoop(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s1", Status: "present"}}
	req := Request{ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10")}

	first, err := h.syncer.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Summary != (canonical.Summary{Planned: 1, Upserted: 1}) {
		t.Fatalf("first summary: %+v", first.Summary)
	}

	second, err := h.syncer.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	want := canonical.Summary{Planned: 1, Skipped: 1}
	if !second.OK || second.Summary != want {
		t.Fatalf("second: ok=%v summary=%+v, want %+v", second.OK, second.Summary, want)
	}
	if second.Operations[0].Action != canonical.ActionNoop {
		t.Fatalf("action: got %s, want noop", second.Operations[0].Action)
	}
	if len(h.launcher.launches) != 1 {
		t.Fatalf("launches: got %d, want 1", len(h.launcher.launches))
	}
}

func TestDryRunDoesNotPrimeHashCache(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s1", Status: "present"}}
	ctx := context.Background()

	if _, err := h.syncer.Run(ctx, Request{ClassroomID: "c1", Mode: syncstore.ModeDryRun, DateRange: oneDay("2024-01-10")}); err != nil {
		t.Fatalf("dry Run: %v", err)
	}
	res, err := h.syncer.Run(ctx, Request{ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("execute Run: %v", err)
	}
	if res.Summary.Upserted != 1 || len(h.launcher.launches) != 1 {
		t.Fatalf("execute after dry run: summary=%+v launches=%d", res.Summary, len(h.launcher.launches))
	}
}

func TestMultiDateAttendanceFailsValidation(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{
		{StudentID: "s1", Date: "2024-01-10", Status: "present"},
		{StudentID: "s2", Date: "2024-01-11", Status: "absent"},
	}

	res, err := h.syncer.Run(context.Background(), Request{
		ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || res.Summary != (canonical.Summary{}) {
		t.Fatalf("result: ok=%v summary=%+v", res.OK, res.Summary)
	}
	if len(res.Errors) == 0 || res.Errors[0].Kind != taerr.KindValidation {
		t.Fatalf("errors: %+v", res.Errors)
	}
	if len(h.launcher.launches) != 0 {
		t.Fatal("validation failure launched a browser")
	}
	if j := h.job(t, res.JobID); j.Status != syncstore.JobFailed {
		t.Fatalf("job status: %s", j.Status)
	}
}

func TestDateRangeMustBeOneDay(t *testing.T) {
	h := newHarness(t, "full_auto")
	for _, dr := range []*DateRange{nil, {Start: "2024-01-10", End: "2024-01-12"}, {}} {
		res, err := h.syncer.Run(context.Background(), Request{ClassroomID: "c1", Mode: syncstore.ModeDryRun, DateRange: dr})
		if err != nil {
			t.Fatalf("Run(%+v): %v", dr, err)
		}
		if res.OK || len(res.Errors) != 1 || res.Errors[0].Kind != taerr.KindValidation {
			t.Fatalf("Run(%+v): %+v", dr, res)
		}
	}
}

func TestInvalidRequestCreatesNoJob(t *testing.T) {
	h := newHarness(t, "full_auto")
	for _, req := range []Request{
		{ClassroomID: "c1", Mode: "sometimes", DateRange: oneDay("2024-01-10")},
		{ClassroomID: " ", Mode: syncstore.ModeDryRun, DateRange: oneDay("2024-01-10")},
	} {
		if _, err := h.syncer.Run(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("Run(%+v): got %v, want ErrInvalidRequest", req, err)
		}
	}
	if len(h.events.events) != 0 {
		t.Fatal("invalid request produced events")
	}
}

func TestMatchedAndUnmatchedStudents(t *testing.T) {
	h := newHarness(t, "confirmation")
	h.attendance.entries = []localdata.Attendance{
		{StudentID: "s1", Status: "late"},
		{StudentID: "s2", Status: "present"},
	}

	res, err := h.syncer.Run(context.Background(), Request{
		ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10"),
		ExecutionMode: "full_auto",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	byStudent := map[string]canonical.ExecutedOperation{}
	for _, op := range res.Operations {
		byStudent[op.Payload["student_key"].(string)] = op
	}
	if byStudent["s1"].Status != canonical.OpSuccess {
		t.Fatalf("s1: got %s", byStudent["s1"].Status)
	}
	if byStudent["s2"].Status != canonical.OpFailed || !strings.Contains(byStudent["s2"].ErrorMessage, "Zed Quux") {
		t.Fatalf("s2: got %s %q", byStudent["s2"].Status, byStudent["s2"].ErrorMessage)
	}
	if len(res.UnmatchedStudents) != 1 || res.UnmatchedStudents[0].StudentID != "s2" {
		t.Fatalf("unmatched: %+v", res.UnmatchedStudents)
	}
	if res.OK || res.Summary != (canonical.Summary{Planned: 2, Upserted: 1, Failed: 1}) {
		t.Fatalf("result: ok=%v summary=%+v", res.OK, res.Summary)
	}

	if len(h.session.filled) != 1 || h.session.filled[0] != (tadriver.Entry{FieldID: "att_101", Code: "L"}) {
		t.Fatalf("filled: %+v", h.session.filled)
	}
	if h.session.submitMode != tadriver.ModeFullAuto || !h.launcher.launches[0].Headless {
		t.Fatalf("override not applied: mode=%s launch=%+v", h.session.submitMode, h.launcher.launches[0])
	}
	if h.session.closed != 1 {
		t.Fatalf("session closed %d times", h.session.closed)
	}
	wantCalls := []string{"login:teacher:s3cret", "course:MATH 10", "attendance", "block:B2", "read", "date:2024-01-10", "fill", "submit"}
	if strings.Join(h.session.calls, ",") != strings.Join(wantCalls, ",") {
		t.Fatalf("calls: got %v, want %v", h.session.calls, wantCalls)
	}
	if j := h.job(t, res.JobID); j.Status != syncstore.JobFailed {
		t.Fatalf("job status: %s", j.Status)
	}
}

func TestStoredExecutionModeIsVisible(t *testing.T) {
	h := newHarness(t, "confirmation")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s1", Status: "present"}}

	res, err := h.syncer.Run(context.Background(), Request{ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK {
		t.Fatalf("result: %+v", res)
	}
	if h.launcher.launches[0].Headless || h.session.submitMode != tadriver.ModeConfirmation {
		t.Fatalf("confirmation mode must be visible: %+v %s", h.launcher.launches[0], h.session.submitMode)
	}
}

func TestLoginFailureAbortsJob(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s1", Status: "present"}}
	h.session.loginErr = taerr.New(taerr.KindAuthentication, "dashboard did not load after login")

	res, err := h.syncer.Run(context.Background(), Request{ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || res.Summary != (canonical.Summary{}) {
		t.Fatalf("result: ok=%v summary=%+v", res.OK, res.Summary)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != taerr.KindAuthentication {
		t.Fatalf("errors: %+v", res.Errors)
	}
	if h.session.closed != 1 {
		t.Fatal("session not closed after login failure")
	}
	if j := h.job(t, res.JobID); j.Status != syncstore.JobFailed {
		t.Fatalf("job status: %s", j.Status)
	}
}

func TestSubmitFailureFailsDateOperations(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s1", Status: "absent"}}
	h.session.submitErr = taerr.New(taerr.KindFormSubmission, "form did not reload after submit")

	res, err := h.syncer.Run(context.Background(), Request{ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary != (canonical.Summary{Planned: 1, Failed: 1}) {
		t.Fatalf("summary: %+v", res.Summary)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != taerr.KindFormSubmission || res.Errors[0].Date != "2024-01-10" {
		t.Fatalf("errors: %+v", res.Errors)
	}

	// A failed attempt must not be treated as pushed.
	hashes, _ := h.store.LoadLatestPayloadHashes(context.Background(), "c1", syncstore.ProviderTABrowser)
	if len(hashes) != 0 {
		t.Fatalf("hash cache: %v", hashes)
	}
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s1", Status: "present"}}
	h.session.panicOn = "read"

	res, err := h.syncer.Run(context.Background(), Request{ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || len(res.Errors) != 1 || res.Errors[0].Kind != taerr.KindBrowser {
		t.Fatalf("result: %+v", res)
	}
	if h.session.closed != 1 {
		t.Fatal("session not closed after panic")
	}
}

func TestPendingAttendanceIsSkipped(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{
		{StudentID: "s1", Status: "present"},
		{StudentID: "s2", Status: localdata.StatusPending},
	}

	res, err := h.syncer.Run(context.Background(), Request{ClassroomID: "c1", Mode: syncstore.ModeDryRun, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Summary.Planned != 1 {
		t.Fatalf("planned: got %d, want 1", res.Summary.Planned)
	}
}

func TestSourceErrorAbortsJob(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.err = errors.New("db down")

	res, err := h.syncer.Run(context.Background(), Request{ClassroomID: "c1", Mode: syncstore.ModeDryRun, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || len(res.Errors) != 1 || res.Errors[0].Kind != taerr.KindBrowser {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.Errors[0].Error(), "db down") {
		t.Fatalf("error: %v", res.Errors[0])
	}
}

func TestMissingTAConfig(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s9", Status: "present"}}

	res, err := h.syncer.Run(context.Background(), Request{ClassroomID: "c-unknown", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || res.Errors[0].Kind != taerr.KindAuthentication {
		t.Fatalf("result: %+v", res.Errors)
	}
	if len(h.launcher.launches) != 0 {
		t.Fatal("browser launched without configuration")
	}
}

func TestCancelledRunIsFinalizedFailed(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s1", Status: "present"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The caller goes away as soon as the browser is up.
	h.launcher.onLaunch = cancel

	res, err := h.syncer.Run(ctx, Request{ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OK || len(res.Errors) != 1 {
		t.Fatalf("result: %+v", res)
	}
	j := h.job(t, res.JobID)
	if j.Status != syncstore.JobFailed || j.FinishedAt == nil {
		t.Fatalf("job: status=%s finished=%v, want failed", j.Status, j.FinishedAt)
	}
	if h.session.closed != 1 {
		t.Fatalf("session closed %d times", h.session.closed)
	}
	if n := len(h.events.events); n != 2 || h.events.events[1].EventType != "sync_job_finalized" {
		t.Fatalf("events: %+v", h.events.events)
	}
}

func TestCancelAfterSubmitKeepsExecutedItems(t *testing.T) {
	h := newHarness(t, "full_auto")
	h.attendance.entries = []localdata.Attendance{{StudentID: "s1", Status: "present"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.session.cancel = cancel
	h.session.cancelAfter = "submit"

	res, err := h.syncer.Run(ctx, Request{ClassroomID: "c1", Mode: syncstore.ModeExecute, DateRange: oneDay("2024-01-10")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK || res.Summary != (canonical.Summary{Planned: 1, Upserted: 1}) {
		t.Fatalf("result: ok=%v summary=%+v", res.OK, res.Summary)
	}
	if j := h.job(t, res.JobID); j.Status != syncstore.JobCompleted {
		t.Fatalf("job status: %s", j.Status)
	}
	items, err := h.store.ListItems(context.Background(), res.JobID)
	if err != nil || len(items) != 1 || items[0].Status != string(canonical.OpSuccess) {
		t.Fatalf("items: %+v, %v", items, err)
	}
}
