package attendancesync

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/tasync/canonical"
	"github.com/hazyhaar/tasync/matcher"
	"github.com/hazyhaar/tasync/syncstore"
	"github.com/hazyhaar/tasync/tadriver"
	"github.com/hazyhaar/tasync/taerr"
)

// pushToTA drives one browser session over the planned upserts and writes
// each outcome into results (index-aligned with planned). Errors that
// affect a single student or date are recorded there; a returned error
// aborts the job.
func (r *run) pushToTA(ctx context.Context, planned []canonical.PlannedOperation, results []canonical.ExecutedOperation) error {
	var cfg *syncstore.TAConfig
	var roster []matcher.Student
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cfg, err = r.configs.GetTAConfig(gctx, r.req.ClassroomID)
		if err != nil {
			return fmt.Errorf("load ta config: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		roster, err = r.roster.EnrolledStudents(gctx, r.req.ClassroomID)
		if err != nil {
			return fmt.Errorf("load roster: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if cfg == nil {
		return taerr.New(taerr.KindAuthentication, "classroom %s has no TA configuration", r.req.ClassroomID)
	}
	password, err := r.credentials.Decrypt(cfg.EncryptedPassword)
	if err != nil {
		return taerr.Wrap(taerr.KindAuthentication, err, "decrypt TA credentials")
	}

	mode := tadriver.ResolveExecutionMode(r.req.ExecutionMode, cfg.ExecutionMode)
	r.log = r.log.With("execution_mode", mode)

	sess, err := r.launcher.Launch(ctx, tadriver.LaunchOptions{BaseURL: cfg.BaseURL, Headless: mode.Headless()})
	if err != nil {
		return taerr.Wrap(taerr.KindBrowser, err, "launch browser")
	}
	defer sess.Close()

	if err := sess.Login(ctx, cfg.Username, password); err != nil {
		return err
	}
	if err := sess.SelectCourse(ctx, cfg.CourseSearchText); err != nil {
		return err
	}
	if err := sess.OpenAttendance(ctx); err != nil {
		return err
	}
	if err := sess.SelectBlock(ctx, cfg.BlockCode); err != nil {
		return err
	}
	page, err := sess.ReadPageState(ctx)
	if err != nil {
		return err
	}

	rows := make([]matcher.RemoteRow, len(page.Rows))
	for i, row := range page.Rows {
		rows[i] = matcher.RemoteRow{Name: row.Name, FieldID: row.FieldID}
	}
	matches := matcher.Match(roster, rows)
	r.result.UnmatchedStudents = matcher.Unmatched(matches)
	r.log.Info("attendancesync: roster matched",
		"remote_rows", len(rows), "students", len(roster), "unmatched", len(r.result.UnmatchedStudents))

	byStudent := make(map[string]matcher.Result, len(matches))
	for _, m := range matches {
		byStudent[m.StudentID] = m
	}

	// Group matched upserts by date; fail the rest right away.
	pending := make(map[string][]int)
	for i, op := range planned {
		if op.Action != canonical.ActionUpsert {
			continue
		}
		studentID, _ := op.Payload["student_key"].(string)
		date, _ := op.Payload["date"].(string)
		m, known := byStudent[studentID]
		switch {
		case !known:
			r.failOp(results, i, op, taerr.New(taerr.KindStudentNotFound,
				"student %s is not enrolled in classroom %s", studentID, r.req.ClassroomID).
				WithStudent(studentID).WithDate(date))
		case !m.Matched:
			r.failOp(results, i, op, taerr.New(taerr.KindStudentNotFound,
				"no TA row matches %s (best confidence %d)", m.LocalName, m.Confidence).
				WithStudent(studentID).WithDate(date))
		default:
			pending[date] = append(pending[date], i)
		}
	}

	dates := make([]string, 0, len(pending))
	for d := range pending {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := pending[date]
		entries := make([]tadriver.Entry, 0, len(idx))
		var unmapped []int
		for _, i := range idx {
			op := planned[i]
			studentID, _ := op.Payload["student_key"].(string)
			status, _ := op.Payload["status"].(string)
			code, ok := r.sel.StatusCode(status)
			if !ok {
				r.failOp(results, i, op, taerr.New(taerr.KindValidation,
					"status %q has no TA code", status).WithStudent(studentID).WithDate(date))
				unmapped = append(unmapped, i)
				continue
			}
			entries = append(entries, tadriver.Entry{FieldID: *byStudent[studentID].FieldID, Code: code})
		}
		idx = without(idx, unmapped)
		if len(idx) == 0 {
			continue
		}

		if err := r.submitDate(ctx, sess, date, entries, mode); err != nil {
			te := taerr.Wrap(taerr.KindFormSubmission, err, "submit attendance").WithDate(date)
			r.result.Errors = append(r.result.Errors, te)
			for _, i := range idx {
				results[i] = canonical.Fail(planned[i], te.Error())
			}
			r.log.Warn("attendancesync: date failed", "date", date, "error", err)
			continue
		}
		for n, i := range idx {
			results[i] = canonical.Succeed(planned[i], map[string]any{
				"field_id":       entries[n].FieldID,
				"code":           entries[n].Code,
				"execution_mode": string(mode),
			})
		}
		r.log.Info("attendancesync: date submitted", "date", date, "students", len(idx))
	}
	return nil
}

func (r *run) submitDate(ctx context.Context, sess Session, date string, entries []tadriver.Entry, mode tadriver.ExecutionMode) error {
	if err := sess.SetDate(ctx, date); err != nil {
		return err
	}
	if err := sess.Fill(ctx, entries); err != nil {
		return err
	}
	return sess.Submit(ctx, mode)
}

func (r *run) failOp(results []canonical.ExecutedOperation, i int, op canonical.PlannedOperation, te *taerr.Error) {
	results[i] = canonical.Fail(op, te.Message)
	r.result.Errors = append(r.result.Errors, te)
}

// without returns idx minus the entries in drop, keeping order.
func without(idx, drop []int) []int {
	if len(drop) == 0 {
		return idx
	}
	skip := make(map[int]bool, len(drop))
	for _, i := range drop {
		skip[i] = true
	}
	out := idx[:0:0]
	for _, i := range idx {
		if !skip[i] {
			out = append(out, i)
		}
	}
	return out
}
