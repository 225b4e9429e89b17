package tadriver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/tasync/taerr"
)

// State is a session's position in the navigation sequence.
type State int

const (
	StateLaunched State = iota
	StateLoggedIn
	StateCourseSelected
	StateOnAttendanceForm
	StateDateSet
	StateFilled
	StateSubmitted
	StateClosed
)

var stateNames = [...]string{
	"launched", "logged_in", "course_selected", "on_attendance_form",
	"date_set", "filled", "submitted", "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// onForm is every state in which the attendance form is loaded.
var onForm = []State{StateOnAttendanceForm, StateDateSet, StateFilled, StateSubmitted}

// Entry is one radio selection: the student's field identifier and the
// status code to pick.
type Entry struct {
	FieldID string
	Code    string
}

// Session is one browser tab driving one TA login. It is not safe for
// concurrent use; dates are processed one after another.
type Session struct {
	browser  *rod.Browser
	lnch     *launcher.Launcher
	page     *rod.Page
	baseURL  string
	sel      Selectors
	timeouts Timeouts
	logger   *slog.Logger
	state    State
	release  func()
	once     sync.Once
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// expect fails with a browser error unless the session is in one of the
// allowed states.
func (s *Session) expect(step string, allowed ...State) error {
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return taerr.New(taerr.KindBrowser, "%s called in state %s", step, s.state)
}

// Login opens the base URL, submits the credentials and waits for the
// frameset of the authenticated dashboard.
func (s *Session) Login(ctx context.Context, username, password string) error {
	if err := s.expect("login", StateLaunched); err != nil {
		return err
	}
	nctx, cancel := context.WithTimeout(ctx, s.timeouts.Navigation)
	defer cancel()
	p := s.page.Context(nctx)

	if err := p.Navigate(s.baseURL); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "open login page")
	}
	if err := p.WaitLoad(); err != nil {
		s.logger.Warn("tadriver: login page load timeout", "error", err)
	}

	user, err := p.Element(s.sel.UsernameInput)
	if err != nil {
		return taerr.Wrap(taerr.KindAuthentication, err, "username field not found")
	}
	pass, err := p.Element(s.sel.PasswordInput)
	if err != nil {
		return taerr.Wrap(taerr.KindAuthentication, err, "password field not found")
	}
	btn, err := p.Element(s.sel.LoginSubmit)
	if err != nil {
		return taerr.Wrap(taerr.KindAuthentication, err, "login submit control not found")
	}
	if err := user.Input(username); err != nil {
		return taerr.Wrap(taerr.KindAuthentication, err, "type username")
	}
	if err := pass.Input(password); err != nil {
		return taerr.Wrap(taerr.KindAuthentication, err, "type password")
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return taerr.Wrap(taerr.KindAuthentication, err, "submit login form")
	}

	if _, err := s.frame(ctx, s.sel.NavFrame, s.timeouts.Navigation); err != nil {
		return taerr.Wrap(taerr.KindAuthentication, err, "dashboard did not load after login")
	}
	if pattern := s.sel.DashboardURLPattern; pattern != "" {
		info, err := s.page.Context(ctx).Info()
		if err != nil || !strings.Contains(info.URL, pattern) {
			return taerr.New(taerr.KindAuthentication, "post-login page does not match %q", pattern)
		}
	}

	s.state = StateLoggedIn
	s.logger.Info("tadriver: logged in")
	return nil
}

// SelectCourse clicks the first navigation link whose text contains search
// (case-insensitive) and waits for the attendance control in the main frame.
func (s *Session) SelectCourse(ctx context.Context, search string) error {
	if err := s.expect("select course", StateLoggedIn); err != nil {
		return err
	}
	nav, err := s.frame(ctx, s.sel.NavFrame, s.timeouts.Selector)
	if err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "navigation frame not found")
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Selector)
	defer cancel()
	links, err := nav.Context(sctx).Elements("a")
	if err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "list course links")
	}
	needle := strings.ToLower(strings.TrimSpace(search))
	var target *rod.Element
	for _, l := range links {
		text, err := l.Text()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(text), needle) {
			target = l
			break
		}
	}
	if target == nil {
		return taerr.New(taerr.KindNavigation, "no course link contains %q", search)
	}
	if err := target.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "open course %q", search)
	}

	if _, err := s.attendanceControl(ctx, s.timeouts.Navigation); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "course %q has no attendance control", search)
	}

	s.state = StateCourseSelected
	s.logger.Info("tadriver: course selected", "search", search)
	return nil
}

// OpenAttendance clicks the attendance control and waits for the date field.
func (s *Session) OpenAttendance(ctx context.Context) error {
	if err := s.expect("open attendance", StateCourseSelected); err != nil {
		return err
	}
	ctl, err := s.attendanceControl(ctx, s.timeouts.Selector)
	if err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "attendance control not found")
	}
	if err := ctl.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "open attendance")
	}
	if _, err := s.dateControl(ctx, s.timeouts.Selector); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "attendance form did not load")
	}
	s.state = StateOnAttendanceForm
	return nil
}

// SelectBlock switches the form to the given block code. It is a no-op for
// an empty code or when the block is already selected.
func (s *Session) SelectBlock(ctx context.Context, code string) error {
	if err := s.expect("select block", onForm...); err != nil {
		return err
	}
	if code == "" {
		return nil
	}
	main, err := s.frame(ctx, s.sel.MainFrame, s.timeouts.Selector)
	if err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "main frame not found")
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Selector)
	defer cancel()
	el, err := main.Context(sctx).Element(s.sel.blockSelectCSS())
	if err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "block selector not found")
	}
	if current, err := value(el); err == nil && current == code {
		return nil
	}

	if _, err := el.Eval(`function (v) {
		this.value = v;
		this.dispatchEvent(new Event("change", {bubbles: true}));
		if (this.form) { this.form.submit(); }
	}`, code); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "select block %q", code)
	}
	if err := s.waitStale(ctx, el, s.timeouts.Navigation); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "block %q did not reload the form", code)
	}

	state, err := s.readPageState(ctx)
	if err != nil {
		return err
	}
	if state.Block != code {
		return taerr.New(taerr.KindNavigation, "block reads %q after selecting %q", state.Block, code)
	}
	s.state = StateOnAttendanceForm
	s.logger.Info("tadriver: block selected", "block", code)
	return nil
}

// ReadPageState snapshots the attendance form.
func (s *Session) ReadPageState(ctx context.Context) (*PageState, error) {
	if err := s.expect("read page state", onForm...); err != nil {
		return nil, err
	}
	return s.readPageState(ctx)
}

func (s *Session) readPageState(ctx context.Context) (*PageState, error) {
	if _, err := s.dateControl(ctx, s.timeouts.Selector); err != nil {
		return nil, taerr.Wrap(taerr.KindNavigation, err, "attendance form not loaded")
	}
	main, err := s.frame(ctx, s.sel.MainFrame, s.timeouts.Selector)
	if err != nil {
		return nil, taerr.Wrap(taerr.KindNavigation, err, "main frame not found")
	}
	src, err := main.Context(ctx).HTML()
	if err != nil {
		return nil, taerr.Wrap(taerr.KindBrowser, err, "read attendance form")
	}
	st, err := ParsePageState(src, s.sel)
	if err != nil {
		return nil, taerr.Wrap(taerr.KindNavigation, err, "parse attendance form")
	}
	return st, nil
}

// SetDate moves the form to isoDate (YYYY-MM-DD). It is a no-op when the
// form already shows that date. After the reload the date control must
// read the target date; otherwise the remote side rejected it, typically
// because it is not a class day.
func (s *Session) SetDate(ctx context.Context, isoDate string) error {
	if err := s.expect("set date", onForm...); err != nil {
		return err
	}
	remote, err := s.sel.RemoteDate(isoDate)
	if err != nil {
		return taerr.Wrap(taerr.KindValidation, err, "invalid date").WithDate(isoDate)
	}

	el, err := s.dateControl(ctx, s.timeouts.Selector)
	if err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "date control not found").WithDate(isoDate)
	}
	current, err := value(el)
	if err != nil {
		return taerr.Wrap(taerr.KindBrowser, err, "read date control").WithDate(isoDate)
	}
	if s.sel.ISODate(current) == isoDate {
		s.state = StateDateSet
		return nil
	}

	if _, err := el.Eval(`function (v) {
		this.value = v;
		if (this.form) { this.form.submit(); }
	}`, remote); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "set date").WithDate(isoDate)
	}
	if err := s.waitStale(ctx, el, s.timeouts.Navigation); err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "date change did not reload the form").WithDate(isoDate)
	}

	el, err = s.dateControl(ctx, s.timeouts.Navigation)
	if err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "date control missing after reload").WithDate(isoDate)
	}
	got, err := value(el)
	if err != nil {
		return taerr.Wrap(taerr.KindBrowser, err, "read date control").WithDate(isoDate)
	}
	if s.sel.ISODate(got) != isoDate {
		return taerr.New(taerr.KindNavigation,
			"form shows %q after requesting %s; not a class day?", got, isoDate).WithDate(isoDate)
	}

	s.state = StateDateSet
	s.logger.Info("tadriver: date set", "date", isoDate)
	return nil
}

// Fill selects one radio control per entry. A missing control is fatal:
// the student is not on this form or the layout differs.
func (s *Session) Fill(ctx context.Context, entries []Entry) error {
	if err := s.expect("fill", StateDateSet, StateFilled); err != nil {
		return err
	}
	main, err := s.frame(ctx, s.sel.MainFrame, s.timeouts.Selector)
	if err != nil {
		return taerr.Wrap(taerr.KindNavigation, err, "main frame not found")
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Selector)
	defer cancel()
	mp := main.Context(sctx)

	for _, e := range entries {
		els, err := mp.Elements(radioCSS(e.FieldID, e.Code))
		if err != nil {
			return taerr.Wrap(taerr.KindFormSubmission, err, "look up control %s=%s", e.FieldID, e.Code)
		}
		if len(els) == 0 {
			return taerr.New(taerr.KindStudentNotFound, "no control %s=%s on the form", e.FieldID, e.Code)
		}
		if _, err := els.First().Eval(`function () {
			this.checked = true;
			this.dispatchEvent(new Event("change", {bubbles: true}));
		}`); err != nil {
			return taerr.Wrap(taerr.KindFormSubmission, err, "select %s=%s", e.FieldID, e.Code)
		}
	}
	s.state = StateFilled
	return nil
}

// Submit sends the filled form. In full_auto mode the submit control is
// clicked; in confirmation mode the session polls until a human submits,
// bounded by the confirmation timeout. Either way the date control must
// reappear afterwards.
func (s *Session) Submit(ctx context.Context, mode ExecutionMode) error {
	if err := s.expect("submit", StateFilled); err != nil {
		return err
	}
	main, err := s.frame(ctx, s.sel.MainFrame, s.timeouts.Selector)
	if err != nil {
		return taerr.Wrap(taerr.KindFormSubmission, err, "main frame not found")
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeouts.Selector)
	btn, err := main.Context(sctx).Element(s.sel.SubmitControl)
	cancel()
	if err != nil {
		return taerr.Wrap(taerr.KindFormSubmission, err, "submit control not found")
	}
	btn = btn.Context(ctx)

	switch mode {
	case ModeFullAuto:
		if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return taerr.Wrap(taerr.KindFormSubmission, err, "click submit")
		}
		if err := s.waitStale(ctx, btn, s.timeouts.Navigation); err != nil {
			return taerr.Wrap(taerr.KindFormSubmission, err, "form did not reload after submit")
		}
	case ModeConfirmation:
		s.logger.Info("tadriver: waiting for manual submit", "timeout", s.timeouts.Confirmation)
		err := PollUntil(ctx, s.timeouts.PollInterval, s.timeouts.Confirmation, func(context.Context) (bool, error) {
			return stale(btn), nil
		})
		if errors.Is(err, ErrPollTimeout) {
			e := taerr.Wrap(taerr.KindFormSubmission, err,
				"form was not submitted within %s", s.timeouts.Confirmation)
			e.Recoverable = true
			return e
		}
		if err != nil {
			return taerr.Wrap(taerr.KindFormSubmission, err, "wait for manual submit")
		}
	default:
		return taerr.New(taerr.KindFormSubmission, "unknown execution mode %q", mode)
	}

	if _, err := s.dateControl(ctx, s.timeouts.Navigation); err != nil {
		return taerr.Wrap(taerr.KindFormSubmission, err, "form did not come back after submit")
	}
	s.state = StateSubmitted
	s.logger.Info("tadriver: form submitted", "mode", mode)
	return nil
}

// Close releases the tab and the browser. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		if s.page != nil {
			s.page.Close()
		}
		if s.browser != nil {
			s.browser.Close()
		}
		if s.lnch != nil {
			s.lnch.Cleanup()
		}
		if s.release != nil {
			s.release()
		}
		s.state = StateClosed
		if s.logger != nil {
			s.logger.Info("tadriver: session closed")
		}
	})
	return nil
}

// frame resolves a named frame to its page. Frames are re-resolved on every
// step because each reload replaces their documents.
func (s *Session) frame(ctx context.Context, name string, timeout time.Duration) (*rod.Page, error) {
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	el, err := s.page.Context(fctx).Element(s.sel.frameCSS(name))
	if err != nil {
		return nil, fmt.Errorf("frame %q: %w", name, err)
	}
	fr, err := el.Frame()
	if err != nil {
		return nil, fmt.Errorf("frame %q: %w", name, err)
	}
	return fr.Context(ctx), nil
}

func (s *Session) attendanceControl(ctx context.Context, timeout time.Duration) (*rod.Element, error) {
	main, err := s.frame(ctx, s.sel.MainFrame, timeout)
	if err != nil {
		return nil, err
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	el, err := main.Context(actx).ElementR(`a, button, input[type="button"], input[type="submit"]`, s.sel.AttendanceText)
	if err != nil {
		return nil, err
	}
	return el.Context(ctx), nil
}

func (s *Session) dateControl(ctx context.Context, timeout time.Duration) (*rod.Element, error) {
	main, err := s.frame(ctx, s.sel.MainFrame, timeout)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	el, err := main.Context(dctx).Element(s.sel.dateInputCSS())
	if err != nil {
		return nil, err
	}
	return el.Context(ctx), nil
}

// waitStale waits until el is detached from its document.
func (s *Session) waitStale(ctx context.Context, el *rod.Element, timeout time.Duration) error {
	return PollUntil(ctx, 200*time.Millisecond, timeout, func(context.Context) (bool, error) {
		return stale(el), nil
	})
}

// stale reports whether el no longer belongs to a live document. Only
// errors saying its object or execution context is gone count; any other
// evaluation failure leaves the element live so the caller keeps polling.
func stale(el *rod.Element) bool {
	res, err := el.Eval(`function () { return this.isConnected; }`)
	if err != nil {
		return detached(err)
	}
	return !res.Value.Bool()
}

// detached reports whether err means the element's document was replaced.
// rod reports a lost execution context as ObjectNotFoundError.
func detached(err error) bool {
	return errors.Is(err, &rod.ObjectNotFoundError{}) ||
		errors.Is(err, cdp.ErrObjNotFound) ||
		errors.Is(err, cdp.ErrCtxDestroyed) ||
		errors.Is(err, cdp.ErrCtxNotFound)
}

func value(el *rod.Element) (string, error) {
	res, err := el.Eval(`function () { return this.value; }`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}
