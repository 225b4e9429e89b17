package tadriver

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionMode selects how a filled attendance form is submitted.
type ExecutionMode string

const (
	// ModeConfirmation leaves the browser visible and waits for a human to
	// press the submit control.
	ModeConfirmation ExecutionMode = "confirmation"
	// ModeFullAuto submits programmatically in a headless browser.
	ModeFullAuto ExecutionMode = "full_auto"
)

// ParseExecutionMode validates s.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch m := ExecutionMode(strings.TrimSpace(s)); m {
	case ModeConfirmation, ModeFullAuto:
		return m, nil
	}
	return "", fmt.Errorf("tadriver: unknown execution mode %q", s)
}

// ResolveExecutionMode picks the effective mode: an explicit override, then
// the stored classroom setting, then confirmation. Invalid values are
// ignored.
func ResolveExecutionMode(override, stored string) ExecutionMode {
	for _, s := range []string{override, stored} {
		if m, err := ParseExecutionMode(s); err == nil {
			return m
		}
	}
	return ModeConfirmation
}

// Headless reports whether mode runs without a visible window.
func (m ExecutionMode) Headless() bool { return m == ModeFullAuto }

// Selectors describes the remote HTML surface. Field values are element
// names and visible texts rather than full CSS so the same settings drive
// both the live browser and the offline page parser.
type Selectors struct {
	UsernameInput string // CSS
	PasswordInput string // CSS
	LoginSubmit   string // CSS

	NavFrame  string // frame name attribute
	MainFrame string // frame name attribute

	// DashboardURLPattern, when set, must appear in the top-level URL after login.
	DashboardURLPattern string

	// AttendanceText is a JS regular expression matched against the text of
	// the attendance control in the main frame.
	AttendanceText string

	DateInputName   string
	BlockSelectName string
	SubmitControl   string // CSS, inside the main frame

	// DateLayout is the Go time layout of the remote date field.
	DateLayout string

	// StatusCodes maps canonical attendance statuses to radio values.
	StatusCodes map[string]string

	// HeaderTexts are row labels that are never students (exact, case-insensitive).
	HeaderTexts []string
	// PlaceholderTexts mark filler rows (substring, case-insensitive).
	PlaceholderTexts []string
}

// DefaultSelectors returns the selectors for a stock TA installation.
func DefaultSelectors() Selectors {
	return Selectors{
		UsernameInput:   `input[name="username"]`,
		PasswordInput:   `input[name="password"]`,
		LoginSubmit:     `input[type="submit"], button[type="submit"]`,
		NavFrame:        "nav",
		MainFrame:       "main",
		AttendanceText:  "Attendance",
		DateInputName:   "date",
		BlockSelectName: "block",
		SubmitControl:   `input[type="submit"][name="save"], button[name="save"]`,
		DateLayout:      "2006-01-02",
		StatusCodes: map[string]string{
			"present": "P",
			"late":    "L",
			"absent":  "A",
			"excused": "E",
		},
		HeaderTexts:      []string{"name", "student", "students", "student name"},
		PlaceholderTexts: []string{"no students", "select a date", "no class"},
	}
}

// withDefaults fills zero fields from DefaultSelectors.
func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	set := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	set(&s.UsernameInput, d.UsernameInput)
	set(&s.PasswordInput, d.PasswordInput)
	set(&s.LoginSubmit, d.LoginSubmit)
	set(&s.NavFrame, d.NavFrame)
	set(&s.MainFrame, d.MainFrame)
	set(&s.AttendanceText, d.AttendanceText)
	set(&s.DateInputName, d.DateInputName)
	set(&s.BlockSelectName, d.BlockSelectName)
	set(&s.SubmitControl, d.SubmitControl)
	set(&s.DateLayout, d.DateLayout)
	if len(s.StatusCodes) == 0 {
		s.StatusCodes = d.StatusCodes
	}
	if s.HeaderTexts == nil {
		s.HeaderTexts = d.HeaderTexts
	}
	if s.PlaceholderTexts == nil {
		s.PlaceholderTexts = d.PlaceholderTexts
	}
	return s
}

// StatusCode returns the radio value for a canonical status.
func (s Selectors) StatusCode(status string) (string, bool) {
	code, ok := s.StatusCodes[strings.ToLower(strings.TrimSpace(status))]
	return code, ok
}

// RemoteDate formats an ISO date (YYYY-MM-DD) in the remote layout.
func (s Selectors) RemoteDate(isoDate string) (string, error) {
	t, err := time.Parse(time.DateOnly, isoDate)
	if err != nil {
		return "", fmt.Errorf("tadriver: date %q: %w", isoDate, err)
	}
	return t.Format(s.DateLayout), nil
}

// ISODate converts a remote date value back to YYYY-MM-DD. Values that do
// not parse are returned trimmed and unchanged.
func (s Selectors) ISODate(remote string) string {
	remote = strings.TrimSpace(remote)
	t, err := time.Parse(s.DateLayout, remote)
	if err != nil {
		return remote
	}
	return t.Format(time.DateOnly)
}

func (s Selectors) frameCSS(name string) string {
	return fmt.Sprintf(`frame[name=%q], iframe[name=%q]`, name, name)
}

func (s Selectors) dateInputCSS() string {
	return fmt.Sprintf(`input[name=%q]`, s.DateInputName)
}

func (s Selectors) blockSelectCSS() string {
	return fmt.Sprintf(`select[name=%q]`, s.BlockSelectName)
}

func radioCSS(fieldID, code string) string {
	return fmt.Sprintf(`input[type="radio"][name=%q][value=%q]`, fieldID, code)
}

// Timeouts bounds every blocking browser step.
type Timeouts struct {
	Navigation   time.Duration
	Selector     time.Duration
	Confirmation time.Duration
	PollInterval time.Duration
}

// DefaultTimeouts returns 30s navigation, 15s selector, 5m confirmation
// and a 1s poll interval.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Navigation:   30 * time.Second,
		Selector:     15 * time.Second,
		Confirmation: 5 * time.Minute,
		PollInterval: time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Navigation <= 0 {
		t.Navigation = d.Navigation
	}
	if t.Selector <= 0 {
		t.Selector = d.Selector
	}
	if t.Confirmation <= 0 {
		t.Confirmation = d.Confirmation
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	return t
}
