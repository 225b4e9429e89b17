package attendancesync

import (
	"context"
	"time"

	"github.com/hazyhaar/tasync/canonical"
	"github.com/hazyhaar/tasync/localdata"
	"github.com/hazyhaar/tasync/matcher"
	"github.com/hazyhaar/tasync/observability"
	"github.com/hazyhaar/tasync/syncstore"
	"github.com/hazyhaar/tasync/tadriver"
)

// Store is the job persistence the syncer writes through.
type Store interface {
	InsertJob(ctx context.Context, j *syncstore.Job) error
	InsertItems(ctx context.Context, jobID string, results []canonical.ExecutedOperation) error
	FinalizeJob(ctx context.Context, jobID, status string, summary canonical.Summary, errMsg string) error
	LoadLatestPayloadHashes(ctx context.Context, classroomID, provider string) (map[string]string, error)
}

// AttendanceSource computes local attendance for one classroom and date.
type AttendanceSource interface {
	AttendanceForDate(ctx context.Context, classroomID, date string) ([]localdata.Attendance, error)
}

// RosterSource lists a classroom's enrolled students.
type RosterSource interface {
	EnrolledStudents(ctx context.Context, classroomID string) ([]matcher.Student, error)
}

// ConfigSource loads a classroom's TA configuration. A nil config means
// the classroom is not set up for TA sync.
type ConfigSource interface {
	GetTAConfig(ctx context.Context, classroomID string) (*syncstore.TAConfig, error)
}

// Decrypter reveals the stored TA password for the duration of a run.
type Decrypter interface {
	Decrypt(stored string) (string, error)
}

// Session is the browser surface a run drives. *tadriver.Session
// implements it.
type Session interface {
	Login(ctx context.Context, username, password string) error
	SelectCourse(ctx context.Context, search string) error
	OpenAttendance(ctx context.Context) error
	SelectBlock(ctx context.Context, code string) error
	ReadPageState(ctx context.Context) (*tadriver.PageState, error)
	SetDate(ctx context.Context, isoDate string) error
	Fill(ctx context.Context, entries []tadriver.Entry) error
	Submit(ctx context.Context, mode tadriver.ExecutionMode) error
	Close() error
}

// Launcher opens browser sessions.
type Launcher interface {
	Launch(ctx context.Context, opts tadriver.LaunchOptions) (Session, error)
}

// Events records business events. *observability.EventLogger implements it.
type Events interface {
	LogEvent(ctx context.Context, event observability.BusinessEvent)
}

// Metrics records per-job sync metrics. *observability.MetricsManager
// implements it.
type Metrics interface {
	RecordSync(classroomID, provider, mode string, summary canonical.Summary, d time.Duration)
}

type managerLauncher struct{ m *tadriver.Manager }

func (l managerLauncher) Launch(ctx context.Context, opts tadriver.LaunchOptions) (Session, error) {
	s, err := l.m.Launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// BrowserLauncher adapts a tadriver.Manager to Launcher.
func BrowserLauncher(m *tadriver.Manager) Launcher {
	return managerLauncher{m: m}
}
