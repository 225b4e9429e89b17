// Package localdata is the host application's side of a sync: enrolled
// students and the attendance recorded for them.
package localdata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/tasync/matcher"
)

// Attendance statuses. Pending means no decision has been recorded yet.
const (
	StatusPresent = "present"
	StatusLate    = "late"
	StatusAbsent  = "absent"
	StatusExcused = "excused"
	StatusPending = "pending"
)

// Schema holds the roster and attendance tables.
const Schema = `
CREATE TABLE IF NOT EXISTS students (
    id            TEXT PRIMARY KEY,
    classroom_id  TEXT NOT NULL,
    first_name    TEXT NOT NULL DEFAULT '',
    last_name     TEXT NOT NULL DEFAULT '',
    enrolled      INTEGER NOT NULL DEFAULT 1,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_students_classroom ON students(classroom_id, enrolled);

CREATE TABLE IF NOT EXISTS attendance_entries (
    classroom_id  TEXT NOT NULL,
    student_id    TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    date          TEXT NOT NULL,
    status        TEXT NOT NULL
        CHECK (status IN ('present', 'late', 'absent', 'excused', 'pending')),
    updated_at    INTEGER NOT NULL,
    PRIMARY KEY (classroom_id, student_id, date)
);
`

// Attendance is one student's status on one date.
type Attendance struct {
	StudentID string `json:"student_id"`
	Date      string `json:"date"`
	Status    string `json:"status"`
}

// Store reads and writes the local roster and attendance.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// NewStore wraps an already-opened database. The schema must be applied.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

// UpsertStudent adds or updates an enrolled student.
func (s *Store) UpsertStudent(ctx context.Context, classroomID string, st matcher.Student) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO students (id, classroom_id, first_name, last_name, enrolled, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			classroom_id = excluded.classroom_id,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			enrolled = 1,
			updated_at = excluded.updated_at`,
		st.ID, classroomID, st.FirstName, st.LastName, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("localdata: upsert student: %w", err)
	}
	return nil
}

// Unenroll keeps the student's history but drops them from the roster.
func (s *Store) Unenroll(ctx context.Context, studentID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE students SET enrolled = 0, updated_at = ? WHERE id = ?`,
		s.now().UnixMilli(), studentID)
	if err != nil {
		return fmt.Errorf("localdata: unenroll: %w", err)
	}
	return nil
}

// RecordAttendance sets a student's status for a date (YYYY-MM-DD).
func (s *Store) RecordAttendance(ctx context.Context, classroomID, studentID, date, status string) error {
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return fmt.Errorf("localdata: date %q: %w", date, err)
	}
	status = strings.ToLower(strings.TrimSpace(status))
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO attendance_entries (classroom_id, student_id, date, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(classroom_id, student_id, date) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		classroomID, studentID, date, status, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("localdata: record attendance: %w", err)
	}
	return nil
}

// EnrolledStudents lists the classroom's enrolled students by last name,
// first name, then id.
func (s *Store) EnrolledStudents(ctx context.Context, classroomID string) ([]matcher.Student, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, first_name, last_name FROM students
		WHERE classroom_id = ? AND enrolled = 1
		ORDER BY last_name, first_name, id`, classroomID)
	if err != nil {
		return nil, fmt.Errorf("localdata: list students: %w", err)
	}
	defer rows.Close()

	var out []matcher.Student
	for rows.Next() {
		var st matcher.Student
		if err := rows.Scan(&st.ID, &st.FirstName, &st.LastName); err != nil {
			return nil, fmt.Errorf("localdata: scan student: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AttendanceForDate returns one entry per enrolled student for date.
// Students with nothing recorded, and any date after today, are pending.
func (s *Store) AttendanceForDate(ctx context.Context, classroomID, date string) ([]Attendance, error) {
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return nil, fmt.Errorf("localdata: date %q: %w", date, err)
	}
	future := day.After(s.today())

	rows, err := s.DB.QueryContext(ctx,
		`SELECT s.id, COALESCE(a.status, 'pending')
		FROM students s
		LEFT JOIN attendance_entries a
			ON a.student_id = s.id AND a.classroom_id = s.classroom_id AND a.date = ?
		WHERE s.classroom_id = ? AND s.enrolled = 1
		ORDER BY s.last_name, s.first_name, s.id`, date, classroomID)
	if err != nil {
		return nil, fmt.Errorf("localdata: attendance: %w", err)
	}
	defer rows.Close()

	var out []Attendance
	for rows.Next() {
		a := Attendance{Date: date}
		if err := rows.Scan(&a.StudentID, &a.Status); err != nil {
			return nil, fmt.Errorf("localdata: scan attendance: %w", err)
		}
		if future {
			a.Status = StatusPending
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) today() time.Time {
	y, m, d := s.now().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
