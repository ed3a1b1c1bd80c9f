// Package lesson holds the live lesson domain: sessions, roster rows, the
// check-in precedence rules and the Service that owns session lifecycle and
// roster state.
package lesson

import (
	"encoding/json"
	"strings"
	"time"
)

type SessionStatus string

const (
	StatusScheduled SessionStatus = "scheduled"
	StatusLive      SessionStatus = "live"
	StatusEnded     SessionStatus = "ended"
)

// ParseSessionStatus accepts any casing ("LIVE", "live").
func ParseSessionStatus(value string) (SessionStatus, error) {
	switch SessionStatus(strings.ToLower(strings.TrimSpace(value))) {
	case StatusScheduled:
		return StatusScheduled, nil
	case StatusLive:
		return StatusLive, nil
	case StatusEnded:
		return StatusEnded, nil
	default:
		return "", errInvalidValue
	}
}

type Attendance string

const (
	AttendancePresent Attendance = "present"
	AttendanceAbsent  Attendance = "absent"
	AttendanceLate    Attendance = "late"
	AttendanceExcused Attendance = "excused"
)

// ParseAttendance accepts any casing ("EXCUSED", "excused").
func ParseAttendance(value string) (Attendance, error) {
	switch Attendance(strings.ToLower(strings.TrimSpace(value))) {
	case AttendancePresent:
		return AttendancePresent, nil
	case AttendanceAbsent:
		return AttendanceAbsent, nil
	case AttendanceLate:
		return AttendanceLate, nil
	case AttendanceExcused:
		return AttendanceExcused, nil
	default:
		return "", errInvalidValue
	}
}

// RowSource records who last decided a row's status.
type RowSource string

const (
	SourceDefault RowSource = "default"
	SourceCheckIn RowSource = "checkin"
	SourceMentor  RowSource = "mentor"
)

type EndReason string

const (
	EndReasonMentor  EndReason = "mentor"
	EndReasonTimeout EndReason = "timeout"
	EndReasonAborted EndReason = "aborted"
)

type Role string

const (
	RoleMentor  Role = "mentor"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
	RoleAdmin   Role = "admin"
)

// Actor is the authenticated caller of a Service operation.
type Actor struct {
	UserID string
	Role   Role
}

type Session struct {
	ID          string        `json:"id"`
	MentorID    string        `json:"mentorId"`
	ClassID     string        `json:"classId"`
	KruzhokID   string        `json:"kruzhokId"`
	Title       string        `json:"title"`
	Status      SessionStatus `json:"status"`
	ScheduledAt *time.Time    `json:"scheduledAt,omitempty"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
	EndReason   EndReason     `json:"endReason,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Date is the lesson's canonical date: start time once started, the planned
// time before that.
func (s Session) Date() time.Time {
	switch {
	case s.StartedAt != nil:
		return *s.StartedAt
	case s.ScheduledAt != nil:
		return *s.ScheduledAt
	default:
		return s.CreatedAt
	}
}

func (s Session) MarshalJSON() ([]byte, error) {
	type plain Session
	return json.Marshal(struct {
		plain
		Date time.Time `json:"date"`
	}{plain: plain(s), Date: s.Date()})
}

type RosterRow struct {
	StudentID   string     `json:"studentId"`
	Status      Attendance `json:"status"`
	Grade       *int       `json:"grade,omitempty"`
	WorkSummary *string    `json:"workSummary,omitempty"`
	IsEnrolled  bool       `json:"isEnrolled"`
	Source      RowSource  `json:"source"`
	MarkedAt    time.Time  `json:"markedAt"`
	CheckedInAt *time.Time `json:"checkedInAt,omitempty"`
}

func (r RosterRow) Clone() RosterRow {
	out := r
	if r.Grade != nil {
		grade := *r.Grade
		out.Grade = &grade
	}
	if r.WorkSummary != nil {
		summary := *r.WorkSummary
		out.WorkSummary = &summary
	}
	if r.CheckedInAt != nil {
		at := *r.CheckedInAt
		out.CheckedInAt = &at
	}
	return out
}

// State is a full, consistent snapshot of one session's roster.
type State struct {
	Session    Session     `json:"session"`
	Rows       []RosterRow `json:"rows"`
	ServerTime time.Time   `json:"serverTime"`
}

func (s State) Row(studentID string) (RosterRow, bool) {
	for _, row := range s.Rows {
		if row.StudentID == studentID {
			return row, true
		}
	}
	return RosterRow{}, false
}

func (s State) Clone() State {
	out := s
	out.Rows = make([]RosterRow, len(s.Rows))
	for i, row := range s.Rows {
		out.Rows[i] = row.Clone()
	}
	return out
}

// RecordUpdate is a partial mentor edit; nil fields are left untouched.
type RecordUpdate struct {
	Status      *Attendance `json:"status,omitempty"`
	Grade       *int        `json:"grade,omitempty"`
	WorkSummary *string     `json:"workSummary,omitempty"`
}

func (u RecordUpdate) Empty() bool {
	return u.Status == nil && u.Grade == nil && u.WorkSummary == nil
}

// Class is a class roster the directory knows about.
type Class struct {
	ID        string   `json:"id" yaml:"id"`
	KruzhokID string   `json:"kruzhokId" yaml:"kruzhokId"`
	MentorID  string   `json:"mentorId" yaml:"mentorId"`
	Title     string   `json:"title" yaml:"title"`
	Students  []string `json:"students,omitempty" yaml:"students"`
}

// Credential is the scannable bearer value of a live session.
type Credential struct {
	SessionID  string     `json:"sessionId"`
	Value      string     `json:"credential"`
	IssuedAt   time.Time  `json:"issuedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	ServerTime time.Time  `json:"serverTime"`
}

// Grant is what a presented credential resolves to.
type Grant struct {
	SessionID string
	IssuedAt  time.Time
	ExpiresAt *time.Time
}

type IssueRequest struct {
	SessionID string
	MentorID  string
	ClassID   string
	KruzhokID string
	StartedAt time.Time
}

type ScheduleRequest struct {
	MentorID    string
	ClassID     string
	KruzhokID   string
	Title       string
	ScheduledAt time.Time
}

// StartRequest either names a scheduled session or describes a new one.
type StartRequest struct {
	MentorID  string
	SessionID string
	ClassID   string
	KruzhokID string
	Title     string
}

type StartResult struct {
	SessionID  string     `json:"sessionId"`
	Credential string     `json:"credential"`
	StartedAt  time.Time  `json:"startedAt"`
	ServerTime time.Time  `json:"serverTime"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type CheckInResult struct {
	Status     string     `json:"status"`
	SessionID  string     `json:"sessionId"`
	Attendance Attendance `json:"attendance"`
	MarkedAt   time.Time  `json:"markedAt"`
}

type SessionFilter struct {
	MentorID      string
	Status        SessionStatus
	StartedBefore time.Time
	Limit         int
}
