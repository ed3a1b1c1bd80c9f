package lesson

import (
	"strings"
	"time"
	"unicode/utf8"
)

const MaxWorkSummaryLength = 2000

// NewRosterRow is the ABSENT row every student starts from, either seeded
// from the class roster or created for a guest on first write.
func NewRosterRow(studentID string, enrolled bool, now time.Time) RosterRow {
	return RosterRow{
		StudentID:  studentID,
		Status:     AttendanceAbsent,
		IsEnrolled: enrolled,
		Source:     SourceDefault,
		MarkedAt:   now,
	}
}

// ApplyCheckIn returns row as it stands after its student scanned the
// session credential at now.
//
// A check-in only promotes a row that still holds its default ABSENT status.
// Any status the mentor set explicitly wins over a scan, whatever the order
// the two arrived in. Repeated scans on a promoted row refresh MarkedAt.
// With lateAfter > 0, a promotion later than startedAt+lateAfter records LATE.
func ApplyCheckIn(row RosterRow, startedAt time.Time, lateAfter time.Duration, now time.Time) RosterRow {
	out := row.Clone()
	at := now
	out.CheckedInAt = &at

	switch {
	case out.Source == SourceMentor:
		return out
	case out.Source == SourceCheckIn:
		out.MarkedAt = now
		return out
	}

	out.Status = AttendancePresent
	if lateAfter > 0 && !startedAt.IsZero() && now.After(startedAt.Add(lateAfter)) {
		out.Status = AttendanceLate
	}
	out.Source = SourceCheckIn
	out.MarkedAt = now
	return out
}

// ApplyUpdate applies a validated mentor edit. An empty work summary clears it.
func ApplyUpdate(row RosterRow, update RecordUpdate, now time.Time) RosterRow {
	out := row.Clone()
	if update.Status != nil {
		out.Status = *update.Status
		out.Source = SourceMentor
	}
	if update.Grade != nil {
		grade := *update.Grade
		out.Grade = &grade
	}
	if update.WorkSummary != nil {
		summary := strings.TrimSpace(*update.WorkSummary)
		if summary == "" {
			out.WorkSummary = nil
		} else {
			out.WorkSummary = &summary
		}
	}
	out.MarkedAt = now
	return out
}

// Validate checks every field and reports all problems at once.
func (u RecordUpdate) Validate(maxGrade int) error {
	if u.Empty() {
		return NewValidationError(FieldError{Field: "record", Error: "no fields to update"})
	}
	var fields []FieldError
	if u.Status != nil {
		if parsed, err := ParseAttendance(string(*u.Status)); err != nil || parsed != *u.Status {
			fields = append(fields, FieldError{Field: "status", Error: "must be one of present, absent, late, excused"})
		}
	}
	if u.Grade != nil && (*u.Grade < 1 || *u.Grade > maxGrade) {
		fields = append(fields, FieldError{Field: "grade", Error: "out of range"})
	}
	if u.WorkSummary != nil && utf8.RuneCountInString(*u.WorkSummary) > MaxWorkSummaryLength {
		fields = append(fields, FieldError{Field: "workSummary", Error: "too long"})
	}
	if len(fields) > 0 {
		return NewValidationError(fields...)
	}
	return nil
}
