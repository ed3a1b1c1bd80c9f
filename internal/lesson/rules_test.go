package lesson

import (
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func attendancePtr(a Attendance) *Attendance { return &a }
func intPtr(v int) *int                      { return &v }
func stringPtr(v string) *string             { return &v }

func TestApplyCheckInPromotesDefaultRow(t *testing.T) {
	row := NewRosterRow("s1", true, t0)
	got := ApplyCheckIn(row, t0, 0, t0.Add(time.Minute))
	if got.Status != AttendancePresent || got.Source != SourceCheckIn {
		t.Fatalf("expected present/checkin, got %s/%s", got.Status, got.Source)
	}
	if !got.MarkedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected markedAt to move to check-in time")
	}
	if got.CheckedInAt == nil || !got.CheckedInAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected checkedInAt to be set")
	}
	if !got.IsEnrolled {
		t.Fatalf("check-in must not change enrollment")
	}
}

func TestApplyCheckInKeepsMentorDecision(t *testing.T) {
	for _, status := range []Attendance{AttendanceExcused, AttendanceLate, AttendanceAbsent, AttendancePresent} {
		row := ApplyUpdate(NewRosterRow("s1", true, t0), RecordUpdate{Status: attendancePtr(status)}, t0)
		got := ApplyCheckIn(row, t0, 0, t0.Add(time.Hour))
		if got.Status != status {
			t.Fatalf("check-in changed mentor status %s to %s", status, got.Status)
		}
		if !got.MarkedAt.Equal(t0) {
			t.Fatalf("check-in must not touch markedAt of a mentor row")
		}
		if got.CheckedInAt == nil {
			t.Fatalf("scan should still be recorded")
		}
	}
}

func TestApplyCheckInRepeatRefreshesMarkedAt(t *testing.T) {
	first := ApplyCheckIn(NewRosterRow("s1", true, t0), t0, 0, t0.Add(time.Minute))
	second := ApplyCheckIn(first, t0, 0, t0.Add(3*time.Minute))
	if second.Status != AttendancePresent {
		t.Fatalf("expected present, got %s", second.Status)
	}
	if !second.MarkedAt.Equal(t0.Add(3 * time.Minute)) {
		t.Fatalf("expected markedAt refresh")
	}
}

func TestApplyCheckInLateAfter(t *testing.T) {
	row := NewRosterRow("s1", true, t0)
	if got := ApplyCheckIn(row, t0, 15*time.Minute, t0.Add(10*time.Minute)); got.Status != AttendancePresent {
		t.Fatalf("expected present before threshold, got %s", got.Status)
	}
	late := ApplyCheckIn(row, t0, 15*time.Minute, t0.Add(20*time.Minute))
	if late.Status != AttendanceLate {
		t.Fatalf("expected late after threshold, got %s", late.Status)
	}
	// A repeated scan never upgrades LATE to PRESENT or the other way round.
	if again := ApplyCheckIn(late, t0, 15*time.Minute, t0.Add(21*time.Minute)); again.Status != AttendanceLate {
		t.Fatalf("expected late to stick, got %s", again.Status)
	}
}

func TestApplyUpdate(t *testing.T) {
	row := NewRosterRow("s1", true, t0)
	got := ApplyUpdate(row, RecordUpdate{Grade: intPtr(5), WorkSummary: stringPtr("  built a line follower ")}, t0.Add(time.Minute))
	if got.Grade == nil || *got.Grade != 5 {
		t.Fatalf("expected grade 5")
	}
	if got.WorkSummary == nil || *got.WorkSummary != "built a line follower" {
		t.Fatalf("expected trimmed summary, got %v", got.WorkSummary)
	}
	if got.Source != SourceDefault || got.Status != AttendanceAbsent {
		t.Fatalf("grade-only edit must not claim the status")
	}

	cleared := ApplyUpdate(got, RecordUpdate{WorkSummary: stringPtr("")}, t0.Add(2*time.Minute))
	if cleared.WorkSummary != nil {
		t.Fatalf("expected summary to be cleared")
	}
	if row.Grade != nil {
		t.Fatalf("input row must not be mutated")
	}
}

func TestRecordUpdateValidate(t *testing.T) {
	cases := []struct {
		name   string
		update RecordUpdate
		fields []string
	}{
		{"empty", RecordUpdate{}, []string{"record"}},
		{"valid", RecordUpdate{Status: attendancePtr(AttendanceExcused), Grade: intPtr(10)}, nil},
		{"unknown status", RecordUpdate{Status: attendancePtr("sick")}, []string{"status"}},
		{"uppercase status", RecordUpdate{Status: attendancePtr("PRESENT")}, []string{"status"}},
		{"grade zero", RecordUpdate{Grade: intPtr(0)}, []string{"grade"}},
		{"grade too high", RecordUpdate{Grade: intPtr(11)}, []string{"grade"}},
		{"summary too long", RecordUpdate{WorkSummary: stringPtr(strings.Repeat("x", MaxWorkSummaryLength+1))}, []string{"workSummary"}},
		{"all bad", RecordUpdate{Status: attendancePtr("x"), Grade: intPtr(-1)}, []string{"status", "grade"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.update.Validate(10)
			if tc.fields == nil {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(verr.Fields) != len(tc.fields) {
				t.Fatalf("expected %d field errors, got %v", len(tc.fields), verr.Fields)
			}
			for i, field := range tc.fields {
				if verr.Fields[i].Field != field {
					t.Fatalf("expected field %s, got %s", field, verr.Fields[i].Field)
				}
			}
		})
	}
}

func TestParseAttendance(t *testing.T) {
	for _, value := range []string{"present", "ABSENT", " Late ", "excused"} {
		if _, err := ParseAttendance(value); err != nil {
			t.Fatalf("expected %q to parse", value)
		}
	}
	if _, err := ParseAttendance("signed"); err == nil {
		t.Fatalf("expected unknown status to error")
	}
}
