package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"semaphore/lessons/internal/lesson"
)

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"Bearer abc":       "abc",
		"bearer  abc ":     "abc",
		"Basic dXNlcjpwdw": "",
		"Bearer":           "",
	}
	for header, expected := range cases {
		if got := bearerToken(header); got != expected {
			t.Fatalf("header %q expected %q got %q", header, expected, got)
		}
	}
}

func TestRequestValidatorUsesJSONNames(t *testing.T) {
	v := newRequestValidator()

	err := v.Struct(checkInRequest{Credential: "   "})
	var verr *lesson.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "credential", verr.Fields[0].Field)
	assert.Equal(t, "this field cannot be blank", verr.Fields[0].Error)

	err = v.Struct(startSessionRequest{})
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Fields, 2)
	fields := []string{verr.Fields[0].Field, verr.Fields[1].Field}
	assert.ElementsMatch(t, []string{"classId", "kruzhokId"}, fields)

	assert.NoError(t, v.Struct(startSessionRequest{SessionID: "6f1c2a7e-3b5d-4c8e-9a1f-2d3e4f5a6b7c"}))
	assert.Error(t, v.Struct(startSessionRequest{SessionID: "not-a-uuid"}))
	assert.NoError(t, v.Struct(scheduleSessionRequest{ClassID: "c", KruzhokID: "k", ScheduledAt: time.Now()}))
}

func TestWriteServiceError(t *testing.T) {
	s := &Server{logger: zap.NewNop()}
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{lesson.NewValidationError(lesson.FieldError{Field: "grade", Error: "out of range"}), http.StatusBadRequest, "invalid_request"},
		{lesson.ErrForbidden, http.StatusForbidden, "forbidden"},
		{lesson.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{lesson.ErrClassNotFound, http.StatusNotFound, "class_not_found"},
		{lesson.ErrInvalidCredential, http.StatusBadRequest, "invalid_credential"},
		{lesson.ErrCredentialExpired, http.StatusGone, "credential_expired"},
		{lesson.ErrSessionEnded, http.StatusGone, "session_ended"},
		{lesson.ErrSessionNotLive, http.StatusConflict, "session_not_live"},
		{lesson.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{errors.New("boom"), http.StatusInternalServerError, "server_error"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		s.writeServiceError(rec, req, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.code)
		assert.Contains(t, rec.Body.String(), `"error":"`+tc.code+`"`)
	}
}
