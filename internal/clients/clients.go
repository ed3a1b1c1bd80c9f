// Package clients is a typed client for the lessons REST API, shared by the
// command line tool, the scanner and the live roster view.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"semaphore/lessons/internal/lesson"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 3
	maxResponseBytes  = 4 << 20
)

type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	maxRetries uint64
	backoff    func() backoff.BackOff
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetries bounds how often idempotent calls are retried after a
// transient failure. Zero disables retries.
func WithRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) { c.backoff = newBackOff }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		http:       &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx answer from the server. It unwraps to the matching
// lesson error so callers can use errors.Is across the wire.
type APIError struct {
	StatusCode int
	Code       string
	Fields     []lesson.FieldError
}

func (e *APIError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("lessons api: %d %s", e.StatusCode, e.Code)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Error)
	}
	return fmt.Sprintf("lessons api: %d %s (%s)", e.StatusCode, e.Code, strings.Join(parts, "; "))
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "invalid_request":
		return lesson.NewValidationError(e.Fields...)
	case "forbidden":
		return lesson.ErrForbidden
	case "session_not_found":
		return lesson.ErrSessionNotFound
	case "class_not_found":
		return lesson.ErrClassNotFound
	case "credential_not_found":
		return lesson.ErrCredentialNotFound
	case "invalid_credential":
		return lesson.ErrInvalidCredential
	case "credential_expired":
		return lesson.ErrCredentialExpired
	case "session_ended":
		return lesson.ErrSessionEnded
	case "session_not_live":
		return lesson.ErrSessionNotLive
	case "invalid_transition":
		return lesson.ErrInvalidTransition
	}
	return nil
}

// IsTransient reports whether err is worth retrying: transport failures and
// timeouts, throttling and server-side errors. Rejections by the server are
// final. A cancelled or expired caller context is checked by the caller, see
// IsTransientFor.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsTransientFor is IsTransient for an error returned under ctx: once ctx
// itself is done nothing is retried.
func IsTransientFor(ctx context.Context, err error) bool {
	return ctx.Err() == nil && IsTransient(err)
}

type ScheduleSessionRequest struct {
	ClassID     string    `json:"classId"`
	KruzhokID   string    `json:"kruzhokId"`
	Title       string    `json:"title,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

type StartSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	ClassID   string `json:"classId,omitempty"`
	KruzhokID string `json:"kruzhokId,omitempty"`
	Title     string `json:"title,omitempty"`
}

type ListOptions struct {
	MentorID string
	Status   lesson.SessionStatus
	Limit    int
}

type updateRecordBody struct {
	SessionID string `json:"sessionId"`
	StudentID string `json:"studentId"`
	lesson.RecordUpdate
}

type updateRecordResponse struct {
	OK  bool             `json:"ok"`
	Row lesson.RosterRow `json:"row"`
}

func (c *Client) ScheduleSession(ctx context.Context, req ScheduleSessionRequest) (lesson.Session, error) {
	var sess lesson.Session
	err := c.doJSON(ctx, http.MethodPost, "/session/schedule", req, &sess, false)
	return sess, err
}

func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (lesson.StartResult, error) {
	var result lesson.StartResult
	err := c.doJSON(ctx, http.MethodPost, "/session/start", req, &result, false)
	return result, err
}

func (c *Client) GetState(ctx context.Context, sessionID string) (lesson.State, error) {
	var state lesson.State
	err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "state"), nil, &state, true)
	return state, err
}

// CheckIn is retried on transient failures; repeating a check-in never
// changes the outcome.
func (c *Client) CheckIn(ctx context.Context, credential string) (lesson.CheckInResult, error) {
	var result lesson.CheckInResult
	body := map[string]string{"credential": credential}
	err := c.doJSON(ctx, http.MethodPost, "/session/checkin", body, &result, true)
	return result, err
}

func (c *Client) UpdateRecord(ctx context.Context, sessionID, studentID string, update lesson.RecordUpdate) (lesson.RosterRow, error) {
	var resp updateRecordResponse
	body := updateRecordBody{SessionID: sessionID, StudentID: studentID, RecordUpdate: update}
	err := c.doJSON(ctx, http.MethodPost, "/session/update-record", body, &resp, false)
	return resp.Row, err
}

func (c *Client) EndSession(ctx context.Context, sessionID string) (lesson.Session, error) {
	var sess lesson.Session
	err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "end"), nil, &sess, true)
	return sess, err
}

func (c *Client) Credential(ctx context.Context, sessionID string) (lesson.Credential, error) {
	var cred lesson.Credential
	err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "credential"), nil, &cred, true)
	return cred, err
}

func (c *Client) CredentialPNG(ctx context.Context, sessionID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, sessionPath(sessionID, "credential")+"?format=png", nil, true)
}

func (c *Client) RotateCredential(ctx context.Context, sessionID string) (lesson.Credential, error) {
	var cred lesson.Credential
	err := c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "credential/rotate"), nil, &cred, false)
	return cred, err
}

func (c *Client) ListSessions(ctx context.Context, opts ListOptions) ([]lesson.Session, error) {
	query := url.Values{}
	if opts.MentorID != "" {
		query.Set("mentorId", opts.MentorID)
	}
	if opts.Status != "" {
		query.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp struct {
		Sessions []lesson.Session `json:"sessions"`
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp, true)
	return resp.Sessions, err
}

func sessionPath(sessionID, suffix string) string {
	return "/session/" + url.PathEscape(sessionID) + "/" + suffix
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out interface{}, retry bool) error {
	body, err := c.do(ctx, method, path, payload, retry)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, retry bool) ([]byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
	}

	var body []byte
	operation := func() error {
		var err error
		body, err = c.roundTrip(ctx, method, path, encoded)
		if err != nil && !IsTransientFor(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if !retry || c.maxRetries == 0 {
		return body, unwrapPermanent(operation())
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.backoff(), c.maxRetries), ctx)
	return body, backoff.Retry(operation, policy)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, encoded []byte) ([]byte, error) {
	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var decoded struct {
			Error  string              `json:"error"`
			Fields []lesson.FieldError `json:"fields"`
		}
		if json.Unmarshal(body, &decoded) == nil && decoded.Error != "" {
			apiErr.Code = decoded.Error
			apiErr.Fields = decoded.Fields
		} else {
			apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		}
		return nil, apiErr
	}
	// A 2xx answer may still carry an application error.
	var answered struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &answered) == nil && answered.Error != "" {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: answered.Error}
	}
	return body, nil
}

func unwrapPermanent(err error) error {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}
