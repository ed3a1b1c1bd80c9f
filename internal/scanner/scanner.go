// Package scanner drives a student's check-in: find a camera, read frames
// until a lesson code decodes, release the camera and present the credential
// to the server.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"semaphore/lessons/internal/clients"
	"semaphore/lessons/internal/lesson"
)

type State int

const (
	Idle State = iota
	EnumeratingCameras
	Streaming
	Decoded
	Submitting
	Success
	Failure
	CameraError
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case EnumeratingCameras:
		return "enumerating_cameras"
	case Streaming:
		return "streaming"
	case Decoded:
		return "decoded"
	case Submitting:
		return "submitting"
	case Success:
		return "success"
	case Failure:
		return "failure"
	case CameraError:
		return "camera_error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) terminal() bool {
	return s == Success || s == Failure || s == CameraError
}

var (
	ErrBusy           = errors.New("scanner: a scan is already in progress")
	ErrNotTerminal    = errors.New("scanner: no finished scan to reset")
	ErrNothingToRetry = errors.New("scanner: no decoded credential to resubmit")
	ErrClosed         = errors.New("scanner: closed")
)

// Error is the outcome of a scan that ended in Failure or CameraError.
type Error struct {
	State     State
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return e.State.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Submitter interface {
	CheckIn(ctx context.Context, credential string) (lesson.CheckInResult, error)
}

type Options struct {
	// PreferDevice picks the camera to open from the enumerated devices.
	// The first device is used when nil or when it returns false for all.
	PreferDevice  func(Device) bool
	OnStateChange func(State)
	Logger        *zap.Logger
}

type Scanner struct {
	cameras   CameraProvider
	decoder   Decoder
	submitter Submitter
	opts      Options
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	credential string
	camera     Camera
	closed     bool
}

func New(cameras CameraProvider, decoder Decoder, submitter Submitter, opts Options) *Scanner {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		cameras:   cameras,
		decoder:   decoder,
		submitter: submitter,
		opts:      opts,
		logger:    logger.Named("scanner"),
	}
}

func (s *Scanner) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Scan runs one full scan from Idle. Cancelling ctx while the camera is
// streaming releases it and returns the scanner to Idle.
func (s *Scanner) Scan(ctx context.Context) (lesson.CheckInResult, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return lesson.CheckInResult{}, ErrClosed
	case s.state != Idle:
		s.mu.Unlock()
		return lesson.CheckInResult{}, ErrBusy
	}
	s.state = EnumeratingCameras
	s.mu.Unlock()
	s.notify(EnumeratingCameras)

	text, err := s.capture(ctx)
	if err != nil {
		return lesson.CheckInResult{}, err
	}

	credential, err := ParseEnvelope(text)
	if err != nil {
		return lesson.CheckInResult{}, s.fail(Failure, false, err)
	}
	s.mu.Lock()
	s.credential = credential
	s.state = Submitting
	s.mu.Unlock()
	s.notify(Submitting)
	return s.submit(ctx, credential)
}

// Retry resubmits the decoded credential after a Failure. The camera is not
// touched. Only one of several concurrent calls submits; the others get
// ErrNothingToRetry.
func (s *Scanner) Retry(ctx context.Context) (lesson.CheckInResult, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return lesson.CheckInResult{}, ErrClosed
	case s.state != Failure || s.credential == "":
		s.mu.Unlock()
		return lesson.CheckInResult{}, ErrNothingToRetry
	}
	credential := s.credential
	s.state = Submitting
	s.mu.Unlock()
	s.notify(Submitting)
	return s.submit(ctx, credential)
}

func (s *Scanner) Reset() error {
	s.mu.Lock()
	if !s.state.terminal() {
		s.mu.Unlock()
		return ErrNotTerminal
	}
	s.credential = ""
	s.state = Idle
	s.mu.Unlock()
	s.notify(Idle)
	return nil
}

// Close releases the camera if one is open. A scan in progress fails with
// ErrClosed.
func (s *Scanner) Close() error {
	s.mu.Lock()
	s.closed = true
	camera := s.camera
	s.camera = nil
	s.mu.Unlock()
	if camera == nil {
		return nil
	}
	return camera.Close()
}

// capture enumerates and opens a camera, then reads frames until one
// decodes. The camera is released before capture returns.
func (s *Scanner) capture(ctx context.Context) (string, error) {
	devices, err := s.cameras.Devices(ctx)
	if err == nil && len(devices) == 0 {
		err = ErrNoCamera
	}
	if err != nil {
		return "", s.fail(CameraError, false, err)
	}
	device := s.pickDevice(devices)

	camera, err := s.cameras.Open(ctx, device.ID)
	if err != nil {
		return "", s.fail(CameraError, false, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = camera.Close()
		return "", s.abort(ErrClosed)
	}
	s.camera = camera
	s.state = Streaming
	s.mu.Unlock()
	s.notify(Streaming)
	defer s.release()

	s.logger.Debug("camera streaming", zap.String("device", device.Label))
	for {
		frame, err := camera.ReadFrame(ctx)
		if err != nil {
			switch {
			case s.isClosed():
				return "", s.abort(ErrClosed)
			case ctx.Err() != nil:
				return "", s.abort(ctx.Err())
			case errors.Is(err, io.EOF):
				return "", s.fail(CameraError, false, fmt.Errorf("camera stream ended without a code: %w", ErrNoCode))
			}
			return "", s.fail(CameraError, false, err)
		}
		text, err := s.decoder.Decode(frame)
		if errors.Is(err, ErrNoCode) {
			continue
		}
		if err != nil {
			return "", s.fail(Failure, false, err)
		}
		s.release()
		s.setState(Decoded)
		return text, nil
	}
}

// submit runs in Submitting.
func (s *Scanner) submit(ctx context.Context, credential string) (lesson.CheckInResult, error) {
	result, err := s.submitter.CheckIn(ctx, credential)
	if err == nil && result.Status != "ok" {
		err = fmt.Errorf("check-in answered %q", result.Status)
	}
	if err != nil {
		return lesson.CheckInResult{}, s.fail(Failure, clients.IsTransientFor(ctx, err), err)
	}
	s.setState(Success)
	s.logger.Info("checked in",
		zap.String("session_id", result.SessionID),
		zap.String("attendance", string(result.Attendance)))
	return result, nil
}

func (s *Scanner) pickDevice(devices []Device) Device {
	if s.opts.PreferDevice != nil {
		for _, d := range devices {
			if s.opts.PreferDevice(d) {
				return d
			}
		}
	}
	return devices[0]
}

func (s *Scanner) release() {
	s.mu.Lock()
	camera := s.camera
	s.camera = nil
	s.mu.Unlock()
	if camera == nil {
		return
	}
	if err := camera.Close(); err != nil {
		s.logger.Warn("closing camera", zap.Error(err))
	}
}

func (s *Scanner) fail(state State, retryable bool, err error) error {
	s.setState(state)
	s.logger.Info("scan failed",
		zap.Stringer("state", state),
		zap.Bool("retryable", retryable),
		zap.Error(err))
	return &Error{State: state, Retryable: retryable, Err: err}
}

// abort returns to Idle without a terminal outcome.
func (s *Scanner) abort(err error) error {
	s.setState(Idle)
	return err
}

func (s *Scanner) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scanner) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.notify(state)
	}
}

// notify runs outside the lock so observers may call back into the scanner.
func (s *Scanner) notify(state State) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(state)
	}
}

// Message turns a scan error into text for the student.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoCamera):
		return "No camera found. Check that a camera is connected and allowed."
	case errors.Is(err, ErrLegacyEnvelope):
		return "This code was made offline. Ask your mentor to start the lesson again."
	case errors.Is(err, ErrUnrecognizedCode), errors.Is(err, lesson.ErrInvalidCredential):
		return "This is not a valid lesson code."
	case errors.Is(err, lesson.ErrCredentialExpired):
		return "This code has expired. Ask your mentor to show the new one."
	case errors.Is(err, lesson.ErrSessionEnded):
		return "The lesson has already ended."
	case errors.Is(err, lesson.ErrSessionNotLive):
		return "The lesson has not started yet."
	case errors.Is(err, lesson.ErrForbidden):
		return "You are not allowed to check in with this account."
	case clients.IsTransient(err):
		return "Could not reach the server. Try again."
	}
	var scanErr *Error
	if errors.As(err, &scanErr) && scanErr.State == CameraError {
		return "The camera could not be used."
	}
	return "Check-in failed."
}
