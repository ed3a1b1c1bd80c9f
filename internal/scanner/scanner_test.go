package scanner

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/lessons/internal/clients"
	"semaphore/lessons/internal/credential"
	"semaphore/lessons/internal/lesson"
)

// fakeCameras hands out cameras whose frames are labelled by their
// width so fakeDecoder can map them to text.
type fakeCameras struct {
	mu      sync.Mutex
	devices []Device
	listErr error
	openErr error
	frames  []image.Image
	block   bool
	open    int
	opened  []string
}

func (f *fakeCameras) Devices(context.Context) ([]Device, error) {
	return f.devices, f.listErr
}

func (f *fakeCameras) Open(_ context.Context, id string) (Camera, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open++
	f.opened = append(f.opened, id)
	return &fakeCamera{owner: f, frames: f.frames, block: f.block, closed: make(chan struct{})}, nil
}

func (f *fakeCameras) handles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

type fakeCamera struct {
	owner     *fakeCameras
	frames    []image.Image
	block     bool
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *fakeCamera) ReadFrame(ctx context.Context) (image.Image, error) {
	if len(c.frames) == 0 {
		if !c.block {
			return nil, io.EOF
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, errCameraClosed
		}
	}
	frame := c.frames[0]
	c.frames = c.frames[1:]
	return frame, nil
}

func (c *fakeCamera) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.owner.mu.Lock()
		c.owner.open--
		c.owner.mu.Unlock()
	})
	return nil
}

type fakeDecoder map[int]string

func (d fakeDecoder) Decode(img image.Image) (string, error) {
	if text, ok := d[img.Bounds().Dx()]; ok {
		return text, nil
	}
	return "", ErrNoCode
}

type fakeSubmitter struct {
	mu    sync.Mutex
	errs  []error
	calls []string
}

func (s *fakeSubmitter) CheckIn(_ context.Context, credential string) (lesson.CheckInResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, credential)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return lesson.CheckInResult{}, err
		}
	}
	return lesson.CheckInResult{Status: "ok", SessionID: "s-1", Attendance: lesson.AttendancePresent}, nil
}

func frame(width int) image.Image {
	return image.NewGray(image.Rect(0, 0, width, 1))
}

func TestScanReleasesCameraAfterDecode(t *testing.T) {
	cameras := &fakeCameras{
		devices: []Device{{ID: "front", Label: "Front"}, {ID: "back", Label: "Back camera"}},
		frames:  []image.Image{frame(1), frame(2), frame(3)},
	}
	submitter := &fakeSubmitter{}
	var states []State
	s := New(cameras, fakeDecoder{3: "tok-1"}, submitter, Options{
		PreferDevice:  func(d Device) bool { return d.ID == "back" },
		OnStateChange: func(st State) { states = append(states, st) },
	})

	result, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, []string{"tok-1"}, submitter.calls)
	assert.Equal(t, []string{"back"}, cameras.opened)
	assert.Zero(t, cameras.handles())
	assert.Equal(t, Success, s.State())
	assert.Equal(t, []State{EnumeratingCameras, Streaming, Decoded, Submitting, Success}, states)

	_, err = s.Scan(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	require.NoError(t, s.Reset())
	assert.Equal(t, Idle, s.State())
}

func TestCloseReleasesStreamingCamera(t *testing.T) {
	cameras := &fakeCameras{devices: []Device{{ID: "cam"}}, block: true}
	s := New(cameras, fakeDecoder{}, &fakeSubmitter{}, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Scan(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return s.State() == Streaming }, time.Second, time.Millisecond)
	assert.Equal(t, 1, cameras.handles())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Zero(t, cameras.handles())
	assert.Equal(t, Idle, s.State())

	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCancelReleasesCamera(t *testing.T) {
	cameras := &fakeCameras{devices: []Device{{ID: "cam"}}, block: true}
	s := New(cameras, fakeDecoder{}, &fakeSubmitter{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return s.State() == Streaming }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, cameras.handles())
	assert.Equal(t, Idle, s.State())
}

func TestCameraErrorsAreDistinctFromFailures(t *testing.T) {
	cases := map[string]*fakeCameras{
		"no devices":        {},
		"permission denied": {devices: []Device{{ID: "cam"}}, openErr: os.ErrPermission},
		"enumeration":       {listErr: errors.New("no media devices")},
		"stream ended":      {devices: []Device{{ID: "cam"}}, frames: []image.Image{frame(1)}},
	}
	for name, cameras := range cases {
		s := New(cameras, fakeDecoder{}, &fakeSubmitter{}, Options{})
		_, err := s.Scan(context.Background())
		var scanErr *Error
		if !errors.As(err, &scanErr) || scanErr.State != CameraError {
			t.Fatalf("%s: expected camera error, got %v", name, err)
		}
		if s.State() != CameraError {
			t.Fatalf("%s: expected state camera_error, got %s", name, s.State())
		}
		if cameras.handles() != 0 {
			t.Fatalf("%s: camera left open", name)
		}
		if err := s.Reset(); err != nil {
			t.Fatalf("%s: reset failed: %v", name, err)
		}
	}
}

func TestRetryAfterTransientFailure(t *testing.T) {
	cameras := &fakeCameras{devices: []Device{{ID: "cam"}}, frames: []image.Image{frame(1)}}
	submitter := &fakeSubmitter{errs: []error{&clients.APIError{StatusCode: 503, Code: "service_unavailable"}}}
	s := New(cameras, fakeDecoder{1: `{"credential":"tok-9"}`}, submitter, Options{})

	_, err := s.Scan(context.Background())
	var scanErr *Error
	require.True(t, errors.As(err, &scanErr))
	assert.Equal(t, Failure, scanErr.State)
	assert.True(t, scanErr.Retryable)
	assert.Equal(t, "Could not reach the server. Try again.", Message(err))

	result, err := s.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lesson.AttendancePresent, result.Attendance)
	assert.Equal(t, []string{"tok-9", "tok-9"}, submitter.calls)
	assert.Equal(t, []string{"cam"}, cameras.opened, "retry must not reopen the camera")
}

func TestRejectedCredentialIsNotRetryable(t *testing.T) {
	cameras := &fakeCameras{devices: []Device{{ID: "cam"}}, frames: []image.Image{frame(1)}}
	submitter := &fakeSubmitter{errs: []error{&clients.APIError{StatusCode: 410, Code: "session_ended"}}}
	s := New(cameras, fakeDecoder{1: "tok"}, submitter, Options{})

	_, err := s.Scan(context.Background())
	var scanErr *Error
	require.True(t, errors.As(err, &scanErr))
	assert.False(t, scanErr.Retryable)
	assert.ErrorIs(t, err, lesson.ErrSessionEnded)
	assert.Equal(t, "The lesson has already ended.", Message(err))
}

func TestLegacyEnvelopeFailsWithoutSubmitting(t *testing.T) {
	cameras := &fakeCameras{devices: []Device{{ID: "cam"}}, frames: []image.Image{frame(1)}}
	submitter := &fakeSubmitter{}
	s := New(cameras, fakeDecoder{1: `{"sessionId":"local-1","kruzhokId":"robotics"}`}, submitter, Options{})

	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, ErrLegacyEnvelope)
	assert.Empty(t, submitter.calls)
	assert.Equal(t, Failure, s.State())
	_, err = s.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestQRRoundTripFromImageDirectory(t *testing.T) {
	token, err := credential.NewToken()
	require.NoError(t, err)
	qr, err := credential.RenderPNG(token, 256)
	require.NoError(t, err)

	dir := t.TempDir()
	var blank bytes.Buffer
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	require.NoError(t, png.Encode(&blank, img))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-blank.png"), blank.Bytes(), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-code.png"), qr, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	submitter := &fakeSubmitter{}
	s := New(ImageDirectories{dir}, NewQRDecoder(), submitter, Options{})
	_, err = s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{token}, submitter.calls)
}

func TestErrorInSuccessfulResponseIsAFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"session_ended"}`))
	}))
	defer server.Close()

	cameras := &fakeCameras{devices: []Device{{ID: "cam"}}, frames: []image.Image{frame(1)}}
	s := New(cameras, fakeDecoder{1: "tok"}, clients.New(server.URL, "tok", clients.WithRetries(0)), Options{})

	_, err := s.Scan(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failure, s.State())
	assert.ErrorIs(t, err, lesson.ErrSessionEnded)
	assert.Equal(t, "The lesson has already ended.", Message(err))
}

func TestEmptyAnswerIsAFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cameras := &fakeCameras{devices: []Device{{ID: "cam"}}, frames: []image.Image{frame(1)}}
	s := New(cameras, fakeDecoder{1: "tok"}, clients.New(server.URL, "tok", clients.WithRetries(0)), Options{})

	if _, err := s.Scan(context.Background()); err == nil {
		t.Fatalf("expected failure for an answer without status")
	}
	if s.State() != Failure {
		t.Fatalf("expected failure state, got %s", s.State())
	}
}

func TestTimedOutCheckInCanBeRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		_, _ = w.Write([]byte(`{"status":"ok","sessionId":"s-1","attendance":"present"}`))
	}))
	defer server.Close()

	client := clients.New(server.URL, "tok",
		clients.WithRetries(0),
		clients.WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	cameras := &fakeCameras{devices: []Device{{ID: "cam"}}, frames: []image.Image{frame(1)}}
	s := New(cameras, fakeDecoder{1: "tok"}, client, Options{})

	_, err := s.Scan(context.Background())
	var scanErr *Error
	require.True(t, errors.As(err, &scanErr))
	assert.True(t, scanErr.Retryable)
	assert.Equal(t, "Could not reach the server. Try again.", Message(err))

	result, err := s.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lesson.AttendancePresent, result.Attendance)
}

// blockingSubmitter fails the first call, then holds later calls until
// release is closed.
type blockingSubmitter struct {
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingSubmitter) CheckIn(ctx context.Context, _ string) (lesson.CheckInResult, error) {
	if b.calls.Add(1) == 1 {
		return lesson.CheckInResult{}, &clients.APIError{StatusCode: 503, Code: "service_unavailable"}
	}
	<-b.release
	return lesson.CheckInResult{Status: "ok", SessionID: "s-1", Attendance: lesson.AttendancePresent}, nil
}

func TestConcurrentRetrySubmitsOnce(t *testing.T) {
	cameras := &fakeCameras{devices: []Device{{ID: "cam"}}, frames: []image.Image{frame(1)}}
	submitter := &blockingSubmitter{release: make(chan struct{})}
	s := New(cameras, fakeDecoder{1: "tok"}, submitter, Options{})
	_, err := s.Scan(context.Background())
	require.Error(t, err)

	var wg sync.WaitGroup
	var succeeded, refused atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Retry(context.Background())
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrNothingToRetry):
				refused.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return refused.Load() == 3 }, time.Second, time.Millisecond)
	close(submitter.release)
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(2), submitter.calls.Load())
}
