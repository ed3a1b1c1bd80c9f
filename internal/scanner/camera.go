package scanner

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var ErrNoCamera = errors.New("scanner: no camera available")

type Device struct {
	ID    string
	Label string
}

type CameraProvider interface {
	Devices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, deviceID string) (Camera, error)
}

// Camera is an open capture device. ReadFrame returns io.EOF once the
// stream has ended; Close must be safe to call more than once.
type Camera interface {
	ReadFrame(ctx context.Context) (image.Image, error)
	Close() error
}

// ImageDirectories is a CameraProvider backed by image files. Each path is
// one device: a single image or a directory whose images are read in name
// order.
type ImageDirectories []string

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true}

func (d ImageDirectories) Devices(_ context.Context) ([]Device, error) {
	devices := make([]Device, 0, len(d))
	for _, path := range d {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("camera %s: %w", path, err)
		}
		devices = append(devices, Device{ID: path, Label: filepath.Base(path)})
	}
	return devices, nil
}

func (d ImageDirectories) Open(_ context.Context, deviceID string) (Camera, error) {
	info, err := os.Stat(deviceID)
	if err != nil {
		return nil, fmt.Errorf("opening camera %s: %w", deviceID, err)
	}
	if !info.IsDir() {
		return &fileCamera{frames: []string{deviceID}}, nil
	}
	entries, err := os.ReadDir(deviceID)
	if err != nil {
		return nil, fmt.Errorf("opening camera %s: %w", deviceID, err)
	}
	var frames []string
	for _, entry := range entries {
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		frames = append(frames, filepath.Join(deviceID, entry.Name()))
	}
	sort.Strings(frames)
	return &fileCamera{frames: frames}, nil
}

type fileCamera struct {
	mu     sync.Mutex
	frames []string
	next   int
	closed bool
}

func (c *fileCamera) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errCameraClosed
	}
	if c.next >= len(c.frames) {
		c.mu.Unlock()
		return nil, io.EOF
	}
	path := c.frames[c.next]
	c.next++
	c.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("reading frame %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func (c *fileCamera) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

var errCameraClosed = errors.New("scanner: camera closed")
