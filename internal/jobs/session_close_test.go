package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"semaphore/lessons/internal/config"
)

type countingCloser struct {
	calls atomic.Int32
	err   error
}

func (c *countingCloser) CloseOverdue(ctx context.Context) (int, error) {
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("tick without deadline")
	}
	c.calls.Add(1)
	return 1, c.err
}

func TestSessionCloseJobTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	closer := &countingCloser{err: errors.New("db down")}
	StartSessionCloseJob(ctx, config.Config{
		SessionMaxDuration:      time.Hour,
		SessionCloseJobInterval: 5 * time.Millisecond,
	}, closer, nil)

	require.Eventually(t, func() bool { return closer.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	stopped := closer.calls.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, stopped, closer.calls.Load())
}

func TestSessionCloseJobDisabledWithoutLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	closer := &countingCloser{}
	StartSessionCloseJob(ctx, config.Config{SessionCloseJobInterval: time.Millisecond}, closer, nil)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, closer.calls.Load())
}
