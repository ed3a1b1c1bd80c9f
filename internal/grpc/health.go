package grpc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name readiness is reported under, next to the
// server-wide "" entry.
const ServiceName = "lessons.v1.Lessons"

// Check is one dependency the service cannot serve without.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Readiness polls its checks and publishes the result through the standard
// gRPC health service.
type Readiness struct {
	server   *health.Server
	checks   []Check
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	serving bool
	failing map[string]bool
}

func NewReadiness(logger *zap.Logger, interval time.Duration, checks ...Check) *Readiness {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	r := &Readiness{
		server:   health.NewServer(),
		checks:   checks,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("readiness"),
		failing:  make(map[string]bool),
	}
	r.publish(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return r
}

func (r *Readiness) HealthServer() grpc_health_v1.HealthServer {
	return r.server
}

// Run checks immediately and then on every interval until ctx is done, at
// which point every service is reported NOT_SERVING for good.
func (r *Readiness) Run(ctx context.Context) {
	r.CheckNow(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return
		case <-ticker.C:
			r.CheckNow(ctx)
		}
	}
}

// CheckNow runs every check once and returns whether all of them passed.
func (r *Readiness) CheckNow(ctx context.Context) bool {
	ready := true
	for _, check := range r.checks {
		checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := check.Ping(checkCtx)
		cancel()
		r.record(check.Name, err)
		if err != nil {
			ready = false
		}
	}

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !ready {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	r.mu.Lock()
	changed := r.serving != ready
	r.serving = ready
	r.mu.Unlock()
	if changed {
		r.logger.Info("readiness changed", zap.Bool("serving", ready))
	}
	r.publish(status)
	return ready
}

func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serving
}

func (r *Readiness) record(name string, err error) {
	r.mu.Lock()
	wasFailing := r.failing[name]
	r.failing[name] = err != nil
	r.mu.Unlock()

	switch {
	case err != nil && !wasFailing:
		r.logger.Warn("dependency check failed", zap.String("check", name), zap.Error(err))
	case err == nil && wasFailing:
		r.logger.Info("dependency recovered", zap.String("check", name))
	}
}

func (r *Readiness) publish(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(ServiceName, status)
}
