// Package jobs runs periodic background passes and reports their health.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix prefixes the health service name of each job.
const ServicePrefix = "connector.job."

// Job is one periodic pass.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// HealthSetter is satisfied by *health.Server.
type HealthSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Runner runs each job on its own ticker. Passes of one job never overlap; ticks missed while a
// pass is running are dropped.
type Runner struct {
	jobs   []Job
	health HealthSetter
	log    *zap.Logger
	wg     sync.WaitGroup
}

// NewRunner constructs a Runner. health may be nil.
func NewRunner(log *zap.Logger, health HealthSetter, jobs ...Job) *Runner {
	return &Runner{jobs: jobs, health: health, log: log}
}

// Start launches every job. They stop when ctx is cancelled; use Wait to join them.
func (r *Runner) Start(ctx context.Context) {
	for _, j := range r.jobs {
		r.setStatus(j.Name, healthpb.HealthCheckResponse_SERVING)
		r.wg.Add(1)
		go func(j Job) {
			defer r.wg.Done()
			r.loop(ctx, j)
		}(j)
	}
}

// Wait blocks until all jobs have stopped.
func (r *Runner) Wait() { r.wg.Wait() }

// RunOnce runs a single pass of the named job.
func (r *Runner) RunOnce(ctx context.Context, name string) error {
	for _, j := range r.jobs {
		if j.Name == name {
			return r.pass(ctx, j)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (r *Runner) loop(ctx context.Context, j Job) {
	t := time.NewTicker(j.Interval)
	defer t.Stop()
	for {
		_ = r.pass(ctx, j)
		select {
		case <-ctx.Done():
			r.log.Info("job stopped", zap.String("job", j.Name))
			return
		case <-t.C:
		}
	}
}

func (r *Runner) pass(ctx context.Context, j Job) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, rec)
		}
		if err != nil && ctx.Err() == nil {
			r.log.Error("job failed", zap.String("job", j.Name), zap.Duration("took", time.Since(start)), zap.Error(err))
			r.setStatus(j.Name, healthpb.HealthCheckResponse_NOT_SERVING)
			return
		}
		r.setStatus(j.Name, healthpb.HealthCheckResponse_SERVING)
	}()
	return j.Run(ctx)
}

func (r *Runner) setStatus(name string, st healthpb.HealthCheckResponse_ServingStatus) {
	if r.health != nil {
		r.health.SetServingStatus(ServicePrefix+name, st)
	}
}
